package delivery

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ConsoleSink prints deliveries to a terminal.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleSink writes to out. noColor disables ANSI colors globally.
func NewConsoleSink(out io.Writer, noColor bool) *ConsoleSink {
	if noColor {
		color.NoColor = true
	}
	return &ConsoleSink{out: out}
}

var kindStyles = map[Kind]*color.Color{
	KindFragment:   color.New(color.FgGreen, color.Bold),
	KindNotice:     color.New(color.FgHiBlack),
	KindSummary:    color.New(color.FgCyan),
	KindError:      color.New(color.FgRed, color.Bold),
	KindPermission: color.New(color.FgYellow, color.Bold),
	KindQuestion:   color.New(color.FgMagenta, color.Bold),
}

func (s *ConsoleSink) Deliver(ctx context.Context, d Delivery) (string, error) {
	style, ok := kindStyles[d.Kind]
	if !ok {
		style = color.New(color.Reset)
	}

	var b strings.Builder
	if d.Kind == KindFragment {
		b.WriteString(d.Text)
	} else {
		b.WriteString(style.Sprintf("%s ›", d.Kind))
		b.WriteString(" ")
		b.WriteString(d.Text)
	}
	for _, f := range d.Files {
		name := f.Filename
		if name == "" {
			name = f.URL
		}
		b.WriteString("\n")
		b.WriteString(color.New(color.FgHiBlack).Sprintf("  attachment %s (%s)", name, f.Mime))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.out, b.String()); err != nil {
		return "", err
	}
	return d.ID, nil
}
