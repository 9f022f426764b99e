package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/chatbridge/internal/delivery"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Printer is the delivery sink of a headless run. It writes deliveries in
// the configured format and collects the final Result.
type Printer struct {
	mu        sync.Mutex
	writer    io.Writer
	format    OutputFormat
	quiet     bool
	verbose   bool
	console   *delivery.ConsoleSink
	startTime time.Time
	result    *Result

	// finalMsg is the message the collected text belongs to.
	finalMsg string
	final    []string
}

// NewPrinter creates a new delivery printer.
func NewPrinter(writer io.Writer, format OutputFormat, quiet, verbose, noColor bool) *Printer {
	return &Printer{
		writer:    writer,
		format:    format,
		quiet:     quiet,
		verbose:   verbose,
		console:   delivery.NewConsoleSink(writer, noColor),
		startTime: time.Now(),
		result: &Result{
			Status:   "running",
			ExitCode: ExitSuccess,
		},
	}
}

// deliveryRecord is the jsonl shape of a delivery.
type deliveryRecord struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Text   string         `json:"text"`
	PartID string         `json:"partID,omitempty"`
	Files  []types.Media  `json:"files,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Deliver prints one delivery and tracks it for the result.
func (p *Printer) Deliver(ctx context.Context, d delivery.Delivery) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.track(d)

	switch p.format {
	case OutputText:
		return p.printText(ctx, d)
	case OutputJSONL:
		if !p.verbose && d.Kind == delivery.KindNotice {
			return d.ID, nil
		}
		rec := deliveryRecord{
			ID:     d.ID,
			Kind:   string(d.Kind),
			Text:   d.Text,
			PartID: d.PartID,
			Files:  d.Files,
			Meta:   d.Meta,
		}
		if err := p.writeLine(NewEvent("delivery", rec)); err != nil {
			return "", err
		}
	}
	// json and yaml only print the final result.
	return d.ID, nil
}

func (p *Printer) printText(ctx context.Context, d delivery.Delivery) (string, error) {
	if !p.quiet {
		return p.console.Deliver(ctx, d)
	}
	if d.Kind != delivery.KindFragment || metaString(d.Meta, "kind") != "text" {
		return d.ID, nil
	}
	if _, err := fmt.Fprintln(p.writer, d.Text); err != nil {
		return "", err
	}
	return d.ID, nil
}

// track updates the result from a delivery.
func (p *Printer) track(d delivery.Delivery) {
	p.result.Deliveries++
	switch d.Kind {
	case delivery.KindSummary:
		p.result.Summary = d.Text
	case delivery.KindFragment:
		if metaString(d.Meta, "kind") != "text" || metaString(d.Meta, "subtask") != "" {
			return
		}
		msg := metaString(d.Meta, "messageID")
		if msg != p.finalMsg {
			p.finalMsg = msg
			p.final = p.final[:0]
		}
		p.final = append(p.final, d.Text)
	}
}

// SetThread sets the thread the run belongs to.
func (p *Printer) SetThread(threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.ThreadID = threadID
}

// SetTurn copies the turn outcome into the result. res may be nil when the
// turn never started.
func (p *Printer) SetTurn(res *session.TurnResult) {
	if res == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.SessionID = res.SessionID
	p.result.Model = res.Model
	p.result.Agent = res.Agent
	p.result.Cost = res.Cost
	p.result.ContextPercent = res.ContextPercent
	if res.Tokens.Total() > 0 {
		tokens := res.Tokens
		p.result.Tokens = &tokens
	}
}

// AddDecision records an answered permission prompt.
func (p *Printer) AddDecision(d Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Permissions = append(p.result.Permissions, d)
}

// SetResult updates the result with final values.
func (p *Printer) SetResult(status string, exitCode ExitCode, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.Status = status
	p.result.ExitCode = exitCode
	if err != nil {
		p.result.Error = err.Error()
	}
	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
}

// GetResult returns the current result.
func (p *Printer) GetResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resultLocked()
}

func (p *Printer) resultLocked() *Result {
	p.result.FinalMessage = strings.Join(p.final, "\n\n")
	if p.result.Status == "running" {
		p.result.DurationMS = time.Since(p.startTime).Milliseconds()
	}
	res := *p.result
	return &res
}

// PrintFinalResult prints the result for the json, jsonl and yaml formats.
// Text output already carried the summary line.
func (p *Printer) PrintFinalResult() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := p.resultLocked()
	switch p.format {
	case OutputJSON:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.writer, string(data))
		return err
	case OutputJSONL:
		return p.writeLine(NewEvent("result", result))
	case OutputYAML:
		enc := yaml.NewEncoder(p.writer)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return err
		}
		return enc.Close()
	case OutputText:
		if result.Error != "" && result.Deliveries == 0 {
			_, err := fmt.Fprintf(p.writer, "[error] %s\n", result.Error)
			return err
		}
	}
	return nil
}

func (p *Printer) writeLine(evt *Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.writer, string(data))
	return err
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}
