package fragment

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Rendered is the chat-ready form of a part.
type Rendered struct {
	Text  string
	Files []types.Media
}

// Empty reports whether there is nothing to deliver.
func (r Rendered) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Files) == 0
}

var toolGlyphs = map[string]string{
	types.ToolPending:   "…",
	types.ToolRunning:   "⋯",
	types.ToolCompleted: "✔",
	types.ToolError:     "✖",
}

// Render formats a part for the thread. label, when set, prefixes subtask
// output as "[label] ".
func Render(p types.Part, label string) Rendered {
	var r Rendered
	switch v := p.(type) {
	case *types.TextPart:
		if v.Synthetic || v.Ignored {
			return r
		}
		r.Text = strings.TrimSpace(v.Text)
	case *types.ReasoningPart:
		text := strings.TrimSpace(v.Text)
		if text == "" {
			return r
		}
		r.Text = "> " + strings.ReplaceAll(text, "\n", "\n> ")
	case *types.ToolPart:
		r.Text = renderTool(v)
	case *types.FilePart:
		name := v.Filename
		if name == "" {
			name = filepath.Base(v.URL)
		}
		r.Text = "📎 " + name
		r.Files = []types.Media{{Mime: v.Mime, Filename: v.Filename, URL: v.URL}}
	default:
		return r
	}
	if label != "" && r.Text != "" {
		r.Text = "[" + label + "] " + r.Text
	}
	return r
}

func renderTool(p *types.ToolPart) string {
	glyph, ok := toolGlyphs[p.State.Status]
	if !ok {
		glyph = "•"
	}

	var b strings.Builder
	b.WriteString(glyph)
	b.WriteString(" ")
	b.WriteString(p.Tool)
	if title := toolTitle(p); title != "" {
		b.WriteString(" ")
		b.WriteString(title)
	}
	if stats := editStats(p); stats != "" {
		b.WriteString(" ")
		b.WriteString(stats)
	}
	if p.State.Status == types.ToolError && p.State.Error != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(p.State.Error))
	}
	return b.String()
}

func toolTitle(p *types.ToolPart) string {
	switch p.Tool {
	case "bash":
		if cmd := p.InputString("command"); cmd != "" {
			return "`" + firstLine(cmd) + "`"
		}
	case "read", "edit", "write", "patch":
		if path := p.InputString("filePath"); path != "" {
			return "`" + path + "`"
		}
	case "glob", "grep":
		if pattern := p.InputString("pattern"); pattern != "" {
			return "`" + pattern + "`"
		}
	case "task":
		if desc := p.InputString("description"); desc != "" {
			return desc
		}
	}
	return p.State.Title
}

// editStats renders "(+N -M)" for file-changing tools.
func editStats(p *types.ToolPart) string {
	var added, removed int
	switch p.Tool {
	case "edit":
		added, removed = diffStats(p.InputString("oldString"), p.InputString("newString"))
	case "write":
		added = countLines(p.InputString("content"))
	default:
		return ""
	}
	if added == 0 && removed == 0 {
		return ""
	}
	return fmt.Sprintf("(+%d -%d)", added, removed)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
