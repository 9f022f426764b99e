package fragment

import (
	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Verbosity selects which fragment kinds reach the thread.
type Verbosity string

const (
	VerbosityAll       Verbosity = "all"
	VerbosityTextOnly  Verbosity = "text-only"
	VerbosityEssential Verbosity = "text-and-essential-tools"
)

// ParseVerbosity validates a verbosity name.
func ParseVerbosity(s string) (Verbosity, bool) {
	switch v := Verbosity(s); v {
	case VerbosityAll, VerbosityTextOnly, VerbosityEssential:
		return v, true
	}
	return "", false
}

// DefaultQuietTools are read and navigation tools, never essential.
var DefaultQuietTools = []string{
	"read", "glob", "grep", "list", "ls", "webfetch", "websearch",
	"codesearch", "todoread", "lsp*", "skill",
}

// Filter decides whether a fragment passes a verbosity level. Tool names are
// matched against glob patterns: quiet patterns win over essential ones.
type Filter struct {
	essential []string
	quiet     []string
}

// NewFilter builds a filter. A nil quiet list uses DefaultQuietTools.
func NewFilter(essential, quiet []string) *Filter {
	if quiet == nil {
		quiet = DefaultQuietTools
	}
	for _, p := range append(append([]string{}, essential...), quiet...) {
		if !doublestar.ValidatePattern(p) {
			log.Warn().Str("pattern", p).Msg("invalid tool pattern ignored")
		}
	}
	return &Filter{essential: essential, quiet: quiet}
}

// Allow reports whether p may be emitted at level v.
func (f *Filter) Allow(v Verbosity, p types.Part) bool {
	switch p.Kind() {
	case types.KindText:
		return true
	case types.KindReasoning:
		return v == VerbosityAll
	case types.KindFile:
		return v != VerbosityTextOnly
	case types.KindTool:
		switch v {
		case VerbosityAll:
			return true
		case VerbosityEssential:
			return f.Essential(p.(*types.ToolPart))
		}
		return false
	}
	return false
}

// Essential reports whether a tool call is worth showing in the condensed view.
func (f *Filter) Essential(p *types.ToolPart) bool {
	if matchAny(f.quiet, p.Tool) {
		return false
	}
	if matchAny(f.essential, p.Tool) {
		return true
	}
	if p.Tool == "bash" {
		return HasSideEffects(p.InputString("command"))
	}
	return true
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
