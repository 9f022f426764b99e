package fragment

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opencode-ai/chatbridge/internal/delivery"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// DefaultLargeOutputTokens is the tool output size that triggers a notice.
const DefaultLargeOutputTokens = 4000

// PartRecorder persists which chat message a part was delivered as.
type PartRecorder interface {
	RecordPart(ctx context.Context, threadID, partID, messageID string) error
}

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	ThreadID string
	Sink     delivery.Sink
	Recorder PartRecorder
	Filter   *Filter
	// Verbosity is consulted for every part, so preference changes apply
	// to a running turn.
	Verbosity         func() Verbosity
	LargeOutputTokens int
	Metrics           *metrics.Metrics
}

// Emitter delivers parts to one thread at most once. The set of emitted part
// ids lives as long as the emitter and is seeded from storage so emissions
// of earlier runs are never repeated.
type Emitter struct {
	cfg    EmitterConfig
	logger zerolog.Logger

	mu      sync.Mutex
	emitted map[string]bool
}

// NewEmitter creates an emitter.
func NewEmitter(cfg EmitterConfig) *Emitter {
	if cfg.Filter == nil {
		cfg.Filter = NewFilter(nil, nil)
	}
	if cfg.Verbosity == nil {
		cfg.Verbosity = func() Verbosity { return VerbosityEssential }
	}
	if cfg.LargeOutputTokens <= 0 {
		cfg.LargeOutputTokens = DefaultLargeOutputTokens
	}
	return &Emitter{
		cfg:     cfg,
		logger:  log.With().Str("component", "emitter").Str("thread", cfg.ThreadID).Logger(),
		emitted: make(map[string]bool),
	}
}

// Seed marks part ids as already emitted.
func (e *Emitter) Seed(partIDs map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range partIDs {
		e.emitted[id] = true
	}
}

// Emitted reports whether a part id has been emitted.
func (e *Emitter) Emitted(partID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitted[partID]
}

// claim marks a part id as emitted and reports whether it was new.
func (e *Emitter) claim(partID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.emitted[partID] {
		return false
	}
	e.emitted[partID] = true
	return true
}

// Emit delivers a part unless it was already emitted, is filtered out by
// the current verbosity, or renders to nothing. label prefixes subtask
// output. Delivery failures are logged and the part is not retried.
func (e *Emitter) Emit(ctx context.Context, p types.Part, label string) {
	if e.Emitted(p.PartID()) {
		return
	}
	if label != "" && p.Kind() == types.KindText {
		return
	}
	if !e.cfg.Filter.Allow(e.cfg.Verbosity(), p) {
		return
	}
	r := Render(p, label)
	if r.Empty() {
		return
	}
	if !e.claim(p.PartID()) {
		return
	}

	d := delivery.New(e.cfg.ThreadID, delivery.KindFragment, r.Text)
	d.PartID = p.PartID()
	d.Files = r.Files
	d.Meta = map[string]any{"kind": string(p.Kind()), "messageID": p.PartMessageID()}
	if label != "" {
		d.Meta["subtask"] = label
	}

	msgID, err := e.cfg.Sink.Deliver(ctx, d)
	if err != nil {
		e.logger.Warn().Err(err).Str("part", p.PartID()).Msg("fragment delivery failed")
		return
	}
	e.cfg.Metrics.FragmentEmitted(string(p.Kind()))

	if e.cfg.Recorder != nil {
		if err := e.cfg.Recorder.RecordPart(ctx, e.cfg.ThreadID, p.PartID(), msgID); err != nil {
			e.logger.Warn().Err(err).Str("part", p.PartID()).Msg("recording emitted part failed")
		}
	}

	if tool, ok := p.(*types.ToolPart); ok {
		e.noticeLargeOutput(ctx, tool, label)
	}
}

// EmitAll emits parts in order.
func (e *Emitter) EmitAll(ctx context.Context, parts []types.Part, label func(types.Part) string) {
	for _, p := range parts {
		l := ""
		if label != nil {
			l = label(p)
		}
		e.Emit(ctx, p, l)
	}
}

func (e *Emitter) noticeLargeOutput(ctx context.Context, p *types.ToolPart, label string) {
	if p.State.Status != types.ToolCompleted || p.State.Output == "" {
		return
	}
	tokens := EstimateTokens(p.State.Output)
	if tokens <= e.cfg.LargeOutputTokens {
		return
	}
	text := fmt.Sprintf("⚠ %s produced a large output (~%d tokens)", p.Tool, tokens)
	if label != "" {
		text = "[" + label + "] " + text
	}
	d := delivery.New(e.cfg.ThreadID, delivery.KindNotice, text)
	d.Meta = map[string]any{"partID": p.PartID(), "tokens": tokens}
	if _, err := e.cfg.Sink.Deliver(ctx, d); err != nil {
		e.logger.Warn().Err(err).Str("part", p.PartID()).Msg("large output notice failed")
	}
}
