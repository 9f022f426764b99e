package headless

import (
	"fmt"
	"time"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// OutputFormat defines the output format for headless mode.
type OutputFormat string

const (
	// OutputText is human-readable streaming text output.
	OutputText OutputFormat = "text"
	// OutputJSON is a final JSON result summary.
	OutputJSON OutputFormat = "json"
	// OutputJSONL is streaming JSONL deliveries followed by the result.
	OutputJSONL OutputFormat = "jsonl"
	// OutputYAML is a final YAML result summary.
	OutputYAML OutputFormat = "yaml"
)

// ParseOutputFormat validates a --format value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputJSON, OutputJSONL, OutputYAML:
		return f, nil
	case "":
		return OutputText, nil
	}
	return "", fmt.Errorf("unknown output format %q (text, json, jsonl, yaml)", s)
}

// ExitCode defines exit codes for headless mode.
type ExitCode int

const (
	// ExitSuccess indicates successful completion.
	ExitSuccess ExitCode = 0
	// ExitError indicates a general/unknown error.
	ExitError ExitCode = 1
	// ExitTimeout indicates the turn ran past its deadline.
	ExitTimeout ExitCode = 2
	// ExitPermissionDenied indicates a permission prompt was rejected.
	ExitPermissionDenied ExitCode = 3
	// ExitUpstreamError indicates the agent server was unreachable or
	// rejected the prompt.
	ExitUpstreamError ExitCode = 4
	// ExitInvalidInput indicates bad prompt or missing required flags.
	ExitInvalidInput ExitCode = 5
	// ExitNoModel indicates no model could be resolved.
	ExitNoModel ExitCode = 6
)

// Config holds configuration for headless mode execution.
type Config struct {
	// Prompt is the instruction to execute.
	Prompt string
	// Command runs an agent slash command instead of a plain prompt;
	// Prompt becomes its arguments.
	Command string
	// ReadStdin indicates whether to read prompt from stdin.
	ReadStdin bool
	// Files are attached to the prompt as file media.
	Files []string
	// WorkDir is the directory the agent session runs in.
	WorkDir string
	// ThreadID continues an existing thread. Empty starts a new one.
	ThreadID string
	// ContinueLast continues the most recently used thread.
	ContinueLast bool
	// NoSave keeps thread state in a temporary store.
	NoSave bool
	// Model, Agent and Variant override stored preferences for this turn.
	Model   string
	Agent   string
	Variant string
	// Verbosity overrides the configured output verbosity.
	Verbosity string
	// OutputFormat specifies the output format.
	OutputFormat OutputFormat
	// Timeout is the maximum turn duration. Zero uses the configured one.
	Timeout time.Duration
	// AutoApprove answers permission prompts with "once" and questions
	// with their first option. Without it permissions are rejected.
	AutoApprove bool
	// Quiet prints only fragment text in text mode.
	Quiet bool
	// Verbose also prints notices in jsonl mode.
	Verbose bool
	// NoColor disables ANSI colors.
	NoColor bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputFormat: OutputText,
	}
}

// Result is the outcome of a headless run.
type Result struct {
	ThreadID       string            `json:"threadID" yaml:"threadID"`
	SessionID      string            `json:"sessionID,omitempty" yaml:"sessionID,omitempty"`
	Status         string            `json:"status" yaml:"status"`
	Model          string            `json:"model,omitempty" yaml:"model,omitempty"`
	Agent          string            `json:"agent,omitempty" yaml:"agent,omitempty"`
	DurationMS     int64             `json:"durationMs" yaml:"durationMs"`
	Tokens         *types.TokenUsage `json:"tokens,omitempty" yaml:"tokens,omitempty"`
	Cost           float64           `json:"cost,omitempty" yaml:"cost,omitempty"`
	ContextPercent float64           `json:"contextPercent,omitempty" yaml:"contextPercent,omitempty"`
	Deliveries     int               `json:"deliveries" yaml:"deliveries"`
	Permissions    []Decision        `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	FinalMessage   string            `json:"finalMessage,omitempty" yaml:"finalMessage,omitempty"`
	Summary        string            `json:"summary,omitempty" yaml:"summary,omitempty"`
	Error          string            `json:"error,omitempty" yaml:"error,omitempty"`
	ExitCode       ExitCode          `json:"exitCode" yaml:"exitCode"`
}

// Decision records how a permission prompt was answered.
type Decision struct {
	HandleID   string                `json:"handleID" yaml:"handleID"`
	Permission string                `json:"permission" yaml:"permission"`
	Reply      types.PermissionReply `json:"reply" yaml:"reply"`
}

// Event is one line of jsonl output.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType string, data any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
