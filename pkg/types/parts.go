package types

import (
	"encoding/json"
	"fmt"
)

// Part type tags as sent by the agent server.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeTool       = "tool"
	PartTypeFile       = "file"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
	PartTypeSnapshot   = "snapshot"
	PartTypePatch      = "patch"
	PartTypeAgent      = "agent"
	PartTypeSubtask    = "subtask"
	PartTypeRetry      = "retry"
	PartTypeCompaction = "compaction"
)

// PartKind is the coarse classification used by delivery.
type PartKind string

const (
	KindText      PartKind = "text"
	KindReasoning PartKind = "reasoning"
	KindTool      PartKind = "tool"
	KindFile      PartKind = "file"
	KindControl   PartKind = "control"
)

// Tool call states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Part is one incrementally updated unit of agent output.
type Part interface {
	PartType() string
	PartID() string
	PartMessageID() string
	PartSessionID() string
	Kind() PartKind
}

// PartBase holds the identity fields every part carries.
type PartBase struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"`
}

func (p *PartBase) PartType() string      { return p.Type }
func (p *PartBase) PartID() string        { return p.ID }
func (p *PartBase) PartMessageID() string { return p.MessageID }
func (p *PartBase) PartSessionID() string { return p.SessionID }

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart represents a text content part.
type TextPart struct {
	PartBase
	Text      string         `json:"text"`
	Synthetic bool           `json:"synthetic,omitempty"`
	Ignored   bool           `json:"ignored,omitempty"`
	Time      *PartTime      `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *TextPart) Kind() PartKind { return KindText }

// Finished reports whether the model has stopped writing this text.
func (p *TextPart) Finished() bool {
	return p.Time != nil && p.Time.End != nil
}

// ReasoningPart represents extended thinking content.
type ReasoningPart struct {
	PartBase
	Text string    `json:"text"`
	Time *PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) Kind() PartKind { return KindReasoning }

// ToolState is the lifecycle record of a tool call.
type ToolState struct {
	Status   string         `json:"status"`
	Input    map[string]any `json:"input,omitempty"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     *PartTime      `json:"time,omitempty"`
}

// ToolPart represents a tool call and its result.
type ToolPart struct {
	PartBase
	CallID string    `json:"callID"`
	Tool   string    `json:"tool"`
	State  ToolState `json:"state"`
}

func (p *ToolPart) Kind() PartKind { return KindTool }

// InFlight reports whether the tool has not produced a result yet.
func (p *ToolPart) InFlight() bool {
	return p.State.Status == ToolPending || p.State.Status == ToolRunning
}

// InputString returns a string-valued input argument.
func (p *ToolPart) InputString(key string) string {
	if p.State.Input == nil {
		return ""
	}
	s, _ := p.State.Input[key].(string)
	return s
}

// FilePart represents a file attachment.
type FilePart struct {
	PartBase
	Mime     string `json:"mime"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url"`
}

func (p *FilePart) Kind() PartKind { return KindFile }

// StepPart marks the start or end of one model step.
type StepPart struct {
	PartBase
	Reason string      `json:"reason,omitempty"`
	Cost   float64     `json:"cost,omitempty"`
	Tokens *TokenUsage `json:"tokens,omitempty"`
}

func (p *StepPart) Kind() PartKind { return KindControl }

// ControlPart covers snapshot, patch, agent, subtask, retry and compaction markers.
type ControlPart struct {
	PartBase
	Name  string          `json:"name,omitempty"`
	Agent string          `json:"agent,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

func (p *ControlPart) Kind() PartKind { return KindControl }

// Structural reports whether a part only marks progress and never renders on its own.
func Structural(p Part) bool {
	switch p.PartType() {
	case PartTypeStepStart, PartTypeStepFinish, PartTypeSnapshot, PartTypePatch:
		return true
	}
	return false
}

// UnmarshalPart unmarshals a JSON part into the appropriate type.
func UnmarshalPart(data []byte) (Part, error) {
	var base PartBase
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	var p Part
	switch base.Type {
	case PartTypeText:
		p = &TextPart{}
	case PartTypeReasoning:
		p = &ReasoningPart{}
	case PartTypeTool:
		p = &ToolPart{}
	case PartTypeFile:
		p = &FilePart{}
	case PartTypeStepStart, PartTypeStepFinish:
		p = &StepPart{}
	case "":
		return nil, fmt.Errorf("part %q has no type", base.ID)
	default:
		cp := &ControlPart{Raw: append(json.RawMessage(nil), data...)}
		if err := json.Unmarshal(data, cp); err != nil {
			return nil, err
		}
		return cp, nil
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}
