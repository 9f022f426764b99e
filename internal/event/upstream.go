package event

import (
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Kind tags an event received from the agent server.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessageUpdated
	KindPartUpdated
	KindSessionError
	KindPermissionAsked
	KindPermissionReplied
	KindQuestionAsked
	KindSessionIdle
	KindSessionStatus
)

var kindNames = map[string]Kind{
	"message.updated":      KindMessageUpdated,
	"message.part.updated": KindPartUpdated,
	"session.error":        KindSessionError,
	"permission.asked":     KindPermissionAsked,
	"permission.updated":   KindPermissionAsked,
	"permission.replied":   KindPermissionReplied,
	"question.asked":       KindQuestionAsked,
	"session.idle":         KindSessionIdle,
	"session.status":       KindSessionStatus,
}

var kindTags = [...]string{
	KindUnknown:           "unknown",
	KindMessageUpdated:    "message.updated",
	KindPartUpdated:       "message.part.updated",
	KindSessionError:      "session.error",
	KindPermissionAsked:   "permission.asked",
	KindPermissionReplied: "permission.replied",
	KindQuestionAsked:     "question.asked",
	KindSessionIdle:       "session.idle",
	KindSessionStatus:     "session.status",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindTags) {
		return "unknown"
	}
	return kindTags[k]
}

// Upstream is one decoded agent-server event. Exactly the field matching
// Kind is set; KindUnknown events carry only Type and are ignored.
type Upstream struct {
	Kind      Kind
	Type      string
	SessionID string

	Message         *types.Message
	Part            types.Part
	Delta           string
	Error           *types.MessageError
	Permission      *types.Permission
	PermissionReply *PermissionReply
	Question        *types.Question
	Status          *types.Status
}

// PermissionReply reports that a permission request was answered.
type PermissionReply struct {
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	Reply     string `json:"reply"`
}

type envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Decode parses a raw {type, properties} event.
func Decode(raw []byte) (Upstream, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Upstream{}, fmt.Errorf("decode event envelope: %w", err)
	}
	return DecodeProperties(env.Type, env.Properties)
}

// DecodeProperties parses the properties of an event whose type is already known.
func DecodeProperties(typ string, props json.RawMessage) (Upstream, error) {
	ev := Upstream{Kind: kindNames[typ], Type: typ}
	if ev.Kind == KindUnknown {
		return ev, nil
	}
	if len(props) == 0 {
		return ev, fmt.Errorf("event %s has no properties", typ)
	}

	var err error
	switch ev.Kind {
	case KindMessageUpdated:
		var p struct {
			Info types.Message `json:"info"`
		}
		if err = json.Unmarshal(props, &p); err == nil {
			ev.Message = &p.Info
			ev.SessionID = p.Info.SessionID
		}
	case KindPartUpdated:
		var p struct {
			Part  json.RawMessage `json:"part"`
			Delta string          `json:"delta"`
		}
		if err = json.Unmarshal(props, &p); err == nil {
			ev.Part, err = types.UnmarshalPart(p.Part)
			ev.Delta = p.Delta
			if ev.Part != nil {
				ev.SessionID = ev.Part.PartSessionID()
			}
		}
	case KindSessionError:
		var p struct {
			SessionID string              `json:"sessionID"`
			Error     *types.MessageError `json:"error"`
		}
		if err = json.Unmarshal(props, &p); err == nil {
			ev.SessionID = p.SessionID
			ev.Error = p.Error
		}
	case KindPermissionAsked:
		var p types.Permission
		if err = json.Unmarshal(props, &p); err == nil {
			ev.Permission = &p
			ev.SessionID = p.SessionID
		}
	case KindPermissionReplied:
		var p struct {
			PermissionReply
			PermissionID string `json:"permissionID"`
			Response     string `json:"response"`
		}
		if err = json.Unmarshal(props, &p); err == nil {
			reply := p.PermissionReply
			if reply.RequestID == "" {
				reply.RequestID = p.PermissionID
			}
			if reply.Reply == "" {
				reply.Reply = p.Response
			}
			ev.PermissionReply = &reply
			ev.SessionID = reply.SessionID
		}
	case KindQuestionAsked:
		var p types.Question
		if err = json.Unmarshal(props, &p); err == nil {
			ev.Question = &p
			ev.SessionID = p.SessionID
		}
	case KindSessionIdle:
		var p struct {
			SessionID string `json:"sessionID"`
		}
		if err = json.Unmarshal(props, &p); err == nil {
			ev.SessionID = p.SessionID
		}
	case KindSessionStatus:
		var p struct {
			SessionID string       `json:"sessionID"`
			Status    types.Status `json:"status"`
		}
		if err = json.Unmarshal(props, &p); err == nil {
			ev.SessionID = p.SessionID
			ev.Status = &p.Status
		}
	}
	if err != nil {
		return Upstream{Kind: KindUnknown, Type: typ}, fmt.Errorf("decode %s: %w", typ, err)
	}
	return ev, nil
}
