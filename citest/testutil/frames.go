package testutil

import (
	"encoding/json"
	"time"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Frame encodes one agent event the way the agent server sends it.
func Frame(typ string, properties any) []byte {
	data, err := json.Marshal(map[string]any{"type": typ, "properties": properties})
	if err != nil {
		panic(err)
	}
	return data
}

// AssistantMessage is a message.updated frame for an assistant message.
func AssistantMessage(sessionID, messageID string, input, output int, completed bool) []byte {
	msg := types.Message{
		ID:         messageID,
		SessionID:  sessionID,
		Role:       types.RoleAssistant,
		Time:       types.MessageTime{Created: time.Now().UnixMilli()},
		ProviderID: "anthropic",
		ModelID:    "claude-sonnet",
		Tokens:     &types.TokenUsage{Input: input, Output: output},
	}
	if completed {
		end := time.Now().UnixMilli()
		msg.Time.Completed = &end
	}
	return Frame("message.updated", map[string]any{"info": msg})
}

// Text is a message.part.updated frame for a finished text part.
func Text(sessionID, messageID, partID, text string) []byte {
	now := time.Now().UnixMilli()
	part := types.TextPart{
		PartBase: types.PartBase{ID: partID, SessionID: sessionID, MessageID: messageID, Type: types.PartTypeText},
		Text:     text,
		Time:     &types.PartTime{Start: &now, End: &now},
	}
	return Frame("message.part.updated", map[string]any{"part": part})
}

// Idle is a session.idle frame.
func Idle(sessionID string) []byte {
	return Frame("session.idle", map[string]string{"sessionID": sessionID})
}

// PermissionAsked is a permission.asked frame.
func PermissionAsked(sessionID, id, permission string, patterns ...string) []byte {
	return Frame("permission.asked", types.Permission{
		ID:         id,
		SessionID:  sessionID,
		Permission: permission,
		Patterns:   patterns,
	})
}

// QuestionAsked is a question.asked frame with one single-choice item.
func QuestionAsked(sessionID, id, question string, options ...string) []byte {
	item := types.QuestionItem{Question: question}
	for _, o := range options {
		item.Options = append(item.Options, types.QuestionOption{Label: o})
	}
	return Frame("question.asked", types.Question{
		ID:        id,
		SessionID: sessionID,
		Questions: []types.QuestionItem{item},
	})
}

// Reply is the frames of a short complete answer: the assistant message,
// one text part and the idle marker.
func Reply(sessionID, messageID, text string) [][]byte {
	return [][]byte{
		AssistantMessage(sessionID, messageID, 150, 50, false),
		Text(sessionID, messageID, "prt_"+messageID, text),
		AssistantMessage(sessionID, messageID, 150, 50, true),
		Idle(sessionID),
	}
}
