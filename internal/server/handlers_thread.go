package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/chatbridge/internal/logging"
	"github.com/opencode-ai/chatbridge/internal/queue"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// TurnRequest is the body of POST /thread/{threadID}/turn and
// POST /thread/{threadID}/queue.
type TurnRequest struct {
	Prompt      string          `json:"prompt"`
	SubmitterID string          `json:"submitterID,omitempty"`
	Media       []types.Media   `json:"media,omitempty"`
	Overrides   types.Overrides `json:"overrides"`
}

func (r *TurnRequest) validate() error {
	if strings.TrimSpace(r.Prompt) == "" && r.Overrides.Command == "" {
		return errors.New("prompt or overrides.command is required")
	}
	return nil
}

// TurnAccepted is returned for a turn started in the background.
type TurnAccepted struct {
	ThreadID string `json:"threadID"`
	Accepted bool   `json:"accepted"`
}

// QueueResponse describes a thread's follow-up queue.
type QueueResponse struct {
	ThreadID string        `json:"threadID"`
	Length   int           `json:"length"`
	Position int           `json:"position,omitempty"`
	Cleared  int           `json:"cleared,omitempty"`
	Entries  []queue.Entry `json:"entries,omitempty"`
}

// ModelRequest is the body of PUT /thread/{threadID}/model.
type ModelRequest struct {
	Model string `json:"model"`
}

// RevertRequest is the body of POST /thread/{threadID}/revert.
type RevertRequest struct {
	MessageID string `json:"messageID"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// runTurn starts a turn. With ?wait=true the response is the finished
// turn's result; otherwise the turn runs in the background and output is
// only available through the event streams. A disconnecting client never
// cancels the turn.
func (s *Server) runTurn(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req TurnRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if r.URL.Query().Get("wait") != "true" {
		go func() {
			_, err := s.bridge.RunTurn(ctx, threadID, req.Prompt, req.Media, req.Overrides)
			if err != nil && !errors.Is(err, session.ErrSuperseded) {
				logging.Warn().Err(err).Str("thread", threadID).Msg("background turn failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, TurnAccepted{ThreadID: threadID, Accepted: true})
		return
	}

	res, err := s.bridge.RunTurn(ctx, threadID, req.Prompt, req.Media, req.Overrides)
	if err != nil {
		status, code := statusFor(err)
		details := map[string]any{}
		if res != nil {
			details["result"] = res
		}
		writeErrorWithDetails(w, status, code, err.Error(), details)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) abortTurn(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.bridge.Abort(threadID)})
}

func (s *Server) changeModel(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req ModelRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "model is required")
		return
	}

	restarted, err := s.bridge.ChangeModel(r.Context(), threadID, req.Model)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": req.Model, "restarted": restarted})
}

func (s *Server) revertThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req RevertRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "messageID is required")
		return
	}
	if err := s.bridge.Revert(r.Context(), threadID, req.MessageID); err != nil {
		writeBridgeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	entries := s.bridge.QueuedFollowUps(threadID)
	writeJSON(w, http.StatusOK, QueueResponse{
		ThreadID: threadID,
		Length:   len(entries),
		Entries:  entries,
	})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req TurnRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	pos := s.bridge.EnqueueFollowUp(threadID, queue.Entry{
		Prompt:      req.Prompt,
		SubmitterID: req.SubmitterID,
		Media:       req.Media,
		Overrides:   req.Overrides,
	})
	writeJSON(w, http.StatusAccepted, QueueResponse{
		ThreadID: threadID,
		Length:   s.bridge.QueueLength(threadID),
		Position: pos,
	})
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	writeJSON(w, http.StatusOK, QueueResponse{
		ThreadID: threadID,
		Cleared:  s.bridge.ClearQueue(threadID),
	})
}
