package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// PermissionReplyRequest is the body of POST /permission/{handleID}.
type PermissionReplyRequest struct {
	Reply types.PermissionReply `json:"reply"`
}

// QuestionAnswerRequest answers one sub-question of POST /question/{requestID}.
type QuestionAnswerRequest struct {
	Index  int      `json:"index"`
	Values []string `json:"values"`
}

func (s *Server) replyPermission(w http.ResponseWriter, r *http.Request) {
	handleID := chi.URLParam(r, "handleID")

	var req PermissionReplyRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Reply.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "reply must be once, always or reject")
		return
	}
	if err := s.bridge.ReplyPermission(r.Context(), handleID, req.Reply); err != nil {
		writeBridgeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) answerQuestion(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var req QuestionAnswerRequest
	if !decode(w, r, &req) {
		return
	}
	resolved, err := s.bridge.ReplyQuestion(r.Context(), requestID, req.Index, req.Values)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
}

// setPreferences handles PUT /preferences/{scope}[/{key}]. The global scope
// takes no key.
func (s *Server) setPreferences(w http.ResponseWriter, r *http.Request) {
	scope := storage.Scope(chi.URLParam(r, "scope"))
	key := chi.URLParam(r, "key")
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown scope "+string(scope))
		return
	}
	if key == "" && scope != storage.ScopeGlobal {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "scope "+string(scope)+" needs a key")
		return
	}

	var p storage.Preferences
	if !decode(w, r, &p) {
		return
	}
	if err := s.bridge.SetPreferences(r.Context(), scope, key, p); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":     true,
		"activeTurns": s.bridge.ActiveTurns(),
	})
}
