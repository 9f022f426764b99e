package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Scope selects which preference record is read or written.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeAgent   Scope = "agent"
	ScopeChannel Scope = "channel"
	ScopeGlobal  Scope = "global"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeSession, ScopeAgent, ScopeChannel, ScopeGlobal:
		return true
	}
	return false
}

// Preferences are the user-selectable choices stored per scope.
type Preferences struct {
	Model     string `json:"model,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Variant   string `json:"variant,omitempty"`
	Verbosity string `json:"verbosity,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

func (p Preferences) merge(o Preferences) Preferences {
	if o.Model != "" {
		p.Model = o.Model
	}
	if o.Agent != "" {
		p.Agent = o.Agent
	}
	if o.Variant != "" {
		p.Variant = o.Variant
	}
	if o.Verbosity != "" {
		p.Verbosity = o.Verbosity
	}
	return p
}

// PartRecord maps an emitted part to the chat message that carried it.
type PartRecord struct {
	PartID    string `json:"partID"`
	MessageID string `json:"messageID"`
	EmittedAt int64  `json:"emittedAt"`
}

// Store is the typed view over Storage used by the orchestrator.
type Store struct {
	s *Storage
}

// NewStore wraps a Storage.
func NewStore(s *Storage) *Store {
	return &Store{s: s}
}

// Open creates a Store rooted at dir.
func Open(dir string) *Store {
	return NewStore(New(dir))
}

// Binding returns the session bound to a thread, or ErrNotFound.
func (st *Store) Binding(ctx context.Context, threadID string) (*types.Binding, error) {
	var b types.Binding
	if err := st.s.Get(ctx, []string{"threads", threadID}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// PutBinding upserts a thread binding.
func (st *Store) PutBinding(ctx context.Context, b *types.Binding) error {
	now := time.Now().UnixMilli()
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	return st.s.Put(ctx, []string{"threads", b.ThreadID}, b)
}

// SetBindingStatus updates the status of an existing binding.
func (st *Store) SetBindingStatus(ctx context.Context, threadID, status string) error {
	return st.s.Update(ctx, []string{"threads", threadID}, func(cur json.RawMessage) (any, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		var b types.Binding
		if err := json.Unmarshal(cur, &b); err != nil {
			return nil, err
		}
		b.Status = status
		b.UpdatedAt = time.Now().UnixMilli()
		return &b, nil
	})
}

// Bindings lists every thread binding.
func (st *Store) Bindings(ctx context.Context) ([]types.Binding, error) {
	var out []types.Binding
	err := st.s.Scan(ctx, []string{"threads"}, func(_ string, data json.RawMessage) error {
		var b types.Binding
		if err := json.Unmarshal(data, &b); err == nil {
			out = append(out, b)
		}
		return nil
	})
	return out, err
}

// Preferences returns the preferences stored for scope/key.
// A missing record yields zero Preferences and no error.
func (st *Store) Preferences(ctx context.Context, scope Scope, key string) (Preferences, error) {
	var p Preferences
	if scope == ScopeGlobal {
		key = "default"
	}
	if key == "" {
		return p, nil
	}
	err := st.s.Get(ctx, []string{"preferences", string(scope), key}, &p)
	if errors.Is(err, ErrNotFound) {
		return Preferences{}, nil
	}
	return p, err
}

// SetPreferences merges the non-empty fields of p into scope/key.
func (st *Store) SetPreferences(ctx context.Context, scope Scope, key string, p Preferences) error {
	if scope == ScopeGlobal {
		key = "default"
	}
	return st.s.Update(ctx, []string{"preferences", string(scope), key}, func(cur json.RawMessage) (any, error) {
		var existing Preferences
		if cur != nil {
			if err := json.Unmarshal(cur, &existing); err != nil {
				return nil, err
			}
		}
		merged := existing.merge(p)
		merged.UpdatedAt = time.Now().UnixMilli()
		return merged, nil
	})
}

// RecordPart persists that partID was delivered as messageID in a thread.
func (st *Store) RecordPart(ctx context.Context, threadID, partID, messageID string) error {
	return st.s.Put(ctx, []string{"parts", threadID, partID}, PartRecord{
		PartID:    partID,
		MessageID: messageID,
		EmittedAt: time.Now().UnixMilli(),
	})
}

// PartMessages returns partID -> messageID for everything emitted in a thread.
func (st *Store) PartMessages(ctx context.Context, threadID string) (map[string]string, error) {
	out := make(map[string]string)
	err := st.s.Scan(ctx, []string{"parts", threadID}, func(key string, data json.RawMessage) error {
		var rec PartRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil
		}
		out[key] = rec.MessageID
		return nil
	})
	return out, err
}

// Worktree returns the worktree info for a thread, or ErrNotFound.
func (st *Store) Worktree(ctx context.Context, threadID string) (*types.Worktree, error) {
	var w types.Worktree
	if err := st.s.Get(ctx, []string{"worktrees", threadID}, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// PutWorktree upserts worktree info for a thread.
func (st *Store) PutWorktree(ctx context.Context, w *types.Worktree) error {
	if w.CreatedAt == 0 {
		w.CreatedAt = time.Now().UnixMilli()
	}
	return st.s.Put(ctx, []string{"worktrees", w.ThreadID}, w)
}
