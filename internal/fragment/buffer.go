package fragment

import (
	"sync"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Safe reports whether a part may be emitted without forcing: it is not a
// structural marker, text and reasoning have finished, and tool calls have a
// result.
func Safe(p types.Part) bool {
	if types.Structural(p) {
		return false
	}
	switch v := p.(type) {
	case *types.TextPart:
		return v.Finished()
	case *types.ReasoningPart:
		return v.Time != nil && v.Time.End != nil
	case *types.ToolPart:
		return !v.InFlight()
	}
	return true
}

type pending struct {
	order []string
	parts map[string]types.Part
}

// Buffer holds parts that have not been emitted yet, keyed by message and
// part id. Repeated updates of a part overwrite the stored value but keep
// its original position.
type Buffer struct {
	mu       sync.Mutex
	messages map[string]*pending
	order    []string
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{messages: make(map[string]*pending)}
}

// Put stores or replaces a part.
func (b *Buffer) Put(p types.Part) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgID := p.PartMessageID()
	m, ok := b.messages[msgID]
	if !ok {
		m = &pending{parts: make(map[string]types.Part)}
		b.messages[msgID] = m
		b.order = append(b.order, msgID)
	}
	if _, seen := m.parts[p.PartID()]; !seen {
		m.order = append(m.order, p.PartID())
	}
	m.parts[p.PartID()] = p
}

// Take removes and returns the parts of a message that are ready, in arrival
// order. With force every buffered part is returned. Structural markers are
// discarded by a forced take.
func (b *Buffer) Take(messageID string, force bool) []types.Part {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.messages[messageID]
	if !ok {
		return nil
	}

	var out []types.Part
	kept := m.order[:0]
	for _, id := range m.order {
		p := m.parts[id]
		if !force && !Safe(p) {
			kept = append(kept, id)
			continue
		}
		delete(m.parts, id)
		if !types.Structural(p) {
			out = append(out, p)
		}
	}
	m.order = kept

	if len(m.order) == 0 {
		b.dropLocked(messageID)
	}
	return out
}

// Messages lists message ids with buffered parts, oldest first.
func (b *Buffer) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Len is the number of buffered parts.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		n += len(m.parts)
	}
	return n
}

// Remove discards one buffered part.
func (b *Buffer) Remove(messageID, partID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[messageID]
	if !ok {
		return
	}
	if _, ok := m.parts[partID]; !ok {
		return
	}
	delete(m.parts, partID)
	for i, id := range m.order {
		if id == partID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if len(m.order) == 0 {
		b.dropLocked(messageID)
	}
}

// Drop discards a message's parts.
func (b *Buffer) Drop(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(messageID)
}

func (b *Buffer) dropLocked(messageID string) {
	delete(b.messages, messageID)
	for i, id := range b.order {
		if id == messageID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
