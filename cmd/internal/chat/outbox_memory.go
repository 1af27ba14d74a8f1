package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryOutbox is the non-durable OutboxStore used when no outbox path is
// configured (sends then only survive for the life of the process).
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[string]OutboxEntry
}

// NewMemoryOutbox constructs an in-memory OutboxStore.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[string]OutboxEntry)}
}

// Put upserts an entry keyed by LocalID.
func (s *MemoryOutbox) Put(ctx context.Context, e OutboxEntry) error {
	if e.LocalID == "" {
		return errors.New("chat: outbox entry missing local id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.LocalID] = e
	return nil
}

// SetState updates an entry's state.
func (s *MemoryOutbox) SetState(ctx context.Context, localID, state string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[localID]
	if !ok {
		return ErrUnknownMessage
	}
	e.State = state
	s.entries[localID] = e
	return nil
}

// SetMediaURL records a completed upload so retries skip the upload stage.
func (s *MemoryOutbox) SetMediaURL(ctx context.Context, localID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[localID]
	if !ok {
		return ErrUnknownMessage
	}
	e.MediaURL = url
	e.MediaBlob = nil
	s.entries[localID] = e
	return nil
}

// Delete removes an entry (send confirmed or discarded).
func (s *MemoryOutbox) Delete(ctx context.Context, localID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, localID)
	return nil
}

// Pending returns all entries ordered by CreatedAt ascending.
func (s *MemoryOutbox) Pending(ctx context.Context) ([]OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]OutboxEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out, nil
}

// Close closes the store (noop for in-memory).
func (s *MemoryOutbox) Close() error { return nil }
