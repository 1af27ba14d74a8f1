package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a dev-only RemoteStore fallback when no store URL is
// configured, and the backend used by the engine's tests.
//
// It understands the engine's path layout: message paths behave as
// append-only collections with server-assigned ids and nonce idempotency
// (a duplicate write of the same nonce confirms without re-broadcasting),
// cursor and session paths are keyed upserts, everything else is a plain
// value. Subscribers get a full snapshot first, then incremental patches;
// resubscribing redelivers the snapshot.
//
// Callbacks are never invoked while holding the store lock, and never
// synchronously from Subscribe.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	values   map[string]json.RawMessage
	messages map[string]*memConversation
	cursors  map[string]map[string]CursorRecord
	sessions map[string][]SessionRecord

	subs    map[string]map[int]*memSub
	nextSub int

	online   bool
	onlineCh chan struct{}
	writeErr error
}

type memConversation struct {
	msgs   []MessageRecord
	dedupe map[string]MessageRecord // nonce -> stored message
}

type memSub struct {
	onEvent func(Event)
	onError func(error)
}

// NewMemoryStore constructs an in-memory RemoteStore (online).
func NewMemoryStore() *MemoryStore {
	onlineCh := make(chan struct{})
	close(onlineCh)
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		values:   make(map[string]json.RawMessage),
		messages: make(map[string]*memConversation),
		cursors:  make(map[string]map[string]CursorRecord),
		sessions: make(map[string][]SessionRecord),
		subs:     make(map[string]map[int]*memSub),
		online:   true,
		onlineCh: onlineCh,
	}
}

// Subscribe registers a subscriber and delivers the current snapshot
// asynchronously, then patches as they happen.
func (s *MemoryStore) Subscribe(path string, onEvent func(Event), onError func(error)) (func(), error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("chat: empty path")
	}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	if s.subs[path] == nil {
		s.subs[path] = make(map[int]*memSub)
	}
	s.subs[path][id] = &memSub{onEvent: onEvent, onError: onError}
	snap, deliver := s.snapshotLocked(path)
	s.mu.Unlock()

	if deliver {
		go onEvent(Event{Path: path, Kind: EventSnapshot, Data: snap})
	}

	cancel := func() {
		s.mu.Lock()
		if m := s.subs[path]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(s.subs, path)
			}
		}
		s.mu.Unlock()
	}
	return cancel, nil
}

// Write stores a full value at path. Blocks (within ctx) while the store
// is offline, mimicking a client SDK that queues confirms until
// reconnection.
func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	if err := s.waitOnline(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("chat: marshal write: %w", err)
	}

	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}

	switch pathKind(path) {
	case pathMessages:
		var rec MessageRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("chat: decode message write: %w", err)
		}
		conv := s.messages[path]
		if conv == nil {
			conv = &memConversation{dedupe: make(map[string]MessageRecord)}
			s.messages[path] = conv
		}
		if rec.Nonce != "" {
			if _, dup := conv.dedupe[rec.Nonce]; dup {
				// Idempotent: confirm without re-broadcasting.
				s.mu.Unlock()
				return nil
			}
		}
		if rec.ID == "" {
			id, err := NewULID(s.now())
			if err != nil {
				s.mu.Unlock()
				return err
			}
			rec.ID = id
		}
		if rec.SentAt.IsZero() {
			rec.SentAt = s.now()
		}
		conv.msgs = append(conv.msgs, rec)
		if rec.Nonce != "" {
			conv.dedupe[rec.Nonce] = rec
		}
		s.broadcastLocked(path, EventPatch, mustJSON(MessageEvent{Put: &rec}))
		return nil

	case pathSessions:
		var rec SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("chat: decode session write: %w", err)
		}
		s.upsertSessionLocked(path, rec)
		s.broadcastLocked(path, EventPatch, mustJSON(rec))
		return nil

	case pathCursors:
		return s.upsertCursorLocked(path, data)

	default:
		s.values[path] = data
		s.broadcastLocked(path, EventSnapshot, data)
		return nil
	}
}

// Update applies a partial patch at path.
func (s *MemoryStore) Update(ctx context.Context, path string, patch any) error {
	if err := s.waitOnline(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("chat: marshal update: %w", err)
	}

	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}

	switch pathKind(path) {
	case pathCursors:
		return s.upsertCursorLocked(path, data)

	case pathMessages:
		var p MessagePatch
		if err := json.Unmarshal(data, &p); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("chat: decode message patch: %w", err)
		}
		if conv := s.messages[path]; conv != nil {
			for i := range conv.msgs {
				if conv.msgs[i].ID == p.ID {
					applyRecordPatch(&conv.msgs[i], p)
					break
				}
			}
		}
		// Broadcast even when the base is absent locally: downstream
		// mergers own out-of-order buffering.
		s.broadcastLocked(path, EventPatch, mustJSON(MessageEvent{Patch: &p}))
		return nil

	default:
		s.values[path] = data
		s.broadcastLocked(path, EventPatch, data)
		return nil
	}
}

// SetOnline toggles offline simulation. While offline, writes block until
// reconnection (or their context expires).
func (s *MemoryStore) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online == s.online {
		return
	}
	s.online = online
	if online {
		close(s.onlineCh)
	} else {
		s.onlineCh = make(chan struct{})
	}
}

// FailWrites forces all writes/updates to fail with err (nil clears).
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailPath delivers a terminal error to every subscriber of path and drops
// those subscriptions.
func (s *MemoryStore) FailPath(path string, err error) {
	s.mu.Lock()
	subs := s.subs[path]
	delete(s.subs, path)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

// ---- internals ----

func (s *MemoryStore) waitOnline(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.online {
			s.mu.Unlock()
			return nil
		}
		ch := s.onlineCh
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// upsertCursorLocked takes ownership of mu and releases it.
func (s *MemoryStore) upsertCursorLocked(path string, data []byte) error {
	var rec CursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("chat: decode cursor: %w", err)
	}
	if s.cursors[path] == nil {
		s.cursors[path] = make(map[string]CursorRecord)
	}
	s.cursors[path][rec.UserID] = rec
	s.broadcastLocked(path, EventPatch, mustJSON(rec))
	return nil
}

func (s *MemoryStore) upsertSessionLocked(path string, rec SessionRecord) {
	list := s.sessions[path]
	for i := range list {
		if list[i].ID == rec.ID {
			list[i] = rec
			return
		}
	}
	s.sessions[path] = append(list, rec)
}

// snapshotLocked builds the full current value of path. Caller holds mu.
func (s *MemoryStore) snapshotLocked(path string) (json.RawMessage, bool) {
	switch pathKind(path) {
	case pathMessages:
		var msgs []MessageRecord
		if conv := s.messages[path]; conv != nil {
			msgs = conv.msgs
		}
		if msgs == nil {
			msgs = []MessageRecord{}
		}
		return mustJSON(msgs), true
	case pathCursors:
		recs := make([]CursorRecord, 0, len(s.cursors[path]))
		for _, r := range s.cursors[path] {
			recs = append(recs, r)
		}
		return mustJSON(recs), true
	case pathSessions:
		recs := s.sessions[path]
		if recs == nil {
			recs = []SessionRecord{}
		}
		return mustJSON(recs), true
	default:
		v, ok := s.values[path]
		return v, ok
	}
}

// broadcastLocked fans an event out to path subscribers, releasing mu
// before invoking callbacks.
func (s *MemoryStore) broadcastLocked(path string, kind EventKind, data json.RawMessage) {
	fns := make([]func(Event), 0, len(s.subs[path]))
	for _, sub := range s.subs[path] {
		fns = append(fns, sub.onEvent)
	}
	s.mu.Unlock()

	ev := Event{Path: path, Kind: kind, Data: data}
	for _, fn := range fns {
		fn(ev)
	}
}

type memPathKind uint8

const (
	pathValue memPathKind = iota
	pathMessages
	pathCursors
	pathSessions
)

func pathKind(path string) memPathKind {
	switch {
	case strings.HasPrefix(path, "conversations/") && strings.HasSuffix(path, "/messages"):
		return pathMessages
	case strings.HasPrefix(path, "conversations/") && strings.HasSuffix(path, "/cursors"):
		return pathCursors
	case strings.HasPrefix(path, "users/") && strings.HasSuffix(path, "/sessions"):
		return pathSessions
	default:
		return pathValue
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All inputs are engine-owned types; marshal cannot fail.
		panic(err)
	}
	return b
}

func applyRecordPatch(rec *MessageRecord, p MessagePatch) {
	for _, r := range p.AddReactions {
		if !hasReaction(rec.Reactions, r) {
			rec.Reactions = append(rec.Reactions, r)
		}
	}
	for _, r := range p.RemoveReactions {
		for i, cur := range rec.Reactions {
			if cur == r {
				rec.Reactions = append(rec.Reactions[:i], rec.Reactions[i+1:]...)
				break
			}
		}
	}
	if p.SetText != nil {
		rec.Text = *p.SetText
	}
}
