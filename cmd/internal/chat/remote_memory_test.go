package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
	errs   []error
}

func (s *eventSink) onEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) onError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) at(i int) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[i]
}

func (s *eventSink) errCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func TestMemoryStoreSnapshotThenPatch(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	path := MessagesPath("c1")

	sink := &eventSink{}
	cancel, err := store.Subscribe(path, sink.onEvent, sink.onError)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	waitFor(t, time.Second, func() bool { return sink.count() == 1 }, "initial snapshot")
	if got := sink.at(0).Kind; got != EventSnapshot {
		t.Fatalf("first event kind=%v want snapshot", got)
	}

	err = store.Write(context.Background(), path, MessageRecord{
		ConversationID: "c1", SenderID: "u2", Nonce: "n-1", Kind: MessageText, Text: "hi",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, time.Second, func() bool { return sink.count() == 2 }, "put patch")
	ev := sink.at(1)
	if ev.Kind != EventPatch {
		t.Fatalf("second event kind=%v want patch", ev.Kind)
	}

	var me MessageEvent
	if err := json.Unmarshal(ev.Data, &me); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	if me.Put == nil {
		t.Fatal("patch missing put")
	}
	if me.Put.ID == "" || IsLocalID(me.Put.ID) {
		t.Fatalf("server must assign a non-local id, got %q", me.Put.ID)
	}
	if me.Put.SentAt.IsZero() {
		t.Fatal("server must assign sent_at")
	}
}

func TestMemoryStoreNonceDedupe(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	path := MessagesPath("c1")

	sink := &eventSink{}
	cancel, err := store.Subscribe(path, sink.onEvent, sink.onError)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	rec := MessageRecord{ConversationID: "c1", SenderID: "u1", Nonce: "dup", Kind: MessageText, Text: "once"}
	if err := store.Write(context.Background(), path, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Same nonce again: confirmed silently, no second fanout.
	if err := store.Write(context.Background(), path, rec); err != nil {
		t.Fatalf("duplicate write: %v", err)
	}

	waitFor(t, time.Second, func() bool { return sink.count() >= 2 }, "snapshot + one patch")
	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 2 {
		t.Fatalf("events=%d want=2 (dedupe must suppress the second put)", got)
	}
}

func TestMemoryStoreOfflineBlocksWrites(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	store.SetOnline(false)

	done := make(chan error, 1)
	go func() {
		done <- store.Write(context.Background(), MessagesPath("c1"), MessageRecord{
			ConversationID: "c1", SenderID: "u1", Nonce: "n-off", Kind: MessageText, Text: "queued",
		})
	}()

	select {
	case err := <-done:
		t.Fatalf("write returned while offline: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	store.SetOnline(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write after reconnect: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write did not resume after reconnect")
	}
}

func TestMemoryStoreOfflineWriteHonorsContext(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	store.SetOnline(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := store.Write(ctx, MessagesPath("c1"), MessageRecord{ConversationID: "c1", SenderID: "u1", Kind: MessageText, Text: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}

func TestMemoryStoreFailPathNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	path := MessagesPath("c1")

	sink := &eventSink{}
	cancel, err := store.Subscribe(path, sink.onEvent, sink.onError)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	store.FailPath(path, ErrPermissionDenied)
	waitFor(t, time.Second, func() bool { return sink.errCount() == 1 }, "terminal error delivered")
}

func TestMemoryStoreResubscribeRedeliversSnapshot(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	path := MessagesPath("c1")

	if err := store.Write(context.Background(), path, MessageRecord{
		ConversationID: "c1", SenderID: "u2", Nonce: "n-1", Kind: MessageText, Text: "kept",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	sink := &eventSink{}
	cancel, err := store.Subscribe(path, sink.onEvent, sink.onError)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	sink2 := &eventSink{}
	cancel2, err := store.Subscribe(path, sink2.onEvent, sink2.onError)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer cancel2()

	waitFor(t, time.Second, func() bool { return sink2.count() == 1 }, "snapshot redelivered")

	var recs []MessageRecord
	if err := json.Unmarshal(sink2.at(0).Data, &recs); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(recs) != 1 || recs[0].Text != "kept" {
		t.Fatalf("snapshot=%+v want the stored message", recs)
	}
}
