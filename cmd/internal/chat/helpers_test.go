package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

func snapshotEvent(t *testing.T, path string, recs []MessageRecord) Event {
	t.Helper()
	return Event{Path: path, Kind: EventSnapshot, Data: mustMarshal(t, recs)}
}

func putEvent(t *testing.T, path string, rec MessageRecord) Event {
	t.Helper()
	return Event{Path: path, Kind: EventPatch, Data: mustMarshal(t, MessageEvent{Put: &rec})}
}

func patchEvent(t *testing.T, path string, p MessagePatch) Event {
	t.Helper()
	return Event{Path: path, Kind: EventPatch, Data: mustMarshal(t, MessageEvent{Patch: &p})}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// fakeStore is a scriptable RemoteStore that records subscription traffic.
type fakeStore struct {
	mu      sync.Mutex
	opens   map[string]int
	cancels map[string]int
	subs    map[string]*fakeSub
}

type fakeSub struct {
	onEvent func(Event)
	onError func(error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		opens:   make(map[string]int),
		cancels: make(map[string]int),
		subs:    make(map[string]*fakeSub),
	}
}

func (f *fakeStore) Subscribe(path string, onEvent func(Event), onError func(error)) (func(), error) {
	f.mu.Lock()
	f.opens[path]++
	sub := &fakeSub{onEvent: onEvent, onError: onError}
	f.subs[path] = sub
	f.mu.Unlock()

	// Snapshot delivery is async, like a real store client.
	go onEvent(Event{Path: path, Kind: EventSnapshot, Data: json.RawMessage(`[]`)})

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancels[path]++
		if f.subs[path] == sub {
			delete(f.subs, path)
		}
	}, nil
}

func (f *fakeStore) Write(_ context.Context, _ string, _ any) error  { return nil }
func (f *fakeStore) Update(_ context.Context, _ string, _ any) error { return nil }

func (f *fakeStore) emit(path string, ev Event) {
	f.mu.Lock()
	sub := f.subs[path]
	f.mu.Unlock()
	if sub != nil {
		sub.onEvent(ev)
	}
}

func (f *fakeStore) fail(path string, err error) {
	f.mu.Lock()
	sub := f.subs[path]
	f.mu.Unlock()
	if sub != nil && sub.onError != nil {
		sub.onError(err)
	}
}

func (f *fakeStore) openCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[path]
}

func (f *fakeStore) cancelCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[path]
}
