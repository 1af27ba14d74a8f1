package chat

import (
	"context"
	"testing"
	"time"
)

func TestPresenceMissingRecordReadsOffline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	mgr := NewManager(testLogger(), store, nil)
	defer mgr.Close()

	tracker := NewPresenceTracker(testLogger(), mgr)
	ch, err := tracker.Observe(ctx, "u2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}

	select {
	case p := <-ch:
		if p.Online {
			t.Fatalf("missing record must read offline, got online")
		}
	case <-time.After(time.Second):
		t.Fatal("no initial presence value")
	}
}

func TestPresenceFreshRecordReadsOnline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	if err := store.Write(context.Background(), PresencePath("u2"), PresenceRecord{
		UserID: "u2", Online: true, LastSeenAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("write presence: %v", err)
	}

	mgr := NewManager(testLogger(), store, nil)
	defer mgr.Close()

	tracker := NewPresenceTracker(testLogger(), mgr)
	ch, err := tracker.Observe(ctx, "u2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		select {
		case p := <-ch:
			return p.Online
		default:
			return false
		}
	}, "fresh record reads online")
}

func TestPresenceStaleRecordReadsOffline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	// The record claims online but is hours old.
	if err := store.Write(context.Background(), PresencePath("u2"), PresenceRecord{
		UserID: "u2", Online: true, LastSeenAt: time.Now().UTC().Add(-3 * time.Hour),
	}); err != nil {
		t.Fatalf("write presence: %v", err)
	}

	mgr := NewManager(testLogger(), store, nil)
	defer mgr.Close()

	tracker := NewPresenceTracker(testLogger(), mgr)
	ch, err := tracker.Observe(ctx, "u2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}

	// Drain until the decoded record lands; it must still read offline.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-ch:
			if p.Online {
				t.Fatal("stale record must read offline")
			}
			if !p.LastSeenAt.IsZero() {
				return // decoded record arrived, still offline
			}
		case <-deadline:
			t.Fatal("record never arrived")
		}
	}
}
