package chat

import (
	"context"
	"testing"
	"time"
)

func writeTestMessage(t *testing.T, store *MemoryStore, conv, sender, text string, at time.Time) {
	t.Helper()
	err := store.Write(context.Background(), MessagesPath(conv), MessageRecord{
		ConversationID: conv,
		SenderID:       sender,
		Kind:           MessageText,
		Text:           text,
		SentAt:         at,
	})
	if err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func TestUnreadCountsOthersMessages(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	writeTestMessage(t, store, "c1", "u2", "one", base)
	writeTestMessage(t, store, "c1", "u2", "two", base.Add(time.Minute))
	writeTestMessage(t, store, "c1", "u1", "mine", base.Add(2*time.Minute))

	mgr := NewManager(testLogger(), store, nil)
	defer mgr.Close()
	agg := NewUnreadAggregator(testLogger(), mgr, store, nil, "u1")
	defer agg.Close()

	agg.SetConversations([]string{"c1"})

	// Own messages never count.
	waitFor(t, 2*time.Second, func() bool {
		st := agg.Unread()
		return st.PerConversation["c1"] == 2 && st.Total == 2
	}, "two unread from the other participant")
}

func TestUnreadMarkReadThenNewMessages(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	writeTestMessage(t, store, "c1", "u2", "old", base)

	mgr := NewManager(testLogger(), store, nil)
	defer mgr.Close()
	agg := NewUnreadAggregator(testLogger(), mgr, store, nil, "u1")
	defer agg.Close()

	agg.SetConversations([]string{"c1"})
	waitFor(t, 2*time.Second, func() bool {
		return agg.Unread().Total == 1
	}, "initial unread")

	if err := agg.MarkRead("c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return agg.Unread().Total == 0
	}, "read state clears the count")

	for i := 1; i <= 3; i++ {
		writeTestMessage(t, store, "c1", "u2", "new", base.Add(time.Duration(i)*time.Hour))
	}
	waitFor(t, 2*time.Second, func() bool {
		return agg.Unread().PerConversation["c1"] == 3
	}, "three messages after the cursor")
}

func TestUnreadMarkReadIsIdempotent(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	writeTestMessage(t, store, "c1", "u2", "hello", base)

	mgr := NewManager(testLogger(), store, nil)
	defer mgr.Close()
	agg := NewUnreadAggregator(testLogger(), mgr, store, nil, "u1")
	defer agg.Close()

	agg.SetConversations([]string{"c1"})
	waitFor(t, 2*time.Second, func() bool {
		return agg.Unread().Total == 1
	}, "initial unread")

	if err := agg.MarkRead("c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := agg.MarkRead("c1"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return agg.Unread().Total == 0
	}, "count stays zero")
}

func TestUnreadCursorIsMonotonic(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	writeTestMessage(t, store, "c1", "u2", "hello", base)

	mgr := NewManager(testLogger(), store, nil)
	defer mgr.Close()
	agg := NewUnreadAggregator(testLogger(), mgr, store, nil, "u1")
	defer agg.Close()

	agg.SetConversations([]string{"c1"})
	waitFor(t, 2*time.Second, func() bool {
		return agg.Unread().Total == 1
	}, "initial unread")

	if err := agg.MarkRead("c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return agg.Unread().Total == 0
	}, "count clears")

	// A delayed echo of an older cursor must not move the watermark back.
	err := store.Update(context.Background(), CursorsPath("c1"), CursorRecord{
		UserID:     "u1",
		LastReadAt: base.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("update cursor: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := agg.Unread().Total; got != 0 {
		t.Fatalf("unread after stale cursor echo=%d want=0", got)
	}
}

func TestUnreadDegradedStreamReacquires(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	writeTestMessage(t, store, "c1", "u2", "before the outage", base)

	mgr := NewManager(testLogger(), store, nil, WithDegradedCooldown(10*time.Millisecond))
	defer mgr.Close()
	agg := NewUnreadAggregator(testLogger(), mgr, store, nil, "u1")
	agg.retryEvery = 20 * time.Millisecond
	defer agg.Close()

	agg.SetConversations([]string{"c1"})
	waitFor(t, 2*time.Second, func() bool {
		return agg.Unread().PerConversation["c1"] == 1
	}, "initial unread")

	store.FailPath(MessagesPath("c1"), ErrPermissionDenied)
	writeTestMessage(t, store, "c1", "u2", "during the outage", base.Add(time.Minute))

	// The stream must come back after the cooldown and pick up the message
	// written while it was down.
	waitFor(t, 5*time.Second, func() bool {
		return agg.Unread().PerConversation["c1"] == 2
	}, "count recovers after the stream is re-acquired")
}

func TestUnreadObserve(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	mgr := NewManager(testLogger(), store, nil)
	defer mgr.Close()
	agg := NewUnreadAggregator(testLogger(), mgr, store, nil, "u1")
	defer agg.Close()

	ch := agg.Observe(ctx)
	agg.SetConversations([]string{"c1"})
	writeTestMessage(t, store, "c1", "u2", "ping", base)

	waitFor(t, 2*time.Second, func() bool {
		select {
		case st := <-ch:
			return st.Total == 1
		default:
			return false
		}
	}, "observer sees the unread total")
}
