package chat

import (
	"errors"
	"testing"
	"time"
)

func TestManagerSharesRawSubscription(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	mgr := NewManager(testLogger(), store, nil, WithTeardownGrace(5*time.Millisecond))
	defer mgr.Close()

	key := Key{Kind: KindMessages, ID: "c1"}
	path := key.Path()

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := mgr.Acquire(key)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	if got := store.openCount(path); got != 1 {
		t.Fatalf("opens=%d want=1", got)
	}

	for _, h := range handles {
		h.Release()
	}

	waitFor(t, time.Second, func() bool {
		return store.cancelCount(path) == 1
	}, "teardown after last release")

	if got := store.openCount(path); got != 1 {
		t.Fatalf("opens after teardown=%d want=1", got)
	}
}

func TestManagerReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	mgr := NewManager(testLogger(), store, nil, WithTeardownGrace(5*time.Millisecond))
	defer mgr.Close()

	key := Key{Kind: KindProfile, ID: "u1"}

	h1, err := mgr.Acquire(key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h2, err := mgr.Acquire(key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Double release of one handle must not tear down h2's stream.
	h1.Release()
	h1.Release()

	time.Sleep(30 * time.Millisecond)
	if got := store.cancelCount(key.Path()); got != 0 {
		t.Fatalf("cancels=%d want=0 (a holder remains)", got)
	}
	h2.Release()

	waitFor(t, time.Second, func() bool {
		return store.cancelCount(key.Path()) == 1
	}, "teardown after final release")
}

func TestManagerGraceAbsorbsReacquire(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	mgr := NewManager(testLogger(), store, nil, WithTeardownGrace(100*time.Millisecond))
	defer mgr.Close()

	key := Key{Kind: KindMessages, ID: "c2"}
	path := key.Path()

	h1, err := mgr.Acquire(key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h1.Release()

	// Reacquire inside the grace window: no teardown, no reopen.
	h2, err := mgr.Acquire(key)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer h2.Release()

	time.Sleep(150 * time.Millisecond)

	if got := store.cancelCount(path); got != 0 {
		t.Fatalf("cancels=%d want=0", got)
	}
	if got := store.openCount(path); got != 1 {
		t.Fatalf("opens=%d want=1", got)
	}
}

func TestManagerDegradedCooldown(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	mgr := NewManager(testLogger(), store, nil, WithDegradedCooldown(time.Hour))
	defer mgr.Close()

	key := Key{Kind: KindMessages, ID: "c3"}

	h, err := mgr.Acquire(key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	boom := errors.New("permission revoked")
	store.fail(key.Path(), boom)

	select {
	case err := <-h.Err():
		if !errors.Is(err, ErrSubscriptionDegraded) {
			t.Fatalf("holder error=%v want ErrSubscriptionDegraded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("holder not notified of terminal error")
	}

	if _, err := mgr.Acquire(key); !errors.Is(err, ErrSubscriptionDegraded) {
		t.Fatalf("acquire during cooldown err=%v want ErrSubscriptionDegraded", err)
	}

	// Other keys are unaffected.
	other, err := mgr.Acquire(Key{Kind: KindMessages, ID: "c4"})
	if err != nil {
		t.Fatalf("acquire other key: %v", err)
	}
	other.Release()
}

func TestManagerRefreshRedeliversSnapshot(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	mgr := NewManager(testLogger(), store, nil)
	defer mgr.Close()

	key := Key{Kind: KindMessages, ID: "c5"}
	path := key.Path()

	h, err := mgr.Acquire(key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	// Initial snapshot.
	select {
	case ev := <-h.Events():
		if ev.Kind != EventSnapshot {
			t.Fatalf("first event kind=%v want snapshot", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	mgr.Refresh(key)

	waitFor(t, time.Second, func() bool {
		return store.openCount(path) == 2 && store.cancelCount(path) == 1
	}, "refresh reopens the raw subscription")

	// The holder stays attached and gets the redelivered snapshot.
	select {
	case ev := <-h.Events():
		if ev.Kind != EventSnapshot {
			t.Fatalf("refresh event kind=%v want snapshot", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after refresh")
	}
}

func TestManagerCloseRefusesAcquire(t *testing.T) {
	t.Parallel()

	mgr := NewManager(testLogger(), newFakeStore(), nil)
	mgr.Close()

	if _, err := mgr.Acquire(Key{Kind: KindPresence, ID: "u9"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("acquire after close err=%v want ErrClosed", err)
	}
}
