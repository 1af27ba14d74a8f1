package chat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EntityKind identifies what a subscription key addresses.
type EntityKind uint8

const (
	// KindSessionIndex is a user's conversation index.
	KindSessionIndex EntityKind = iota
	// KindProfile is a user directory entry.
	KindProfile
	// KindMessages is a conversation's message collection.
	KindMessages
	// KindCursors is a conversation's read-cursor collection.
	KindCursors
	// KindPresence is a user's presence record.
	KindPresence
)

// String returns a stable label for logs.
func (k EntityKind) String() string {
	switch k {
	case KindSessionIndex:
		return "session_index"
	case KindProfile:
		return "profile"
	case KindMessages:
		return "messages"
	case KindCursors:
		return "cursors"
	case KindPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// Key identifies one logical subscription: (entity kind, entity id).
type Key struct {
	Kind EntityKind
	ID   string
}

// Path maps the key to its RemoteStore path.
func (k Key) Path() string {
	switch k.Kind {
	case KindSessionIndex:
		return SessionIndexPath(k.ID)
	case KindProfile:
		return ProfilePath(k.ID)
	case KindMessages:
		return MessagesPath(k.ID)
	case KindCursors:
		return CursorsPath(k.ID)
	case KindPresence:
		return PresencePath(k.ID)
	default:
		return ""
	}
}

// String returns "kind/id" for logs and errors.
func (k Key) String() string { return k.Kind.String() + "/" + k.ID }

// Manager owns the creation and teardown of all RemoteStore subscriptions.
//
// Guarantees:
//   - At most one live raw subscription per key regardless of how many
//     holders acquired it (ref-counted).
//   - Teardown occurs exactly once per raw subscription, after a grace
//     period absorbing rapid release/reacquire cycles.
//   - A terminal store error marks the key degraded: current holders are
//     notified once and new acquires are refused for a cooldown window.
type Manager struct {
	log     *slog.Logger
	store   RemoteStore
	metrics *Metrics

	grace     time.Duration
	cooldown  time.Duration
	queueSize int
	now       func() time.Time

	mu            sync.Mutex
	subs          map[Key]*subscription
	degradedUntil map[Key]time.Time
	closed        bool
}

type subscription struct {
	cancel     func()
	holders    map[*Handle]struct{}
	graceTimer *time.Timer

	// gen invalidates callbacks and grace timers from a previous raw
	// subscription after Refresh or teardown.
	gen  int
	torn bool
}

// Handle is one holder's view of a subscription.
// Events are delivered on a bounded queue; when the holder cannot keep up,
// events are dropped (the store redelivers full snapshots, so a slow
// holder recovers on Refresh or reconnect).
type Handle struct {
	m   *Manager
	key Key

	events chan Event
	errs   chan error

	releaseOnce sync.Once
}

// Events is the holder's delivery queue.
func (h *Handle) Events() <-chan Event { return h.events }

// Err delivers at most one terminal subscription error.
func (h *Handle) Err() <-chan error { return h.errs }

// Key returns the key this handle is subscribed to.
func (h *Handle) Key() Key { return h.key }

// Release decrements the key's ref count. Idempotent. The raw subscription
// is torn down once no holder remains, after the grace period.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.releaseOnce.Do(func() { h.m.release(h) })
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTeardownGrace overrides the teardown grace period.
func WithTeardownGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.grace = d }
}

// WithDegradedCooldown overrides the degraded-key cooldown window.
func WithDegradedCooldown(d time.Duration) ManagerOption {
	return func(m *Manager) { m.cooldown = d }
}

// WithHandleQueueSize overrides the per-holder event queue size.
func WithHandleQueueSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// NewManager constructs a subscription manager over store.
func NewManager(log *slog.Logger, store RemoteStore, metrics *Metrics, opts ...ManagerOption) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:           log,
		store:         store,
		metrics:       metrics,
		grace:         defaultTeardownGrace,
		cooldown:      defaultDegradedCooldown,
		queueSize:     defaultHandleQueueSize,
		now:           func() time.Time { return time.Now().UTC() },
		subs:          make(map[Key]*subscription),
		degradedUntil: make(map[Key]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Acquire opens (or reuses) the subscription for key and returns a handle.
// Returns ErrSubscriptionDegraded while the key is in cooldown.
func (m *Manager) Acquire(key Key) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if until, ok := m.degradedUntil[key]; ok {
		if m.now().Before(until) {
			return nil, fmt.Errorf("%w: %s (cooldown until %s)", ErrSubscriptionDegraded, key, until.Format(time.RFC3339))
		}
		delete(m.degradedUntil, key)
	}

	h := &Handle{
		m:      m,
		key:    key,
		events: make(chan Event, m.queueSize),
		errs:   make(chan error, 1),
	}

	if sub, ok := m.subs[key]; ok && !sub.torn {
		if sub.graceTimer != nil {
			sub.graceTimer.Stop()
			sub.graceTimer = nil
		}
		sub.holders[h] = struct{}{}
		return h, nil
	}

	sub := &subscription{holders: map[*Handle]struct{}{h: {}}}
	m.subs[key] = sub
	if err := m.openLocked(key, sub); err != nil {
		delete(m.subs, key)
		return nil, err
	}
	return h, nil
}

// Refresh tears down and reopens the raw subscription for key while keeping
// all holders attached, forcing the store to redeliver a full snapshot.
// No-op when the key has no live subscription.
func (m *Manager) Refresh(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[key]
	if !ok || sub.torn || m.closed {
		return
	}

	if sub.cancel != nil {
		sub.cancel()
		sub.cancel = nil
		if m.metrics != nil {
			m.metrics.SubscriptionsClosed.Inc()
			m.metrics.SubscriptionsActive.Dec()
		}
	}
	m.log.Info("subscription.refresh", "key", key.String())

	if err := m.openLocked(key, sub); err != nil {
		m.log.Warn("subscription.refresh.fail", "key", key.String(), "err", err)
		m.degradeLocked(key, sub, err)
	}
}

// Close tears down every live subscription. Further Acquire calls fail
// with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for key, sub := range m.subs {
		m.teardownLocked(key, sub)
	}
}

// openLocked opens the raw store subscription for key. Caller holds mu.
// RemoteStore implementations never invoke callbacks synchronously from
// Subscribe, so holding mu here cannot deadlock.
func (m *Manager) openLocked(key Key, sub *subscription) error {
	sub.gen++
	gen := sub.gen

	cancel, err := m.store.Subscribe(key.Path(),
		func(ev Event) { m.dispatch(key, gen, ev) },
		func(err error) { m.terminal(key, gen, err) },
	)
	if err != nil {
		return fmt.Errorf("chat: subscribe %s: %w", key, err)
	}
	sub.cancel = cancel
	sub.torn = false

	if m.metrics != nil {
		m.metrics.SubscriptionsOpened.Inc()
		m.metrics.SubscriptionsActive.Inc()
	}
	m.log.Debug("subscription.open", "key", key.String())
	return nil
}

func (m *Manager) dispatch(key Key, gen int, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[key]
	if !ok || sub.gen != gen {
		return
	}
	for h := range sub.holders {
		select {
		case h.events <- ev:
		default:
			// Drop rather than block the store's delivery goroutine.
			if m.metrics != nil {
				m.metrics.EventsDropped.Inc()
			}
			m.log.Warn("subscription.event.drop", "key", key.String())
		}
	}
}

// terminal handles a terminal store error for key: the key degrades for a
// cooldown window and every current holder is notified exactly once.
func (m *Manager) terminal(key Key, gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[key]
	if !ok || sub.gen != gen {
		return
	}
	m.degradeLocked(key, sub, err)
}

func (m *Manager) degradeLocked(key Key, sub *subscription, cause error) {
	m.degradedUntil[key] = m.now().Add(m.cooldown)
	if m.metrics != nil {
		m.metrics.SubscriptionDegraded.Inc()
	}
	m.log.Warn("subscription.degraded", "key", key.String(), "cooldown", m.cooldown, "err", cause)

	err := fmt.Errorf("%w: %s: %v", ErrSubscriptionDegraded, key, cause)
	for h := range sub.holders {
		select {
		case h.errs <- err:
		default:
		}
	}
	m.teardownLocked(key, sub)
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[h.key]
	if !ok {
		return
	}
	if _, held := sub.holders[h]; !held {
		return
	}
	delete(sub.holders, h)
	if len(sub.holders) > 0 {
		return
	}

	if m.grace <= 0 {
		m.teardownLocked(h.key, sub)
		return
	}

	key := h.key
	gen := sub.gen
	sub.graceTimer = time.AfterFunc(m.grace, func() { m.graceExpired(key, gen) })
	m.log.Debug("subscription.idle", "key", key.String(), "grace", m.grace)
}

func (m *Manager) graceExpired(key Key, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[key]
	if !ok || sub.gen != gen || len(sub.holders) > 0 {
		// Reacquired (or already gone) during the grace period.
		return
	}
	m.teardownLocked(key, sub)
}

// teardownLocked cancels the raw subscription exactly once and forgets the
// key. Caller holds mu.
func (m *Manager) teardownLocked(key Key, sub *subscription) {
	if sub.torn {
		return
	}
	sub.torn = true
	sub.gen++ // invalidate in-flight callbacks and grace timers

	if sub.graceTimer != nil {
		sub.graceTimer.Stop()
		sub.graceTimer = nil
	}
	if sub.cancel != nil {
		sub.cancel()
		sub.cancel = nil
		if m.metrics != nil {
			m.metrics.SubscriptionsClosed.Inc()
			m.metrics.SubscriptionsActive.Dec()
		}
	}
	delete(m.subs, key)
	m.log.Debug("subscription.teardown", "key", key.String())
}
