package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrOrderingViolation is reported (as a recoverable warning) when the
// out-of-order patch buffer overflows and the conversation is refetched in
// full.
var ErrOrderingViolation = errors.New("chat: patch buffer overflow")

// Merger maintains an ordered, deduplicated message log for one
// conversation by merging the remote message stream with locally queued
// optimistic messages.
//
// Ordering: ascending by sort timestamp, ties broken by id. A pending
// entry replaced by its authoritative echo keeps its original sort slot so
// the replacement never causes a visible jump.
//
// Content identity: pending messages carry a client-generated nonce; an
// authoritative arrival with a matching nonce replaces the pending entry
// in place instead of being appended.
type Merger struct {
	log            *slog.Logger
	metrics        *Metrics
	conversationID string

	pendingTimeout time.Duration
	patchCap       int
	now            func() time.Time

	// refetch forces a full snapshot redelivery (wired to Manager.Refresh
	// by the engine). May be nil.
	refetch func()
	// warn receives recoverable anomalies (ordering violations). May be nil.
	warn func(error)

	mu       sync.Mutex
	entries  []*mergeEntry
	byID     map[string]*mergeEntry
	byNonce  map[string]*mergeEntry // pending entries only
	orphans  []MessagePatch
	timers   map[string]*time.Timer
	watchers map[chan []Message]struct{}
	closed   bool
}

// mergeEntry pins a message to its sort slot. sortAt survives in-place
// replacement so the echoed message keeps the pending entry's position.
type mergeEntry struct {
	msg    Message
	sortAt time.Time
}

// MergerOption configures a Merger.
type MergerOption func(*Merger)

// WithPendingTimeout overrides how long a pending message waits for its
// echo before transitioning to Failed.
func WithPendingTimeout(d time.Duration) MergerOption {
	return func(m *Merger) {
		if d > 0 {
			m.pendingTimeout = d
		}
	}
}

// WithPatchBufferCap overrides the out-of-order patch buffer capacity.
func WithPatchBufferCap(n int) MergerOption {
	return func(m *Merger) {
		if n > 0 {
			m.patchCap = n
		}
	}
}

// WithRefetch sets the callback used to request a full snapshot redelivery.
func WithRefetch(fn func()) MergerOption {
	return func(m *Merger) { m.refetch = fn }
}

// WithWarn sets the callback receiving recoverable anomalies.
func WithWarn(fn func(error)) MergerOption {
	return func(m *Merger) { m.warn = fn }
}

// NewMerger constructs a merger for one conversation.
func NewMerger(log *slog.Logger, conversationID string, metrics *Metrics, opts ...MergerOption) *Merger {
	if log == nil {
		log = slog.Default()
	}
	m := &Merger{
		log:            log,
		metrics:        metrics,
		conversationID: conversationID,
		pendingTimeout: defaultPendingTimeout,
		patchCap:       defaultPatchBufferCap,
		now:            func() time.Time { return time.Now().UTC() },
		byID:           make(map[string]*mergeEntry),
		byNonce:        make(map[string]*mergeEntry),
		timers:         make(map[string]*time.Timer),
		watchers:       make(map[chan []Message]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Apply routes one subscription event into the merge state.
func (m *Merger) Apply(ev Event) error {
	switch ev.Kind {
	case EventSnapshot:
		recs, err := decodeMessageSnapshot(ev.Data)
		if err != nil {
			return err
		}
		m.applySnapshot(recs)
		return nil
	case EventPatch:
		me, err := decodeMessageEvent(ev.Data)
		if err != nil {
			return err
		}
		if me.Put != nil {
			m.applyPut(*me.Put)
		}
		if me.Patch != nil {
			m.applyPatch(*me.Patch)
		}
		return nil
	default:
		return fmt.Errorf("chat: unknown event kind: %d", ev.Kind)
	}
}

// applySnapshot replaces the authoritative portion of the log with the
// delivered value. Pending entries survive unless the snapshot contains
// their echo (matched by nonce).
func (m *Merger) applySnapshot(recs []MessageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Carry over local-only entries (pending/failed) whose echo is absent.
	echoed := make(map[string]MessageRecord, len(recs))
	for _, r := range recs {
		if r.Nonce != "" {
			echoed[r.Nonce] = r
		}
	}

	var carry []*mergeEntry
	for _, e := range m.entries {
		if e.msg.Delivery == DeliverySent {
			continue
		}
		if _, ok := echoed[e.msg.Nonce]; ok {
			continue
		}
		carry = append(carry, e)
	}

	m.entries = m.entries[:0]
	m.byID = make(map[string]*mergeEntry, len(recs)+len(carry))
	oldNonce := m.byNonce
	m.byNonce = make(map[string]*mergeEntry)

	for _, r := range recs {
		if _, dup := m.byID[r.ID]; dup {
			continue
		}
		sortAt := r.SentAt
		if prev, ok := oldNonce[r.Nonce]; ok && r.Nonce != "" {
			// Echo of a local send: keep the pending slot, stop its timer.
			sortAt = prev.sortAt
			m.stopTimerLocked(prev.msg.ID)
			if m.metrics != nil {
				m.metrics.OptimisticReplaced.Inc()
			}
		}
		e := &mergeEntry{msg: r.Message(DeliverySent), sortAt: sortAt}
		m.insertLocked(e)
	}
	for _, e := range carry {
		m.insertLocked(e)
		if e.msg.Nonce != "" {
			m.byNonce[e.msg.Nonce] = e
		}
	}

	m.replayOrphansLocked()
	m.notifyLocked()
}

// applyPut merges one authoritative message.
func (m *Merger) applyPut(rec MessageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Nonce != "" {
		if e, ok := m.byNonce[rec.Nonce]; ok {
			// Echo of a local send: replace in place, preserving position.
			m.stopTimerLocked(e.msg.ID)
			delete(m.byID, e.msg.ID)
			delete(m.byNonce, rec.Nonce)

			e.msg = rec.Message(DeliverySent)
			m.byID[e.msg.ID] = e

			if m.metrics != nil {
				m.metrics.OptimisticReplaced.Inc()
			}
			m.log.Debug("merge.replace", "conversation_id", m.conversationID, "id", e.msg.ID, "nonce", rec.Nonce)

			m.replayOrphansLocked()
			m.notifyLocked()
			return
		}
	}

	if e, ok := m.byID[rec.ID]; ok {
		// Redelivery or authoritative update: refresh fields, keep slot.
		e.msg = rec.Message(DeliverySent)
		m.notifyLocked()
		return
	}

	e := &mergeEntry{msg: rec.Message(DeliverySent), sortAt: rec.SentAt}
	m.insertLocked(e)
	if m.metrics != nil {
		m.metrics.MessagesMerged.Inc()
	}

	m.replayOrphansLocked()
	m.notifyLocked()
}

// applyPatch applies reactions/edits against an existing message by id.
// Patches for unseen ids are buffered (bounded) and replayed once the base
// arrives, tolerating out-of-order delivery.
func (m *Merger) applyPatch(p MessagePatch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byID[p.ID]; ok {
		applyMessagePatch(&e.msg, p)
		m.notifyLocked()
		return
	}

	m.orphans = append(m.orphans, p)
	if len(m.orphans) > m.patchCap {
		// Overflow: drop the oldest, report, refetch in full.
		m.orphans = m.orphans[1:]
		if m.metrics != nil {
			m.metrics.OrderingViolations.Inc()
		}
		err := fmt.Errorf("%w: conversation %s", ErrOrderingViolation, m.conversationID)
		m.log.Warn("merge.patch.overflow", "conversation_id", m.conversationID)
		if m.warn != nil {
			m.warn(err)
		}
		if m.refetch != nil {
			go m.refetch()
		}
	}
	if m.metrics != nil {
		m.metrics.PatchesBuffered.Set(float64(len(m.orphans)))
	}
}

// AddPending inserts a locally composed message into the merge buffer and
// arms its echo timeout.
func (m *Merger) AddPending(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if _, ok := m.byID[msg.ID]; ok {
		return
	}
	msg.Delivery = DeliveryPending

	e := &mergeEntry{msg: msg, sortAt: msg.SentAt}
	m.insertLocked(e)
	if msg.Nonce != "" {
		m.byNonce[msg.Nonce] = e
	}
	m.armTimerLocked(msg.ID)
	m.notifyLocked()
}

// MarkFailed transitions a pending message to Failed (send pipeline error).
func (m *Merger) MarkFailed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked(id)

	e, ok := m.byID[id]
	if !ok || e.msg.Delivery != DeliveryPending {
		return
	}
	e.msg.Delivery = DeliveryFailed
	m.notifyLocked()
}

// MarkPending transitions a failed message back to Pending (retry) and
// rearms its echo timeout.
func (m *Merger) MarkPending(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok || e.msg.Delivery != DeliveryFailed {
		return
	}
	e.msg.Delivery = DeliveryPending
	m.armTimerLocked(id)
	m.notifyLocked()
}

// Remove discards a local message (user dismissed a failed send).
func (m *Merger) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked(id)

	e, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if e.msg.Nonce != "" {
		delete(m.byNonce, e.msg.Nonce)
	}
	for i, cur := range m.entries {
		if cur == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	m.notifyLocked()
}

// Messages returns the current merged stream, ordered.
func (m *Merger) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Lookup resolves a message by id (e.g. a replyTo reference) against the
// merged stream.
func (m *Merger) Lookup(id string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

// Observe returns a restartable stream of ordered message snapshots.
// The channel conflates: it always holds the latest value. Delivery stops
// when ctx is done.
func (m *Merger) Observe(ctx context.Context) <-chan []Message {
	ch := make(chan []Message, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	m.watchers[ch] = struct{}{}
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
	}()
	return ch
}

// Close stops timers and detaches watchers. Late echoes routed to a closed
// merger are ignored.
func (m *Merger) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.watchers = make(map[chan []Message]struct{})
}

// ---- internals (callers hold mu) ----

func (m *Merger) insertLocked(e *mergeEntry) {
	i := sort.Search(len(m.entries), func(i int) bool {
		c := m.entries[i]
		if !c.sortAt.Equal(e.sortAt) {
			return c.sortAt.After(e.sortAt)
		}
		return c.msg.ID > e.msg.ID
	})
	m.entries = append(m.entries, nil)
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
	m.byID[e.msg.ID] = e
}

func (m *Merger) replayOrphansLocked() {
	if len(m.orphans) == 0 {
		return
	}
	rest := m.orphans[:0]
	for _, p := range m.orphans {
		if e, ok := m.byID[p.ID]; ok {
			applyMessagePatch(&e.msg, p)
			continue
		}
		rest = append(rest, p)
	}
	m.orphans = rest
	if m.metrics != nil {
		m.metrics.PatchesBuffered.Set(float64(len(m.orphans)))
	}
}

func (m *Merger) armTimerLocked(id string) {
	m.stopTimerLocked(id)
	if m.pendingTimeout <= 0 {
		return
	}
	m.timers[id] = time.AfterFunc(m.pendingTimeout, func() { m.echoTimeout(id) })
}

func (m *Merger) stopTimerLocked(id string) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Merger) echoTimeout(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, id)

	e, ok := m.byID[id]
	if !ok || e.msg.Delivery != DeliveryPending {
		return
	}
	e.msg.Delivery = DeliveryFailed
	if m.metrics != nil {
		m.metrics.PendingTimeouts.Inc()
	}
	m.log.Info("merge.pending.timeout", "conversation_id", m.conversationID, "id", id)
	m.notifyLocked()
}

func (m *Merger) snapshotLocked() []Message {
	out := make([]Message, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.msg
	}
	return out
}

func (m *Merger) notifyLocked() {
	if len(m.watchers) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for ch := range m.watchers {
		// Conflate: replace a stale unread value with the latest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func applyMessagePatch(msg *Message, p MessagePatch) {
	for _, r := range p.AddReactions {
		if !hasReaction(msg.Reactions, r) {
			msg.Reactions = append(msg.Reactions, r)
		}
	}
	for _, r := range p.RemoveReactions {
		for i, cur := range msg.Reactions {
			if cur == r {
				msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
				break
			}
		}
	}
	if p.SetText != nil {
		msg.Text = *p.SetText
	}
}

func hasReaction(rs []Reaction, r Reaction) bool {
	for _, cur := range rs {
		if cur == r {
			return true
		}
	}
	return false
}
