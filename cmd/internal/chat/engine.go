package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine is the top-level chat synchronization engine for one signed-in
// user. It owns the subscription manager, the session list, the unread
// aggregator, the presence tracker, and the send queue, and hands out
// ConversationViews over per-conversation merge buffers.
type Engine struct {
	log     *slog.Logger
	store   RemoteStore
	metrics *Metrics
	selfID  string

	mgr      *Manager
	sessions *SessionList
	unread   *UnreadAggregator
	presence *PresenceTracker
	sendq    *SendQueue

	retention time.Duration
	sendqOpts []SendQueueOption

	mu      sync.Mutex
	views   map[string]*ConversationView
	retired map[string]*retiredView
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// retiredView keeps a closed view's merger alive for the retention window
// so late send results still land somewhere visible on reopen.
type retiredView struct {
	view  *ConversationView
	timer *time.Timer
}

// ConversationView is an open conversation: a live merge buffer fed by the
// shared message subscription. Obtained from Engine.OpenConversation; every
// successful open must be balanced by exactly one Close.
type ConversationView struct {
	eng    *Engine
	id     string
	merger *Merger
	handle *Handle

	refs int // guarded by eng.mu
	stop chan struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithViewRetention overrides how long a closed conversation's merge
// buffer is retained before its subscription is released.
func WithViewRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithManagerOptions forwards options to the subscription manager.
func WithManagerOptions(opts ...ManagerOption) EngineOption {
	return func(e *Engine) {
		e.mgr = NewManager(e.log, e.store, e.metrics, opts...)
	}
}

// WithSendQueueOptions forwards options to the send queue.
func WithSendQueueOptions(opts ...SendQueueOption) EngineOption {
	return func(e *Engine) {
		e.sendqOpts = append(e.sendqOpts, opts...)
	}
}

// NewEngine constructs the engine for userID. outbox may be nil (sends are
// journaled in memory only); upload may be nil when media messages are
// never sent.
func NewEngine(log *slog.Logger, store RemoteStore, upload Uploader, outbox OutboxStore,
	metrics *Metrics, userID string, opts ...EngineOption) *Engine {

	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:       log,
		store:     store,
		metrics:   metrics,
		selfID:    userID,
		retention: defaultViewRetention,
		views:     make(map[string]*ConversationView),
		retired:   make(map[string]*retiredView),
		done:      make(chan struct{}),
	}
	e.mgr = NewManager(log, store, metrics)
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	e.sendq = NewSendQueue(log, store, upload, outbox, metrics, userID, e.lookupMerger, e.sendqOpts...)
	e.sessions = NewSessionList(log, e.mgr, userID)
	e.unread = NewUnreadAggregator(log, e.mgr, store, metrics, userID)
	e.presence = NewPresenceTracker(log, e.mgr)
	return e
}

// Start begins syncing: the session index subscription opens, the unread
// aggregator starts following the session list, and journaled sends from a
// previous run re-enter their lanes.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.sessions.Start(); err != nil {
		return fmt.Errorf("chat: start session list: %w", err)
	}
	go e.feedUnread()

	if err := e.sendq.Resume(ctx); err != nil {
		e.log.Warn("engine.outbox.resume.fail", "err", err)
	}
	e.log.Info("engine.started", "user_id", e.selfID)
	return nil
}

// feedUnread keeps the unread aggregator's conversation set in sync with
// the session list.
func (e *Engine) feedUnread() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.done
		cancel()
	}()

	ch := e.sessions.Observe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			ids := make([]string, 0, len(snap))
			for _, s := range snap {
				ids = append(ids, s.ID)
			}
			e.unread.SetConversations(ids)
		}
	}
}

// OpenConversation opens (or re-opens) a conversation view. The message
// subscription is shared: opening a conversation twice, or while the
// unread aggregator already follows it, reuses one raw stream. A view
// reopened within the retention window keeps its merge buffer, including
// any unresolved local sends.
func (e *Engine) OpenConversation(conversationID string) (*ConversationView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	if v, ok := e.views[conversationID]; ok {
		v.refs++
		return v, nil
	}
	if r, ok := e.retired[conversationID]; ok {
		r.timer.Stop()
		delete(e.retired, conversationID)
		r.view.refs = 1
		e.views[conversationID] = r.view
		e.log.Debug("engine.view.revived", "conversation_id", conversationID)
		return r.view, nil
	}

	key := Key{Kind: KindMessages, ID: conversationID}
	h, err := e.mgr.Acquire(key)
	if err != nil {
		return nil, err
	}

	merger := NewMerger(e.log, conversationID, e.metrics,
		WithRefetch(func() { e.mgr.Refresh(key) }),
		WithWarn(func(err error) {
			e.log.Warn("engine.merge.anomaly", "conversation_id", conversationID, "err", err)
		}),
	)
	for _, msg := range e.sendq.PendingMessages(conversationID) {
		failed := msg.Delivery == DeliveryFailed
		merger.AddPending(msg)
		if failed {
			merger.MarkFailed(msg.ID)
		}
	}

	v := &ConversationView{
		eng:    e,
		id:     conversationID,
		merger: merger,
		handle: h,
		refs:   1,
		stop:   make(chan struct{}),
	}
	e.views[conversationID] = v
	go v.pump()
	return v, nil
}

// pump feeds subscription events into the merge buffer.
func (v *ConversationView) pump() {
	for {
		select {
		case <-v.stop:
			return
		case err := <-v.handle.Err():
			// The merged log stays visible (stale); sends keep working
			// through the queue.
			v.eng.log.Warn("engine.view.degraded", "conversation_id", v.id, "err", err)
			return
		case ev := <-v.handle.Events():
			if err := v.merger.Apply(ev); err != nil {
				v.eng.log.Warn("engine.view.event.fail", "conversation_id", v.id, "err", err)
			}
		}
	}
}

// Messages returns the current merged, ordered message log.
func (v *ConversationView) Messages() []Message { return v.merger.Messages() }

// Lookup resolves a message by id (e.g. following a replyTo reference).
func (v *ConversationView) Lookup(id string) (Message, bool) { return v.merger.Lookup(id) }

// Observe returns a conflating stream of merged message snapshots.
func (v *ConversationView) Observe(ctx context.Context) <-chan []Message {
	return v.merger.Observe(ctx)
}

// MarkRead advances the user's read cursor to the latest message.
func (v *ConversationView) MarkRead() error { return v.eng.MarkRead(v.id) }

// Close releases this opener's reference. Once no opener remains, the view
// retires: its merge buffer and subscription stay alive for the retention
// window so in-flight sends can still resolve, then tear down.
func (v *ConversationView) Close() {
	e := v.eng
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.views[v.id] != v {
		return
	}
	v.refs--
	if v.refs > 0 {
		return
	}
	delete(e.views, v.id)

	if e.retention <= 0 || e.closed {
		e.finalizeLocked(v)
		return
	}
	r := &retiredView{view: v}
	r.timer = time.AfterFunc(e.retention, func() { e.expire(v) })
	e.retired[v.id] = r
	e.log.Debug("engine.view.retired", "conversation_id", v.id, "retention", e.retention)
}

func (e *Engine) expire(v *ConversationView) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.retired[v.id]
	if !ok || r.view != v {
		return
	}
	delete(e.retired, v.id)
	e.finalizeLocked(v)
}

// finalizeLocked tears a view down for good. Caller holds e.mu.
func (e *Engine) finalizeLocked(v *ConversationView) {
	close(v.stop)
	v.handle.Release()
	v.merger.Close()
	e.log.Debug("engine.view.closed", "conversation_id", v.id)
}

// lookupMerger resolves the live or retained merge buffer for a
// conversation; nil when none exists (send results then surface only
// through the authoritative stream).
func (e *Engine) lookupMerger(conversationID string) *Merger {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := e.views[conversationID]; ok {
		return v.merger
	}
	if r, ok := e.retired[conversationID]; ok {
		return r.view.merger
	}
	return nil
}

// Send submits a draft to conversationID. Returns the optimistic Pending
// message immediately; upload and write happen on the conversation's lane.
func (e *Engine) Send(conversationID string, draft Draft) (Message, error) {
	return e.sendq.Send(conversationID, draft)
}

// RetrySend re-attempts a failed send (same nonce, no duplicates).
func (e *Engine) RetrySend(messageID string) error { return e.sendq.Retry(messageID) }

// DiscardSend drops a failed send from the outbox and the merge buffer.
func (e *Engine) DiscardSend(messageID string) error { return e.sendq.Discard(messageID) }

// MarkRead advances the user's read cursor in conversationID.
func (e *Engine) MarkRead(conversationID string) error { return e.unread.MarkRead(conversationID) }

// Sessions returns the current ordered session list.
func (e *Engine) Sessions() []ChatSession { return e.sessions.Sessions() }

// ObserveSessions streams ordered session snapshots (conflating).
func (e *Engine) ObserveSessions(ctx context.Context) <-chan []ChatSession {
	return e.sessions.Observe(ctx)
}

// Unread returns current per-conversation and total unread counts.
func (e *Engine) Unread() UnreadState { return e.unread.Unread() }

// ObserveUnread streams unread states (conflating).
func (e *Engine) ObserveUnread(ctx context.Context) <-chan UnreadState {
	return e.unread.Observe(ctx)
}

// ObservePresence streams a participant's presence (conflating; stale
// records read as offline).
func (e *Engine) ObservePresence(ctx context.Context, userID string) (<-chan Presence, error) {
	return e.presence.Observe(ctx, userID)
}

// Close shuts the engine down: views tear down immediately (no retention),
// all subscriptions release, the send queue stops. Journaled sends resume
// on the next Start.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)

		e.mu.Lock()
		e.closed = true
		views := make([]*ConversationView, 0, len(e.views)+len(e.retired))
		for _, v := range e.views {
			views = append(views, v)
		}
		for _, r := range e.retired {
			r.timer.Stop()
			views = append(views, r.view)
		}
		e.views = make(map[string]*ConversationView)
		e.retired = make(map[string]*retiredView)
		for _, v := range views {
			e.finalizeLocked(v)
		}
		e.mu.Unlock()

		e.sessions.Close()
		e.unread.Close()
		e.sendq.Close()
		e.mgr.Close()
		e.log.Info("engine.stopped", "user_id", e.selfID)
	})
}
