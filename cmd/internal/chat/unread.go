package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// UnreadAggregator derives per-conversation and global unread counts.
//
// A conversation's count is a pure function of (message stream, own read
// cursor): the number of messages with sentAt after the cursor's
// lastReadAt sent by someone else. It is always recomputed, never
// incremented or decremented ad hoc, which eliminates drift between update
// paths. Unread counts are first-person: only the signed-in user's cursor
// is consulted.
//
// Message and cursor subscriptions go through the Manager, so a
// conversation that is also open in a merge view shares one raw stream.
type UnreadAggregator struct {
	log     *slog.Logger
	mgr     *Manager
	store   RemoteStore
	metrics *Metrics
	selfID  string

	writeTimeout time.Duration
	retryEvery   time.Duration
	now          func() time.Time

	mu       sync.Mutex
	convs    map[string]*unreadConv
	watchers map[chan UnreadState]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

type unreadConv struct {
	msgHandle *Handle
	curHandle *Handle
	stop      chan struct{}

	msgs   map[string]unreadMsg
	cursor UnreadCursor
}

type unreadMsg struct {
	senderID string
	sentAt   time.Time
}

// NewUnreadAggregator constructs an aggregator for the signed-in user.
func NewUnreadAggregator(log *slog.Logger, mgr *Manager, store RemoteStore, metrics *Metrics, userID string) *UnreadAggregator {
	if log == nil {
		log = slog.Default()
	}
	return &UnreadAggregator{
		log:          log,
		mgr:          mgr,
		store:        store,
		metrics:      metrics,
		selfID:       userID,
		writeTimeout: defaultWriteTimeout,
		retryEvery:   5 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		convs:        make(map[string]*unreadConv),
		watchers:     make(map[chan UnreadState]struct{}),
		done:         make(chan struct{}),
	}
}

// SetConversations reconciles the tracked set with the current session
// list: new conversations start streaming, removed ones release their
// subscriptions.
func (a *UnreadAggregator) SetConversations(ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for id := range want {
		if _, ok := a.convs[id]; ok {
			continue
		}
		a.trackLocked(id)
	}
	for id, c := range a.convs {
		if _, ok := want[id]; !ok {
			delete(a.convs, id)
			close(c.stop)
			c.msgHandle.Release()
			c.curHandle.Release()
		}
	}
	a.notifyLocked()
}

// MarkRead advances the user's cursor to the latest message currently
// known locally. Optimistic (the store write is async), idempotent, and
// monotonic: the cursor never moves backward.
func (a *UnreadAggregator) MarkRead(conversationID string) error {
	a.mu.Lock()
	c, ok := a.convs[conversationID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("chat: conversation %s not tracked", conversationID)
	}

	latestID, latestAt := latestMessage(c.msgs)
	if latestID == "" || !latestAt.After(c.cursor.LastReadAt) {
		// Nothing to read, or the cursor is already at (or past) the
		// latest message.
		if a.metrics != nil {
			a.metrics.CursorWritesSkipped.Inc()
		}
		a.mu.Unlock()
		return nil
	}

	c.cursor = UnreadCursor{
		ConversationID:    conversationID,
		UserID:            a.selfID,
		LastReadMessageID: latestID,
		LastReadAt:        latestAt,
	}
	rec := CursorRecord{
		UserID:            a.selfID,
		LastReadMessageID: latestID,
		LastReadAt:        latestAt,
	}
	a.notifyLocked()
	a.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		defer cancel()
		if err := a.store.Update(ctx, CursorsPath(conversationID), rec); err != nil {
			// The optimistic cursor stays; the store converges on the
			// next successful MarkRead.
			a.log.Warn("unread.cursor.write.fail", "conversation_id", conversationID, "err", err)
		}
	}()
	return nil
}

// Unread returns the current unread state.
func (a *UnreadAggregator) Unread() UnreadState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.computeLocked()
}

// Observe returns a restartable stream of unread states. The channel
// conflates (latest value wins). Delivery stops when ctx is done.
func (a *UnreadAggregator) Observe(ctx context.Context) <-chan UnreadState {
	ch := make(chan UnreadState, 1)

	a.mu.Lock()
	a.watchers[ch] = struct{}{}
	ch <- a.computeLocked()
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.mu.Lock()
		delete(a.watchers, ch)
		a.mu.Unlock()
	}()
	return ch
}

// Close releases every held subscription.
func (a *UnreadAggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.done)

		a.mu.Lock()
		convs := a.convs
		a.convs = make(map[string]*unreadConv)
		a.watchers = make(map[chan UnreadState]struct{})
		a.mu.Unlock()

		for _, c := range convs {
			close(c.stop)
			c.msgHandle.Release()
			c.curHandle.Release()
		}
	})
}

// trackLocked starts streaming one conversation. Caller holds mu.
func (a *UnreadAggregator) trackLocked(conversationID string) {
	mh, err := a.mgr.Acquire(Key{Kind: KindMessages, ID: conversationID})
	if err != nil {
		a.log.Warn("unread.messages.acquire.fail", "conversation_id", conversationID, "err", err)
		return
	}
	ch, err := a.mgr.Acquire(Key{Kind: KindCursors, ID: conversationID})
	if err != nil {
		a.log.Warn("unread.cursors.acquire.fail", "conversation_id", conversationID, "err", err)
		mh.Release()
		return
	}

	c := &unreadConv{
		msgHandle: mh,
		curHandle: ch,
		stop:      make(chan struct{}),
		msgs:      make(map[string]unreadMsg),
	}
	a.convs[conversationID] = c
	go a.run(conversationID, c)
}

// run consumes one conversation's streams. On a degraded subscription the
// last-known count stays visible (stale) and re-acquire is retried until it
// succeeds, the conversation is untracked, or the aggregator closes.
func (a *UnreadAggregator) run(conversationID string, c *unreadConv) {
	for {
		select {
		case <-a.done:
			return
		case <-c.stop:
			return
		case err := <-c.msgHandle.Err():
			a.log.Warn("unread.messages.degraded", "conversation_id", conversationID, "err", err)
			a.retrack(conversationID, c)
			return
		case err := <-c.curHandle.Err():
			a.log.Warn("unread.cursors.degraded", "conversation_id", conversationID, "err", err)
			a.retrack(conversationID, c)
			return
		case ev := <-c.msgHandle.Events():
			a.applyMessages(conversationID, c, ev)
		case ev := <-c.curHandle.Events():
			a.applyCursor(conversationID, c, ev)
		}
	}
}

// retrack replaces a degraded conversation's handles with fresh ones once
// the manager's cooldown allows it. The cursor carries over; messages are
// rebuilt from the redelivered snapshot.
func (a *UnreadAggregator) retrack(conversationID string, old *unreadConv) {
	old.msgHandle.Release()
	old.curHandle.Release()

	t := time.NewTicker(a.retryEvery)
	defer t.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-old.stop:
			return
		case <-t.C:
			mh, err := a.mgr.Acquire(Key{Kind: KindMessages, ID: conversationID})
			if err != nil {
				continue
			}
			ch, err := a.mgr.Acquire(Key{Kind: KindCursors, ID: conversationID})
			if err != nil {
				mh.Release()
				continue
			}

			a.mu.Lock()
			if a.convs[conversationID] != old {
				// Untracked (or replaced) while re-acquiring.
				a.mu.Unlock()
				mh.Release()
				ch.Release()
				return
			}
			c := &unreadConv{
				msgHandle: mh,
				curHandle: ch,
				stop:      old.stop,
				msgs:      make(map[string]unreadMsg),
				cursor:    old.cursor,
			}
			a.convs[conversationID] = c
			a.mu.Unlock()

			a.log.Info("unread.restored", "conversation_id", conversationID)
			go a.run(conversationID, c)
			return
		}
	}
}

func (a *UnreadAggregator) applyMessages(conversationID string, c *unreadConv, ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.convs[conversationID] != c {
		return
	}

	switch ev.Kind {
	case EventSnapshot:
		recs, err := decodeMessageSnapshot(ev.Data)
		if err != nil {
			a.log.Warn("unread.messages.decode.fail", "conversation_id", conversationID, "err", err)
			return
		}
		c.msgs = make(map[string]unreadMsg, len(recs))
		for _, r := range recs {
			c.msgs[r.ID] = unreadMsg{senderID: r.SenderID, sentAt: r.SentAt}
		}
	case EventPatch:
		me, err := decodeMessageEvent(ev.Data)
		if err != nil {
			a.log.Warn("unread.messages.decode.fail", "conversation_id", conversationID, "err", err)
			return
		}
		// Reaction/edit patches do not change counts; only puts do.
		if me.Put == nil {
			return
		}
		c.msgs[me.Put.ID] = unreadMsg{senderID: me.Put.SenderID, sentAt: me.Put.SentAt}
	}
	a.notifyLocked()
}

func (a *UnreadAggregator) applyCursor(conversationID string, c *unreadConv, ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.convs[conversationID] != c {
		return
	}

	var recs []CursorRecord
	switch ev.Kind {
	case EventSnapshot:
		rs, err := decodeCursorSnapshot(ev.Data)
		if err != nil {
			a.log.Warn("unread.cursors.decode.fail", "conversation_id", conversationID, "err", err)
			return
		}
		recs = rs
	case EventPatch:
		r, err := decodeCursorPatch(ev.Data)
		if err != nil {
			a.log.Warn("unread.cursors.decode.fail", "conversation_id", conversationID, "err", err)
			return
		}
		recs = []CursorRecord{r}
	}

	changed := false
	for _, r := range recs {
		if r.UserID != a.selfID {
			continue
		}
		// Monotonic: an older echo (e.g. a delayed write confirmation)
		// never moves the cursor backward.
		if !r.LastReadAt.After(c.cursor.LastReadAt) {
			continue
		}
		c.cursor = UnreadCursor{
			ConversationID:    conversationID,
			UserID:            r.UserID,
			LastReadMessageID: r.LastReadMessageID,
			LastReadAt:        r.LastReadAt,
		}
		changed = true
	}
	if changed {
		a.notifyLocked()
	}
}

// computeLocked recomputes all counts from scratch. Caller holds mu.
func (a *UnreadAggregator) computeLocked() UnreadState {
	st := UnreadState{PerConversation: make(map[string]int, len(a.convs))}
	for id, c := range a.convs {
		n := 0
		for _, m := range c.msgs {
			if m.senderID != a.selfID && m.sentAt.After(c.cursor.LastReadAt) {
				n++
			}
		}
		st.PerConversation[id] = n
		st.Total += n
	}
	if a.metrics != nil {
		a.metrics.UnreadRecomputes.Inc()
	}
	return st
}

func (a *UnreadAggregator) notifyLocked() {
	if len(a.watchers) == 0 {
		return
	}
	st := a.computeLocked()
	for ch := range a.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// latestMessage returns the newest message by (sentAt, id).
func latestMessage(msgs map[string]unreadMsg) (string, time.Time) {
	var bestID string
	var bestAt time.Time
	for id, m := range msgs {
		if m.sentAt.After(bestAt) || (m.sentAt.Equal(bestAt) && id > bestID) {
			bestID = id
			bestAt = m.sentAt
		}
	}
	return bestID, bestAt
}
