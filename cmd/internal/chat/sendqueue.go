package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Draft is a locally composed message awaiting submission.
type Draft struct {
	Kind      MessageKind
	Text      string
	Media     *MediaBlob
	ReplyToID string
}

// SendQueue accepts locally composed messages, assigns them a provisional
// identity, and submits them to the RemoteStore in order.
//
// Ordering guarantee: messages for the same conversation are submitted in
// Send call order, even when an earlier media upload is slow. Each
// conversation has one FIFO submission lane drained by a single goroutine,
// so a later text message can never overtake an earlier photo message.
//
// In-flight submissions are not cancelled by navigation; their results are
// applied to whichever merger is live for the conversation when they
// resolve (or dropped by the engine's view retention window).
type SendQueue struct {
	log     *slog.Logger
	store   RemoteStore
	upload  Uploader
	outbox  OutboxStore
	metrics *Metrics

	selfID       string
	writeTimeout time.Duration
	laneSize     int
	now          func() time.Time

	// resolve returns the live (or retained) merger for a conversation,
	// or nil when none exists. Wired by the engine.
	resolve func(conversationID string) *Merger

	mu    sync.Mutex
	lanes map[string]chan *sendJob
	jobs  map[string]*sendJob
	done  chan struct{}
	once  sync.Once
}

type sendJob struct {
	entry OutboxEntry
	// queued is true while the job sits in (or is being processed by) a
	// lane; it makes Retry idempotent.
	queued bool
}

// SendQueueOption configures a SendQueue.
type SendQueueOption func(*SendQueue)

// WithWriteTimeout overrides the per-attempt upload/write timeout.
func WithWriteTimeout(d time.Duration) SendQueueOption {
	return func(q *SendQueue) {
		if d > 0 {
			q.writeTimeout = d
		}
	}
}

// WithLaneSize overrides the per-conversation lane capacity.
func WithLaneSize(n int) SendQueueOption {
	return func(q *SendQueue) {
		if n > 0 {
			q.laneSize = n
		}
	}
}

// NewSendQueue constructs a send queue for the signed-in user.
// resolve may be nil (no local merge buffer; submissions still happen).
func NewSendQueue(log *slog.Logger, store RemoteStore, upload Uploader, outbox OutboxStore,
	metrics *Metrics, selfID string, resolve func(string) *Merger, opts ...SendQueueOption) *SendQueue {

	if log == nil {
		log = slog.Default()
	}
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	if resolve == nil {
		resolve = func(string) *Merger { return nil }
	}
	q := &SendQueue{
		log:          log,
		store:        store,
		upload:       upload,
		outbox:       outbox,
		metrics:      metrics,
		selfID:       selfID,
		writeTimeout: defaultWriteTimeout,
		laneSize:     defaultLaneQueueSize,
		now:          func() time.Time { return time.Now().UTC() },
		resolve:      resolve,
		lanes:        make(map[string]chan *sendJob),
		jobs:         make(map[string]*sendJob),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Send accepts a draft and returns immediately with a Pending message that
// is already inserted into the conversation's merge buffer. Upload and
// write happen asynchronously on the conversation's lane.
func (q *SendQueue) Send(conversationID string, draft Draft) (Message, error) {
	if conversationID == "" {
		return Message{}, errors.New("chat: missing conversation id")
	}
	kind := draft.Kind
	if kind == "" {
		kind = MessageText
	}
	if kind == MessageText && draft.Text == "" {
		return Message{}, errors.New("chat: empty text message")
	}
	if kind != MessageText && draft.Media == nil {
		return Message{}, fmt.Errorf("chat: %s message without media", kind)
	}

	now := q.now()
	localID, err := NewLocalID(now)
	if err != nil {
		return Message{}, fmt.Errorf("chat: new local id: %w", err)
	}

	entry := OutboxEntry{
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       q.selfID,
		Nonce:          NewNonce(),
		Kind:           kind,
		Text:           draft.Text,
		ReplyToID:      draft.ReplyToID,
		State:          OutboxQueued,
		CreatedAt:      now,
	}
	if draft.Media != nil {
		entry.MediaContentType = draft.Media.ContentType
		entry.MediaBlob = draft.Media.Data
	}

	job := &sendJob{entry: entry, queued: true}

	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return Message{}, ErrClosed
	default:
	}
	q.jobs[localID] = job
	lane := q.laneLocked(conversationID)
	q.mu.Unlock()

	// Journal first so the send survives a crash between here and the
	// store write. Failure to journal is non-fatal (logged, send proceeds).
	q.journal(entry)

	msg := entry.message()
	if merger := q.resolve(conversationID); merger != nil {
		merger.AddPending(msg)
	}

	select {
	case lane <- job:
	default:
		q.dropOverflow(job)
		return Message{}, fmt.Errorf("%w: conversation %s", ErrQueueFull, conversationID)
	}

	if q.metrics != nil {
		q.metrics.SendsSubmitted.Inc()
	}
	q.log.Debug("send.accepted", "conversation_id", conversationID, "id", localID, "kind", string(kind))
	return msg, nil
}

// Retry re-attempts a failed send using the same nonce, so a duplicate
// message can never be created. Idempotent: retrying a message that is
// already queued or in flight is a no-op.
func (q *SendQueue) Retry(messageID string) error {
	q.mu.Lock()
	job, ok := q.jobs[messageID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if job.queued {
		q.mu.Unlock()
		return nil
	}
	job.queued = true
	job.entry.State = OutboxQueued
	lane := q.laneLocked(job.entry.ConversationID)
	q.mu.Unlock()

	if err := q.outbox.SetState(context.Background(), messageID, OutboxQueued); err != nil {
		q.log.Warn("send.outbox.state.fail", "id", messageID, "err", err)
	}
	if merger := q.resolve(job.entry.ConversationID); merger != nil {
		merger.MarkPending(messageID)
	}

	select {
	case lane <- job:
	default:
		q.failJob(job, StageWrite, ErrQueueFull)
		return fmt.Errorf("%w: conversation %s", ErrQueueFull, job.entry.ConversationID)
	}

	if q.metrics != nil {
		q.metrics.SendRetries.Inc()
	}
	return nil
}

// Discard drops a failed send: it disappears from the merge buffer and the
// outbox. Queued or in-flight sends cannot be discarded.
func (q *SendQueue) Discard(messageID string) error {
	q.mu.Lock()
	job, ok := q.jobs[messageID]
	if ok && job.queued {
		q.mu.Unlock()
		return fmt.Errorf("chat: message %s is in flight", messageID)
	}
	delete(q.jobs, messageID)
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if err := q.outbox.Delete(context.Background(), messageID); err != nil {
		q.log.Warn("send.outbox.delete.fail", "id", messageID, "err", err)
	}
	if merger := q.resolve(job.entry.ConversationID); merger != nil {
		merger.Remove(messageID)
	}
	return nil
}

// Resume reloads journaled sends after a restart: queued entries re-enter
// their lanes (same nonce, so an echo of a pre-crash write dedupes), failed
// entries wait for a user retry.
func (q *SendQueue) Resume(ctx context.Context) error {
	entries, err := q.outbox.Pending(ctx)
	if err != nil {
		return fmt.Errorf("chat: outbox resume: %w", err)
	}
	for _, e := range entries {
		job := &sendJob{entry: e, queued: e.State == OutboxQueued}

		q.mu.Lock()
		if _, exists := q.jobs[e.LocalID]; exists {
			q.mu.Unlock()
			continue
		}
		q.jobs[e.LocalID] = job
		lane := q.laneLocked(e.ConversationID)
		q.mu.Unlock()

		if job.queued {
			select {
			case lane <- job:
			default:
				q.failJob(job, StageWrite, ErrQueueFull)
			}
		}
	}
	if len(entries) > 0 {
		q.log.Info("send.outbox.resumed", "entries", len(entries))
	}
	return nil
}

// PendingMessages returns the unresolved local messages for a conversation
// (used to seed a freshly opened merge buffer).
func (q *SendQueue) PendingMessages(conversationID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Message
	for _, job := range q.jobs {
		if job.entry.ConversationID == conversationID {
			out = append(out, job.entry.message())
		}
	}
	return out
}

// Close stops lane processing. Journaled sends resume on next start.
func (q *SendQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

// ---- lane processing ----

// laneLocked returns (starting if needed) the conversation's lane. Caller
// holds mu.
func (q *SendQueue) laneLocked(conversationID string) chan *sendJob {
	lane, ok := q.lanes[conversationID]
	if !ok {
		lane = make(chan *sendJob, q.laneSize)
		q.lanes[conversationID] = lane
		go q.runLane(conversationID, lane)
	}
	return lane
}

// runLane drains one conversation's submission lane. Single consumer: the
// lane itself is the only goroutine advancing its head, which is what
// enforces the per-sender ordering guarantee.
func (q *SendQueue) runLane(conversationID string, lane chan *sendJob) {
	for {
		select {
		case <-q.done:
			return
		case job := <-lane:
			q.process(conversationID, job)
		}
	}
}

func (q *SendQueue) process(conversationID string, job *sendJob) {
	entry := job.entry

	// Upload stage (skipped when a prior attempt already uploaded).
	if len(entry.MediaBlob) > 0 && entry.MediaURL == "" {
		ctx, cancel := context.WithTimeout(context.Background(), q.writeTimeout)
		url, err := q.upload.Upload(ctx, MediaBlob{ContentType: entry.MediaContentType, Data: entry.MediaBlob})
		cancel()
		if err != nil {
			q.failJob(job, StageUpload, err)
			return
		}
		entry.MediaURL = url

		q.mu.Lock()
		job.entry.MediaURL = url
		q.mu.Unlock()
		if err := q.outbox.SetMediaURL(context.Background(), entry.LocalID, url); err != nil {
			q.log.Warn("send.outbox.media.fail", "id", entry.LocalID, "err", err)
		}
	}

	rec := MessageRecord{
		ConversationID: entry.ConversationID,
		SenderID:       entry.SenderID,
		Nonce:          entry.Nonce,
		Kind:           entry.Kind,
		Text:           entry.Text,
		MediaURL:       entry.MediaURL,
		ReplyToID:      entry.ReplyToID,
		SentAt:         entry.CreatedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.writeTimeout)
	err := q.store.Write(ctx, MessagesPath(entry.ConversationID), rec)
	cancel()
	if err != nil {
		q.failJob(job, StageWrite, err)
		return
	}

	q.mu.Lock()
	job.queued = false
	delete(q.jobs, entry.LocalID)
	q.mu.Unlock()

	if err := q.outbox.Delete(context.Background(), entry.LocalID); err != nil {
		q.log.Warn("send.outbox.delete.fail", "id", entry.LocalID, "err", err)
	}
	q.log.Debug("send.confirmed", "conversation_id", conversationID, "id", entry.LocalID)
}

// failJob scopes a failure to the one message: deliveryState goes Failed,
// the conversation stream itself is unaffected.
func (q *SendQueue) failJob(job *sendJob, stage SendStage, cause error) {
	q.mu.Lock()
	job.queued = false
	job.entry.State = OutboxFailed
	entry := job.entry
	q.mu.Unlock()

	sendErr := &SendError{Stage: stage, Err: cause}
	if q.metrics != nil {
		q.metrics.SendsFailed.WithLabelValues(stage.String()).Inc()
	}
	q.log.Info("send.fail", "conversation_id", entry.ConversationID, "id", entry.LocalID, "err", sendErr)

	if err := q.outbox.SetState(context.Background(), entry.LocalID, OutboxFailed); err != nil {
		q.log.Warn("send.outbox.state.fail", "id", entry.LocalID, "err", err)
	}
	if merger := q.resolve(entry.ConversationID); merger != nil {
		merger.MarkFailed(entry.LocalID)
	}
}

// dropOverflow rolls back a send rejected by a full lane.
func (q *SendQueue) dropOverflow(job *sendJob) {
	q.mu.Lock()
	delete(q.jobs, job.entry.LocalID)
	q.mu.Unlock()

	if err := q.outbox.Delete(context.Background(), job.entry.LocalID); err != nil {
		q.log.Warn("send.outbox.delete.fail", "id", job.entry.LocalID, "err", err)
	}
	if merger := q.resolve(job.entry.ConversationID); merger != nil {
		merger.Remove(job.entry.LocalID)
	}
}

func (q *SendQueue) journal(e OutboxEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), q.writeTimeout)
	defer cancel()
	if err := q.outbox.Put(ctx, e); err != nil {
		q.log.Warn("send.outbox.put.fail", "id", e.LocalID, "err", err)
	}
}

// message converts an outbox entry to its local Message representation.
func (e OutboxEntry) message() Message {
	state := DeliveryPending
	if e.State == OutboxFailed {
		state = DeliveryFailed
	}
	return Message{
		ID:             e.LocalID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Nonce:          e.Nonce,
		Kind:           e.Kind,
		Text:           e.Text,
		MediaURL:       e.MediaURL,
		ReplyToID:      e.ReplyToID,
		SentAt:         e.CreatedAt,
		Delivery:       state,
	}
}
