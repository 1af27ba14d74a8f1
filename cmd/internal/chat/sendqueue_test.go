package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingStore captures Write calls in order, can fail a set number of
// writes, and can slow writes down to hold a job in flight.
type recordingStore struct {
	mu       sync.Mutex
	writes   []MessageRecord
	failures int
	delay    time.Duration
}

func (s *recordingStore) Subscribe(string, func(Event), func(error)) (func(), error) {
	return func() {}, nil
}

func (s *recordingStore) Write(_ context.Context, _ string, value any) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	rec, ok := value.(MessageRecord)
	if !ok {
		return errors.New("unexpected write value")
	}
	s.writes = append(s.writes, rec)
	return nil
}

func (s *recordingStore) Update(context.Context, string, any) error { return nil }

func (s *recordingStore) written() []MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MessageRecord(nil), s.writes...)
}

// slowUploader delays every upload, long enough for a later text send to
// overtake it if ordering were broken.
type slowUploader struct {
	delay time.Duration
	err   error
}

func (u slowUploader) Upload(context.Context, MediaBlob) (string, error) {
	time.Sleep(u.delay)
	if u.err != nil {
		return "", u.err
	}
	return "https://media.example/blob", nil
}

func TestSendQueuePreservesOrderAcrossSlowUpload(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	q := NewSendQueue(testLogger(), store, slowUploader{delay: 80 * time.Millisecond}, nil, nil, "u1", nil)
	defer q.Close()

	_, err := q.Send("c1", Draft{Kind: MessageImage, Media: &MediaBlob{ContentType: "image/png", Data: []byte{1}}})
	require.NoError(t, err)
	_, err = q.Send("c1", Draft{Text: "after the photo"})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		return len(store.written()) == 2
	}, "both sends reach the store")

	got := store.written()
	require.Equal(t, MessageImage, got[0].Kind, "photo submits first")
	require.Equal(t, "after the photo", got[1].Text)
}

func TestSendQueueRetryKeepsNonce(t *testing.T) {
	t.Parallel()

	store := &recordingStore{failures: 1}
	merger := NewMerger(testLogger(), "c1", nil, WithPendingTimeout(time.Hour))
	defer merger.Close()
	resolve := func(string) *Merger { return merger }

	q := NewSendQueue(testLogger(), store, nil, nil, nil, "u1", resolve)
	defer q.Close()

	msg, err := q.Send("c1", Draft{Text: "flaky"})
	require.NoError(t, err)
	require.Equal(t, DeliveryPending, msg.Delivery)
	require.True(t, IsLocalID(msg.ID))

	waitFor(t, 5*time.Second, func() bool {
		msgs := merger.Messages()
		return len(msgs) == 1 && msgs[0].Delivery == DeliveryFailed
	}, "first attempt fails")

	require.NoError(t, q.Retry(msg.ID))

	waitFor(t, 5*time.Second, func() bool {
		return len(store.written()) == 1
	}, "retry reaches the store")

	require.Equal(t, msg.Nonce, store.written()[0].Nonce, "retry must reuse the nonce")
}

func TestSendQueueRetryIsIdempotent(t *testing.T) {
	t.Parallel()

	store := &recordingStore{failures: 1, delay: 100 * time.Millisecond}
	merger := NewMerger(testLogger(), "c1", nil, WithPendingTimeout(time.Hour))
	defer merger.Close()

	q := NewSendQueue(testLogger(), store, nil, nil, nil, "u1", func(string) *Merger { return merger })
	defer q.Close()

	msg, err := q.Send("c1", Draft{Text: "flaky"})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		msgs := merger.Messages()
		return len(msgs) == 1 && msgs[0].Delivery == DeliveryFailed
	}, "first attempt fails")

	// Retrying twice must resubmit once: the slow write keeps the job in
	// flight, so the second call sees it already queued and is a no-op.
	require.NoError(t, q.Retry(msg.ID))
	require.NoError(t, q.Retry(msg.ID))

	waitFor(t, 5*time.Second, func() bool {
		return len(store.written()) == 1
	}, "exactly one write reaches the store")
	require.Equal(t, msg.Nonce, store.written()[0].Nonce)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, store.written(), 1, "double retry must not produce a second write")
}

func TestSendQueueRetryUnknownMessage(t *testing.T) {
	t.Parallel()

	q := NewSendQueue(testLogger(), &recordingStore{}, nil, nil, nil, "u1", nil)
	defer q.Close()

	require.ErrorIs(t, q.Retry("local-missing"), ErrUnknownMessage)
}

func TestSendQueueDiscardRefusesInFlight(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	// A long upload keeps the job in flight.
	q := NewSendQueue(testLogger(), store, slowUploader{delay: 2 * time.Second}, nil, nil, "u1", nil)
	defer q.Close()

	msg, err := q.Send("c1", Draft{Kind: MessageImage, Media: &MediaBlob{ContentType: "image/png", Data: []byte{1}}})
	require.NoError(t, err)

	err = q.Discard(msg.ID)
	require.Error(t, err, "in-flight sends cannot be discarded")
}

func TestSendQueueDiscardFailedSend(t *testing.T) {
	t.Parallel()

	store := &recordingStore{failures: 10}
	outbox := NewMemoryOutbox()
	merger := NewMerger(testLogger(), "c1", nil, WithPendingTimeout(time.Hour))
	defer merger.Close()

	q := NewSendQueue(testLogger(), store, nil, outbox, nil, "u1", func(string) *Merger { return merger })
	defer q.Close()

	msg, err := q.Send("c1", Draft{Text: "doomed"})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		msgs := merger.Messages()
		return len(msgs) == 1 && msgs[0].Delivery == DeliveryFailed
	}, "send fails")

	require.NoError(t, q.Discard(msg.ID))
	require.Empty(t, merger.Messages())

	pending, err := outbox.Pending(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending, "discard clears the journal")
}

func TestSendQueueResumeReplaysJournal(t *testing.T) {
	t.Parallel()

	outbox := NewMemoryOutbox()
	now := time.Now().UTC()
	require.NoError(t, outbox.Put(context.Background(), OutboxEntry{
		LocalID:        "local-r1",
		ConversationID: "c1",
		SenderID:       "u1",
		Nonce:          "n-r1",
		Kind:           MessageText,
		Text:           "from before the crash",
		State:          OutboxQueued,
		CreatedAt:      now,
	}))
	require.NoError(t, outbox.Put(context.Background(), OutboxEntry{
		LocalID:        "local-r2",
		ConversationID: "c1",
		SenderID:       "u1",
		Nonce:          "n-r2",
		Kind:           MessageText,
		Text:           "was already failed",
		State:          OutboxFailed,
		CreatedAt:      now.Add(time.Second),
	}))

	store := &recordingStore{}
	q := NewSendQueue(testLogger(), store, nil, outbox, nil, "u1", nil)
	defer q.Close()

	require.NoError(t, q.Resume(context.Background()))

	waitFor(t, 5*time.Second, func() bool {
		return len(store.written()) == 1
	}, "queued entry resubmits")
	require.Equal(t, "n-r1", store.written()[0].Nonce)

	// The failed entry waits for an explicit retry.
	waitFor(t, 5*time.Second, func() bool {
		return len(q.PendingMessages("c1")) == 1
	}, "confirmed entry leaves the queue")
	msgs := q.PendingMessages("c1")
	require.Equal(t, "local-r2", msgs[0].ID)
	require.Equal(t, DeliveryFailed, msgs[0].Delivery)
}

func TestSendQueueValidatesDrafts(t *testing.T) {
	t.Parallel()

	q := NewSendQueue(testLogger(), &recordingStore{}, nil, nil, nil, "u1", nil)
	defer q.Close()

	_, err := q.Send("", Draft{Text: "x"})
	require.Error(t, err)

	_, err = q.Send("c1", Draft{})
	require.Error(t, err, "empty text message")

	_, err = q.Send("c1", Draft{Kind: MessageImage})
	require.Error(t, err, "image without media")
}
