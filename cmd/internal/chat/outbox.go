package chat

import (
	"context"
	"time"
)

// Outbox entry states.
const (
	// OutboxQueued means the entry is waiting in (or eligible for) a
	// submission lane.
	OutboxQueued = "queued"
	// OutboxFailed means the last attempt failed; the entry waits for a
	// user retry or discard.
	OutboxFailed = "failed"
)

// OutboxEntry is the durable record of one optimistic send. It carries
// everything needed to resubmit with the same nonce after a restart.
type OutboxEntry struct {
	LocalID        string
	ConversationID string
	SenderID       string
	Nonce          string

	Kind      MessageKind
	Text      string
	ReplyToID string

	// MediaURL is set once the blob uploaded; retries then skip the
	// upload stage.
	MediaURL         string
	MediaContentType string
	MediaBlob        []byte

	State     string
	CreatedAt time.Time
}

// OutboxStore journals optimistic sends so queued messages survive process
// restarts.
//
// Requirements:
//   - Put is an upsert keyed by LocalID.
//   - Pending returns queued and failed entries ordered by CreatedAt
//     ascending (lane order).
type OutboxStore interface {
	Put(ctx context.Context, e OutboxEntry) error
	SetState(ctx context.Context, localID, state string) error
	SetMediaURL(ctx context.Context, localID, url string) error
	Delete(ctx context.Context, localID string) error
	Pending(ctx context.Context) ([]OutboxEntry, error)
	Close() error
}
