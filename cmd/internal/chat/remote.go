package chat

import (
	"context"
	"encoding/json"
)

// EventKind discriminates full-value and incremental subscription events.
type EventKind uint8

const (
	// EventSnapshot carries the full current value of a path.
	// The store delivers one after subscribing and may redeliver after
	// reconnection.
	EventSnapshot EventKind = iota
	// EventPatch carries an incremental change to a path.
	EventPatch
)

// Event is one delivery on a RemoteStore subscription.
type Event struct {
	Path string
	Kind EventKind
	Data json.RawMessage
}

// RemoteStore is the minimum capability the engine requires from the
// real-time backend. It is vendor-agnostic: the store guarantees eventual
// delivery of the full current value, then incremental patches, and may
// redeliver the full value after reconnection. No transactional cross-path
// guarantee is assumed.
type RemoteStore interface {
	// Subscribe opens a stream for path. onEvent is called for every
	// delivery; onError is called at most once with a terminal error,
	// after which no more events arrive. The returned cancel func stops
	// delivery and is safe to call more than once.
	Subscribe(path string, onEvent func(Event), onError func(error)) (cancel func(), err error)

	// Write stores a full value at path (fire-and-confirm).
	// For collection paths the store assigns the record identity.
	Write(ctx context.Context, path string, value any) error

	// Update applies a partial patch at path (fire-and-confirm).
	Update(ctx context.Context, path string, patch any) error
}

// Uploader is the media upload collaborator. No retry guarantee is built
// in; retries are SendQueue's responsibility.
type Uploader interface {
	Upload(ctx context.Context, blob MediaBlob) (url string, err error)
}

// MediaBlob is an in-memory media payload awaiting upload.
type MediaBlob struct {
	ContentType string
	Data        []byte
}

// ---- path layout ----

// SessionIndexPath addresses a user's conversation index.
func SessionIndexPath(userID string) string { return "users/" + userID + "/sessions" }

// ProfilePath addresses a user's public profile record.
func ProfilePath(userID string) string { return "users/" + userID + "/profile" }

// MessagesPath addresses a conversation's message collection.
func MessagesPath(conversationID string) string {
	return "conversations/" + conversationID + "/messages"
}

// CursorsPath addresses a conversation's read-cursor collection.
func CursorsPath(conversationID string) string {
	return "conversations/" + conversationID + "/cursors"
}

// PresencePath addresses a user's presence record.
func PresencePath(userID string) string { return "presence/" + userID }
