package chat

import "time"

// SessionKind discriminates direct and group conversations.
type SessionKind string

// Session kinds (wire-stable).
const (
	SessionDM    SessionKind = "dm"
	SessionGroup SessionKind = "group"
)

// MessageKind discriminates message payload types.
type MessageKind string

// Message kinds (wire-stable).
const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageAudio MessageKind = "audio"
)

// DeliveryState tracks the local lifecycle of a message.
type DeliveryState uint8

const (
	// DeliveryPending means the message exists only in the local merge
	// buffer and has not been confirmed by the store.
	DeliveryPending DeliveryState = iota
	// DeliverySent means the authoritative copy has arrived.
	DeliverySent
	// DeliveryFailed means upload or write failed; the message stays
	// visible until the user retries or discards it.
	DeliveryFailed
)

// String returns a stable label for logs and tests.
func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reaction is one (emoji, user) pair attached to a message.
// The multiset of pairs is the minimum needed to recover per-user
// attribution later; aggregate counts are derived, never stored.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"user_id"`
}

// Message is one entry in a conversation's merged stream.
//
// ID is either a server-assigned ULID (authoritative messages) or a locally
// generated provisional id (pending messages). Provisional ids carry the
// reserved "local-" prefix so the two id spaces never collide.
//
// ReplyToID stores only the parent reference, never an embedded copy of the
// parent message; callers resolve it against the merged stream on demand.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string

	// Nonce is the client-generated content identity used to match a
	// pending message to its authoritative counterpart.
	Nonce string

	Kind      MessageKind
	Text      string
	MediaURL  string
	ReplyToID string

	SentAt    time.Time
	Reactions []Reaction
	Delivery  DeliveryState
}

// ChatSession is one conversation in the signed-in user's session list.
// It is derived state: recomputed whenever the session index or the
// underlying participant profiles change, never authored directly.
type ChatSession struct {
	ID             string
	Kind           SessionKind
	ParticipantIDs []string

	DisplayName   string
	DisplayAvatar string

	LastMessagePreview string
	LastMessageAt      time.Time
	CreatedAt          time.Time

	// UnreadCount is owned exclusively by UnreadAggregator; SessionList
	// always reports zero here.
	UnreadCount int
}

// UnreadCursor is the watermark of the last message a user acknowledged
// reading in a conversation. Mutated only by the reading user; monotonic.
type UnreadCursor struct {
	ConversationID    string
	UserID            string
	LastReadMessageID string
	LastReadAt        time.Time
}

// Presence is the best-effort online state of a participant.
// A stale or missing record is treated as offline; presence is never used
// for correctness decisions.
type Presence struct {
	UserID     string
	Online     bool
	LastSeenAt time.Time
}

// UnreadState is one emission of the unread aggregator: per-conversation
// counts plus the derived total.
type UnreadState struct {
	PerConversation map[string]int
	Total           int
}
