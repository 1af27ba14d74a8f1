// Package chat is the client-side synchronization engine for Ripple
// conversations.
//
// It keeps a local view of chat sessions, message threads, unread counters,
// and presence consistent with a remote real-time store that delivers
// unordered, retried, and possibly duplicate change notifications, while
// supporting optimistic local sends (text, image, audio).
//
// The package is organized around six cooperating pieces:
//
//   - Manager: ref-counted ownership of all RemoteStore subscriptions.
//   - SessionList: the ordered set of conversations for the signed-in user.
//   - Merger: an ordered, deduplicated message log per open conversation.
//   - SendQueue: optimistic sends with a per-conversation FIFO lane and a
//     durable outbox.
//   - UnreadAggregator: per-conversation and global unread counts derived
//     from read cursors.
//   - PresenceTracker: best-effort online/offline state per participant.
//
// Engine wires them together and is the only type most callers need.
package chat
