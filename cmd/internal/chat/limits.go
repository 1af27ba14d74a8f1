package chat

import "time"

// Engine-wide defaults. Each is overridable where it matters (options on
// the owning component); these are the values production uses.
const (
	// Grace period between the last Release of a key and actual teardown,
	// absorbing rapid mount/unmount cycles.
	defaultTeardownGrace = 2 * time.Second

	// Cooldown window during which Acquire refuses a degraded key.
	defaultDegradedCooldown = 30 * time.Second

	// Pending messages with no authoritative echo within this window
	// transition to Failed.
	defaultPendingTimeout = 15 * time.Second

	// Patches referencing an unseen base message are buffered up to this
	// many entries; the oldest is dropped on overflow.
	defaultPatchBufferCap = 50

	// Closed conversation views are retained this long so late send
	// results still land in the merged stream.
	defaultViewRetention = 5 * time.Minute

	// Per-holder event queue size on a subscription handle.
	defaultHandleQueueSize = 64

	// Per-conversation submission lane capacity.
	defaultLaneQueueSize = 256

	// Timeout for a single store write or update issued by the engine.
	defaultWriteTimeout = 30 * time.Second

	// Presence records older than this are treated as offline.
	defaultPresenceStale = 90 * time.Second
)
