package chat

import (
	"context"
	"log/slog"
	"time"
)

// PresenceTracker tracks online/offline state per participant.
//
// Best-effort only: a stale or missing record is treated as offline, and
// nothing elsewhere uses presence for correctness decisions. Records older
// than the stale window flip to offline even without a new event.
type PresenceTracker struct {
	log        *slog.Logger
	mgr        *Manager
	staleAfter time.Duration
	now        func() time.Time
}

// NewPresenceTracker constructs a presence tracker.
func NewPresenceTracker(log *slog.Logger, mgr *Manager) *PresenceTracker {
	if log == nil {
		log = slog.Default()
	}
	return &PresenceTracker{
		log:        log,
		mgr:        mgr,
		staleAfter: defaultPresenceStale,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Observe returns a stream of presence states for userID. The channel
// conflates (latest value wins) and starts with offline until a record
// arrives. Delivery stops when ctx is done; the underlying subscription is
// shared through the Manager.
func (p *PresenceTracker) Observe(ctx context.Context, userID string) (<-chan Presence, error) {
	h, err := p.mgr.Acquire(Key{Kind: KindPresence, ID: userID})
	if err != nil {
		return nil, err
	}

	ch := make(chan Presence, 1)
	ch <- Presence{UserID: userID}

	go p.run(ctx, userID, h, ch)
	return ch, nil
}

func (p *PresenceTracker) run(ctx context.Context, userID string, h *Handle, ch chan Presence) {
	defer h.Release()

	rec := Presence{UserID: userID}

	push := func(v Presence) {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}

	// Re-evaluate staleness periodically so a silent peer flips offline.
	t := time.NewTicker(p.staleAfter / 2)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-h.Err():
			p.log.Warn("presence.degraded", "user_id", userID, "err", err)
			push(Presence{UserID: userID})
			return
		case <-t.C:
			push(p.evaluate(rec))
		case ev := <-h.Events():
			wire, err := decodePresence(ev.Data)
			if err != nil {
				p.log.Warn("presence.decode.fail", "user_id", userID, "err", err)
				continue
			}
			rec = Presence{UserID: userID, Online: wire.Online, LastSeenAt: wire.LastSeenAt}
			push(p.evaluate(rec))
		}
	}
}

// evaluate applies the staleness rule: a record older than the stale
// window reads as offline regardless of its stored flag.
func (p *PresenceTracker) evaluate(rec Presence) Presence {
	out := rec
	if rec.LastSeenAt.IsZero() || p.now().Sub(rec.LastSeenAt) > p.staleAfter {
		out.Online = false
	}
	return out
}
