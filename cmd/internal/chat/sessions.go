package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SessionList maintains the ordered set of conversations for the signed-in
// user.
//
// Display derivation: for DM sessions the name/avatar come from the *other*
// participant's live profile record, not the raw stored name (which may be
// stale). The remote store does not perform this join server-side. Profile
// subscriptions are acquired through the Manager, so they are shared with
// any other component watching the same user.
type SessionList struct {
	log    *slog.Logger
	mgr    *Manager
	selfID string

	retryEvery time.Duration

	mu             sync.Mutex
	sessions       map[string]SessionRecord
	profiles       map[string]ProfileRecord
	profileHandles map[string]*Handle
	watchers       map[chan []ChatSession]struct{}

	indexHandle *Handle
	done        chan struct{}
	closeOnce   sync.Once
	started     bool
}

// NewSessionList constructs a session list synchronizer for userID.
func NewSessionList(log *slog.Logger, mgr *Manager, userID string) *SessionList {
	if log == nil {
		log = slog.Default()
	}
	return &SessionList{
		log:            log,
		mgr:            mgr,
		selfID:         userID,
		retryEvery:     5 * time.Second,
		sessions:       make(map[string]SessionRecord),
		profiles:       make(map[string]ProfileRecord),
		profileHandles: make(map[string]*Handle),
		watchers:       make(map[chan []ChatSession]struct{}),
		done:           make(chan struct{}),
	}
}

// Start subscribes to the user's session index. Idempotent.
func (s *SessionList) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	h, err := s.mgr.Acquire(Key{Kind: KindSessionIndex, ID: s.selfID})
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.indexHandle = h
	s.mu.Unlock()

	go s.runIndex(h)
	return nil
}

// Sessions returns the current ordered session list:
// lastMessageAt descending, ties broken by id ascending; a session with no
// messages yet sorts by its creation timestamp.
func (s *SessionList) Sessions() []ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deriveLocked()
}

// Observe returns a restartable stream of ordered session snapshots.
// The channel conflates (latest value wins). Delivery stops when ctx is
// done.
func (s *SessionList) Observe(ctx context.Context) <-chan []ChatSession {
	ch := make(chan []ChatSession, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	ch <- s.deriveLocked()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}()
	return ch
}

// Close releases every held subscription.
func (s *SessionList) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		idx := s.indexHandle
		s.indexHandle = nil
		profiles := s.profileHandles
		s.profileHandles = make(map[string]*Handle)
		s.watchers = make(map[chan []ChatSession]struct{})
		s.mu.Unlock()

		idx.Release()
		for _, h := range profiles {
			h.Release()
		}
	})
}

// runIndex consumes the session-index stream. On a degraded subscription
// the last-known list stays visible (stale, read-only) and re-acquire is
// retried until it succeeds or the list is closed.
func (s *SessionList) runIndex(h *Handle) {
	for {
		select {
		case <-s.done:
			return
		case err := <-h.Err():
			s.log.Warn("sessions.index.degraded", "user_id", s.selfID, "err", err)
			h = s.reacquireIndex()
			if h == nil {
				return
			}
		case ev := <-h.Events():
			if err := s.apply(ev); err != nil {
				s.log.Warn("sessions.event.fail", "err", err)
			}
		}
	}
}

func (s *SessionList) reacquireIndex() *Handle {
	t := time.NewTicker(s.retryEvery)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return nil
		case <-t.C:
			h, err := s.mgr.Acquire(Key{Kind: KindSessionIndex, ID: s.selfID})
			if err == nil {
				s.mu.Lock()
				select {
				case <-s.done:
					// Closed while re-acquiring; Close already ran, so this
					// handle must be released here.
					s.mu.Unlock()
					h.Release()
					return nil
				default:
				}
				s.indexHandle = h
				s.mu.Unlock()
				s.log.Info("sessions.index.restored", "user_id", s.selfID)
				return h
			}
		}
	}
}

func (s *SessionList) apply(ev Event) error {
	switch ev.Kind {
	case EventSnapshot:
		recs, err := decodeSessionSnapshot(ev.Data)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.sessions = make(map[string]SessionRecord, len(recs))
		for _, r := range recs {
			s.sessions[r.ID] = r
		}
		s.syncProfilesLocked()
		s.notifyLocked()
		s.mu.Unlock()
		return nil
	case EventPatch:
		rec, err := decodeSessionPatch(ev.Data)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.sessions[rec.ID] = rec
		s.syncProfilesLocked()
		s.notifyLocked()
		s.mu.Unlock()
		return nil
	default:
		return nil
	}
}

// syncProfilesLocked reconciles profile subscriptions with the set of DM
// counterparts currently referenced by the index. Caller holds mu.
func (s *SessionList) syncProfilesLocked() {
	want := make(map[string]struct{})
	for _, rec := range s.sessions {
		if rec.Kind != SessionDM {
			continue
		}
		if other := s.otherParticipant(rec); other != "" {
			want[other] = struct{}{}
		}
	}

	for userID := range want {
		if _, ok := s.profileHandles[userID]; ok {
			continue
		}
		h, err := s.mgr.Acquire(Key{Kind: KindProfile, ID: userID})
		if err != nil {
			s.log.Warn("sessions.profile.acquire.fail", "user_id", userID, "err", err)
			continue
		}
		s.profileHandles[userID] = h
		go s.runProfile(userID, h)
	}

	for userID, h := range s.profileHandles {
		if _, ok := want[userID]; !ok {
			delete(s.profileHandles, userID)
			delete(s.profiles, userID)
			h.Release()
		}
	}
}

func (s *SessionList) runProfile(userID string, h *Handle) {
	for {
		select {
		case <-s.done:
			return
		case err := <-h.Err():
			// Stale profile is tolerable; display falls back to the
			// stored session name.
			s.log.Warn("sessions.profile.degraded", "user_id", userID, "err", err)
			return
		case ev := <-h.Events():
			rec, err := decodeProfile(ev.Data)
			if err != nil {
				s.log.Warn("sessions.profile.decode.fail", "user_id", userID, "err", err)
				continue
			}
			s.mu.Lock()
			if _, held := s.profileHandles[userID]; held {
				s.profiles[userID] = rec
				s.notifyLocked()
			}
			s.mu.Unlock()
		}
	}
}

func (s *SessionList) otherParticipant(rec SessionRecord) string {
	for _, id := range rec.ParticipantIDs {
		if id != s.selfID {
			return id
		}
	}
	return ""
}

// deriveLocked recomputes the ordered ChatSession view. Caller holds mu.
func (s *SessionList) deriveLocked() []ChatSession {
	out := make([]ChatSession, 0, len(s.sessions))
	for _, rec := range s.sessions {
		cs := ChatSession{
			ID:                 rec.ID,
			Kind:               rec.Kind,
			ParticipantIDs:     append([]string(nil), rec.ParticipantIDs...),
			DisplayName:        rec.Name,
			DisplayAvatar:      rec.Avatar,
			LastMessagePreview: rec.LastPreview,
			LastMessageAt:      rec.LastMessageAt,
			CreatedAt:          rec.CreatedAt,
		}
		if rec.Kind == SessionDM {
			if p, ok := s.profiles[s.otherParticipant(rec)]; ok {
				if p.DisplayName != "" {
					cs.DisplayName = p.DisplayName
				}
				if p.AvatarURL != "" {
					cs.DisplayAvatar = p.AvatarURL
				}
			}
		}
		out = append(out, cs)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := sessionSortTime(out[i]), sessionSortTime(out[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sessionSortTime(s ChatSession) time.Time {
	if s.LastMessageAt.IsZero() {
		return s.CreatedAt
	}
	return s.LastMessageAt
}

func (s *SessionList) notifyLocked() {
	if len(s.watchers) == 0 {
		return
	}
	snap := s.deriveLocked()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
