package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	storev1 "ripple/shared/contracts/store/v1"
)

const (
	wsSubprotocol = "ripple.store.v1"

	wsMaxFrameBytes   = 1 << 20 // 1 MiB
	wsDefaultWriteTO  = 5 * time.Second
	wsBackoffBase     = 1 * time.Second
	wsBackoffMax      = 30 * time.Second
	wsReconnectBurst  = 3
	wsReconnectEvery  = time.Second
	wsDefaultDialTO   = 10 * time.Second
	wsPendingAckLimit = 1024
)

// WSStore is a RemoteStore backed by a websocket gateway speaking the
// Ripple Store Protocol v1 (shared/contracts/store/v1).
//
// Reconnection is automatic with jittered exponential backoff, paced by a
// rate limiter. After reconnecting, every subscribed path is resubscribed
// and the gateway redelivers full snapshots, which is exactly the
// redelivery semantic RemoteStore promises. Writes issued while
// disconnected fail fast (the send queue owns retries).
type WSStore struct {
	log *slog.Logger
	url string

	httpClient   *http.Client
	writeTimeout time.Duration
	limiter      *rate.Limiter

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]map[int]*wsSub
	nextSub int
	pending map[string]chan error
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

type wsSub struct {
	onEvent func(Event)
	onError func(error)
}

// WSStoreOption configures a WSStore.
type WSStoreOption func(*WSStore)

// WithHTTPClient overrides the HTTP client used for dialing.
func WithHTTPClient(c *http.Client) WSStoreOption {
	return func(s *WSStore) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithWSWriteTimeout overrides the per-frame write timeout.
func WithWSWriteTimeout(d time.Duration) WSStoreOption {
	return func(s *WSStore) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// DialWSStore connects to a store gateway and starts the read loop.
func DialWSStore(ctx context.Context, log *slog.Logger, url string, opts ...WSStoreOption) (*WSStore, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &WSStore{
		log:          log,
		url:          url,
		httpClient:   http.DefaultClient,
		writeTimeout: wsDefaultWriteTO,
		limiter:      rate.NewLimiter(rate.Every(wsReconnectEvery), wsReconnectBurst),
		subs:         make(map[string]map[int]*wsSub),
		pending:      make(map[string]chan error),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	return s, nil
}

// Subscribe registers a subscriber for path. The gateway delivers a full
// snapshot first, then patches.
func (s *WSStore) Subscribe(path string, onEvent func(Event), onError func(error)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextSub++
	id := s.nextSub
	first := len(s.subs[path]) == 0
	if s.subs[path] == nil {
		s.subs[path] = make(map[int]*wsSub)
	}
	s.subs[path][id] = &wsSub{onEvent: onEvent, onError: onError}
	conn := s.conn
	s.mu.Unlock()

	if first && conn != nil {
		if err := s.sendControl(storev1.TypeSubscribe, path); err != nil {
			// The resubscribe pass after reconnection covers this.
			s.log.Warn("store.ws.subscribe.fail", "path", path, "err", err)
		}
	}

	cancel := func() {
		s.mu.Lock()
		last := false
		if m := s.subs[path]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(s.subs, path)
				last = true
			}
		}
		closed := s.closed
		s.mu.Unlock()

		if last && !closed {
			if err := s.sendControl(storev1.TypeUnsubscribe, path); err != nil {
				s.log.Debug("store.ws.unsubscribe.fail", "path", path, "err", err)
			}
		}
	}
	return cancel, nil
}

// Write stores a full value at path (fire-and-confirm).
func (s *WSStore) Write(ctx context.Context, path string, value any) error {
	return s.request(ctx, storev1.TypeWrite, path, value)
}

// Update applies a partial patch at path (fire-and-confirm).
func (s *WSStore) Update(ctx context.Context, path string, patch any) error {
	return s.request(ctx, storev1.TypeUpdate, path, patch)
}

// Close shuts the connection down. Subscriptions receive no further
// events.
func (s *WSStore) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}
	})
}

// ---- wire plumbing ----

func (s *WSStore) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, wsDefaultDialTO)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
		HTTPClient:   s.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: dial store: %w", err)
	}
	if sp := conn.Subprotocol(); sp != wsSubprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("chat: store subprotocol mismatch: got %q", sp)
	}
	conn.SetReadLimit(wsMaxFrameBytes)
	return conn, nil
}

func (s *WSStore) request(ctx context.Context, typ, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("chat: marshal %s: %w", typ, err)
	}

	id := NewNonce()
	ack := make(chan error, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(s.pending) >= wsPendingAckLimit {
		s.mu.Unlock()
		return errors.New("chat: too many in-flight store requests")
	}
	s.pending[id] = ack
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	env := storev1.Envelope{
		V:       storev1.Version,
		Type:    typ,
		ID:      id,
		Path:    path,
		TS:      time.Now().UTC(),
		Payload: body,
	}
	if err := s.writeEnvelope(ctx, env); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case err := <-ack:
		return err
	}
}

func (s *WSStore) sendControl(typ, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return s.writeEnvelope(ctx, storev1.Envelope{
		V:    storev1.Version,
		Type: typ,
		Path: path,
		TS:   time.Now().UTC(),
	})
}

func (s *WSStore) writeEnvelope(ctx context.Context, env storev1.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("chat: store disconnected")
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

func (s *WSStore) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Info("store.ws.read.fail", "close_status", websocket.CloseStatus(err), "err", err)
			s.reconnect()
			return
		}

		var env storev1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("store.ws.bad_json", "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			s.log.Warn("store.ws.bad_envelope", "err", err)
			continue
		}
		s.handle(env)
	}
}

func (s *WSStore) handle(env storev1.Envelope) {
	switch env.Type {
	case storev1.TypeSnapshot, storev1.TypePatch:
		kind := EventSnapshot
		if env.Type == storev1.TypePatch {
			kind = EventPatch
		}
		s.fanout(env.Path, Event{Path: env.Path, Kind: kind, Data: env.Payload})

	case storev1.TypeAck:
		s.resolve(env.ID, nil)

	case storev1.TypeError:
		var p storev1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn("store.ws.bad_error_payload", "err", err)
			return
		}
		err := storeError(p)
		if env.ID != "" {
			s.resolve(env.ID, err)
			return
		}
		if env.Path != "" && p.Terminal() {
			s.failSubscribers(env.Path, err)
			return
		}
		s.log.Warn("store.ws.error", "path", env.Path, "code", p.Code, "msg", p.Message)
	}
}

func (s *WSStore) fanout(path string, ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs[path]))
	for _, sub := range s.subs[path] {
		fns = append(fns, sub.onEvent)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *WSStore) failSubscribers(path string, err error) {
	s.mu.Lock()
	subs := s.subs[path]
	delete(s.subs, path)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

func (s *WSStore) resolve(id string, err error) {
	s.mu.Lock()
	ack := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if ack != nil {
		ack <- err
	}
}

// reconnect redials with jittered exponential backoff (paced by the rate
// limiter), then resubscribes every path so the gateway redelivers
// snapshots.
func (s *WSStore) reconnect() {
	for attempt := 0; ; attempt++ {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.limiter.Wait(context.Background()); err != nil {
			return
		}
		wait := reconnectDelay(attempt)
		s.log.Info("store.ws.reconnecting", "attempt", attempt+1, "wait", wait)
		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}

		conn, err := s.dial(context.Background())
		if err != nil {
			s.log.Warn("store.ws.reconnect.fail", "attempt", attempt+1, "err", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		s.conn = conn
		paths := make([]string, 0, len(s.subs))
		for p := range s.subs {
			paths = append(paths, p)
		}
		s.mu.Unlock()

		for _, p := range paths {
			if err := s.sendControl(storev1.TypeSubscribe, p); err != nil {
				s.log.Warn("store.ws.resubscribe.fail", "path", p, "err", err)
			}
		}
		s.log.Info("store.ws.reconnected", "paths", len(paths))

		go s.readLoop(conn)
		return
	}
}

func reconnectDelay(attempt int) time.Duration {
	d := float64(wsBackoffBase) * math.Pow(2, float64(attempt))
	if d > float64(wsBackoffMax) {
		d = float64(wsBackoffMax)
	}
	// Jitter in [0.5d, 1.0d] avoids thundering herds after an outage.
	return time.Duration(d * (0.5 + rand.Float64()/2))
}

func storeError(p storev1.ErrorPayload) error {
	if p.Code == storev1.CodePermissionDenied {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, p.Message)
	}
	return fmt.Errorf("chat: store error %s: %s", p.Code, p.Message)
}
