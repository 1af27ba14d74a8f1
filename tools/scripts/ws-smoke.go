// Package main provides a CI-friendly WebSocket smoke test for a Ripple
// store gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - subscribe -> snapshot delivery
//   - write -> ack
//   - patch fanout to another subscriber
//   - idempotent dedupe by nonce (no second fanout)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "ripple/shared/contracts/store/v1"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "ripple.store.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/store", "WebSocket URL")
		convID  = flag.String("conv", "dev-room-1", "Conversation ID to exercise")
		text    = flag.String("text", "hello ripple", "Message text to write")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()
	path := "conversations/" + *convID + "/messages"

	a := mustConnect(root, "A", *wsURL, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *timeout)
	defer closeWS(b.conn)

	mustSubscribe(root, a, path, *timeout)
	mustSubscribe(root, b, path, *timeout)

	nonce := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	mustWriteMessage(root, a, path, nonce, *text, *timeout)

	serverID := mustAssertFanout(root, b, path, nonce, *text, *timeout)

	// Same nonce again: the gateway must ack without a second fanout.
	mustWriteMessage(root, a, path, nonce, *text, *timeout)
	mustAssertNoPatch(root, b, 1200*time.Millisecond)

	fmt.Printf("OK: path=%s nonce=%s server_id=%s\n", path, nonce, serverID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if sp := conn.Subprotocol(); sp != "" && sp != subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, sp, subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, path string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSubscribe,
		Path: path,
		TS:   time.Now().UTC(),
	}
	mustWriteEnvelope(parent, c.conn, env, stepTimeout)

	snap := c.mustReadUntilType(parent, v1.TypeSnapshot, stepTimeout)
	if snap.Path != path {
		fatalf("snapshot path mismatch (%s): got=%q want=%q", c.name, snap.Path, path)
	}
}

func mustWriteMessage(parent context.Context, c *smokeClient, path, nonce, text string, stepTimeout time.Duration) {
	id := fmt.Sprintf("%s-write-%s", c.name, nonce)
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeWrite,
		ID:   id,
		Path: path,
		TS:   time.Now().UTC(),
		Payload: mustJSON(map[string]any{
			"nonce": nonce,
			"kind":  "text",
			"text":  text,
		}),
	}
	mustWriteEnvelope(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeAck, stepTimeout)
	if ack.ID != id {
		fatalf("ack id mismatch (%s): got=%q want=%q", c.name, ack.ID, id)
	}
}

func mustAssertFanout(parent context.Context, c *smokeClient, path, nonce, text string, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, v1.TypePatch, stepTimeout)
	if env.Path != path {
		fatalf("patch path mismatch (%s): got=%q want=%q", c.name, env.Path, path)
	}

	var p struct {
		Put *struct {
			ID    string `json:"id"`
			Nonce string `json:"nonce"`
			Text  string `json:"text"`
		} `json:"put"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal patch payload (%s): %v", c.name, err)
	}
	if p.Put == nil {
		fatalf("patch missing put (%s)", c.name)
	}
	if p.Put.Nonce != nonce {
		fatalf("patch nonce mismatch (%s): got=%q want=%q", c.name, p.Put.Nonce, nonce)
	}
	if p.Put.Text != text {
		fatalf("patch text mismatch (%s): got=%q want=%q", c.name, p.Put.Text, text)
	}
	if strings.TrimSpace(p.Put.ID) == "" {
		fatalf("patch missing server id (%s)", c.name)
	}
	return p.Put.ID
}

func mustAssertNoPatch(parent context.Context, c *smokeClient, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == v1.TypePatch {
				fatalf("unexpected patch after duplicate nonce (%s)", c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustWriteEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
