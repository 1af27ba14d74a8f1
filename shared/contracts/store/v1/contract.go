// Package v1 defines the Ripple Store Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the sync engine and store gateways to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeSubscribe opens a subscription to a path (client -> server).
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe closes a subscription to a path (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeWrite stores a full value at a path (client -> server).
	TypeWrite = "write"
	// TypeUpdate applies a partial patch at a path (client -> server).
	TypeUpdate = "update"

	// TypeSnapshot delivers the full current value of a subscribed path
	// (server -> client). Redelivered after reconnection.
	TypeSnapshot = "snapshot"
	// TypePatch delivers an incremental change to a subscribed path
	// (server -> client).
	TypePatch = "patch"

	// TypeAck confirms a write/update/subscribe request (server -> client).
	// The envelope ID echoes the request's ID.
	TypeAck = "ack"

	// TypeError reports a failed request or a terminal subscription error
	// (server -> client). For request failures the envelope ID echoes the
	// request's ID; for subscription errors the Path identifies the stream.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Path    string          `json:"path,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSubscribe,
		TypeUnsubscribe,
		TypeWrite,
		TypeUpdate:
		if strings.TrimSpace(e.Path) == "" {
			return fmt.Errorf("missing field: path (type %q)", e.Type)
		}
		return nil
	case TypeSnapshot,
		TypePatch:
		if strings.TrimSpace(e.Path) == "" {
			return fmt.Errorf("missing field: path (type %q)", e.Type)
		}
		return nil
	case TypeAck, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether the error code denotes a permanent condition
// (the subscription or request must not be retried as-is).
func (p ErrorPayload) Terminal() bool {
	switch p.Code {
	case CodePermissionDenied, CodeInvalidPath:
		return true
	default:
		return false
	}
}

// Error codes (wire-stable).
const (
	CodePermissionDenied = "permission_denied"
	CodeInvalidPath      = "invalid_path"
	CodeUnavailable      = "unavailable"
	CodeBadRequest       = "bad_request"
)
