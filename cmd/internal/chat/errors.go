package chat

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced at component boundaries.
var (
	// ErrSubscriptionDegraded means the store reported a terminal error
	// for a key and new acquires are refused for a cooldown window.
	// Retryable after the window elapses.
	ErrSubscriptionDegraded = errors.New("chat: subscription degraded")

	// ErrPermissionDenied means the store rejected access to a path.
	ErrPermissionDenied = errors.New("chat: permission denied")

	// ErrUnknownMessage means the referenced message id is not known
	// locally (e.g. retry of a message that was already discarded).
	ErrUnknownMessage = errors.New("chat: unknown message id")

	// ErrClosed means the component has been shut down.
	ErrClosed = errors.New("chat: closed")

	// ErrQueueFull means the per-conversation submission lane is at
	// capacity and the send was rejected.
	ErrQueueFull = errors.New("chat: send queue full")
)

// SendStage identifies where in the submission pipeline a send failed.
type SendStage uint8

const (
	// StageUpload covers media upload failures.
	StageUpload SendStage = iota
	// StageWrite covers store write failures.
	StageWrite
)

// String returns a stable label for logs and tests.
func (s SendStage) String() string {
	switch s {
	case StageUpload:
		return "upload"
	case StageWrite:
		return "write"
	default:
		return "unknown"
	}
}

// SendError wraps a failed send attempt with the stage it failed in.
// Both stages are retryable; the failure is scoped to the one message and
// never fails the conversation stream.
type SendError struct {
	Stage SendStage
	Err   error
}

// Error implements error.
func (e *SendError) Error() string {
	return fmt.Sprintf("chat: send failed at %s: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *SendError) Unwrap() error { return e.Err }
