package chat

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// LocalIDPrefix is reserved for provisional message ids. Server-assigned
// ids are bare ULIDs, so the two id spaces never collide by construction.
const LocalIDPrefix = "local-"

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps id tie-breaks in the
// merged stream aligned with creation order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewLocalID returns a provisional message id for an optimistic send.
func NewLocalID(now time.Time) (string, error) {
	id, err := NewULID(now)
	if err != nil {
		return "", err
	}
	return LocalIDPrefix + id, nil
}

// IsLocalID reports whether id belongs to the provisional id space.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// NewNonce returns a client-generated content identity for an optimistic
// send. The nonce travels inside the message payload and matches the
// pending entry to its authoritative echo.
func NewNonce() string {
	return uuid.NewString()
}
