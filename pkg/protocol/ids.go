package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// NewAgentID generates a fresh agent identifier: the first 8 hex digits of
// a random UUIDv4, uppercased and grouped as XXXX-XXXX.
func NewAgentID() string {
	hex := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return hex[:4] + "-" + hex[4:]
}

// NewSessionID generates a fresh session identifier: the first 8 lowercase
// hex digits of a random UUIDv4.
func NewSessionID() string {
	return shortID()
}

// NewStreamID generates a fresh stream identifier, same shape as a session
// ID, minted on the controller side when a new TCP connection is accepted.
func NewStreamID() string {
	return shortID()
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
