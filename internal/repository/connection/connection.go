package connection

import (
	"errors"

	"github.com/listentogether/relay/pkg/protocol"
)

var (
	ErrNotFound      = errors.New("connection not found")
	ErrAlreadyExists = errors.New("connection already exists")
)

// Peer is one live client connection as seen by the room authority.
type Peer interface {
	ID() string
	// Send queues msg for delivery and reports false when the peer is gone
	// or its outbound buffer is full.
	Send(msg protocol.Message) bool
	// Close sends a close frame with code once all queued messages are
	// written.
	Close(code int, reason string)
}
