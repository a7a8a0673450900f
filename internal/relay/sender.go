//go:generate go run go.uber.org/mock/mockgen -source=sender.go -destination=mocks/mock_sender.go -package=mocks

// Package relay holds the room-scoped broadcast core: the connection
// registry, the room directory, the dispatcher and the broadcast engine, all
// owned by a single Hub goroutine.
package relay

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateConnection is returned when an id is registered twice.
	ErrDuplicateConnection = errors.New("connection already registered")

	// ErrHubClosed is returned by Connect once Shutdown has started.
	ErrHubClosed = errors.New("hub is shut down")

	// ErrNilSender is returned by Connect when given no transport.
	ErrNilSender = errors.New("nil sender")
)

// ConnID identifies a connection for its whole lifetime. It is issued by the
// hub and never derived from the transport.
type ConnID = uuid.UUID

// Sender is the transport side of one connection. Send must not block: it
// queues the frame or fails. Close tears down the transport; the connection's
// reader then observes the closure and unregisters it.
type Sender interface {
	Send(payload []byte) error
	Close() error
}
