// Package transport defines the external socket collaborator the
// connection engine requires (spec §6) and a real TCP implementation of it.
package transport

import (
	"context"
	"time"
)

// Socket is the external capability the engine consumes: a connect/write/
// disconnect surface plus two asynchronous notifications. The engine never
// talks to a raw net.Conn directly, only to this interface, so tests can
// substitute a net.Pipe()-backed fake.
type Socket interface {
	// Connect dials host:port, failing if it does not complete within
	// timeout or ctx is cancelled first.
	Connect(ctx context.Context, host string, port uint16, timeout time.Duration) error

	// Write sends data, failing if it does not complete within timeout.
	// The engine never calls Write concurrently with itself; that
	// single-writer discipline is the outbound lane's job, not this
	// interface's.
	Write(ctx context.Context, data []byte, timeout time.Duration) error

	// Disconnect closes the underlying connection. Idempotent.
	Disconnect() error

	// SetOnData registers the callback invoked with each chunk of bytes
	// as it arrives. Must be called before Connect.
	SetOnData(func([]byte))

	// SetOnDisconnect registers the callback invoked exactly once when
	// the connection ends, whether by remote close, read error, or a
	// local Disconnect. err is nil for a local, intentional Disconnect.
	SetOnDisconnect(func(err error))
}
