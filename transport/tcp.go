package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPSocket is the default Socket implementation, dialling a plain TCP
// connection with no TLS (spec §6: "Default port 41794. No TLS.").
type TCPSocket struct {
	mu        sync.Mutex
	conn      net.Conn
	closeOnce *sync.Once // one per connection, so each re-dial notifies again

	onData       func([]byte)
	onDisconnect func(error)
}

// NewTCPSocket returns an unconnected TCP socket.
func NewTCPSocket() *TCPSocket {
	return &TCPSocket{}
}

func (s *TCPSocket) SetOnData(f func([]byte))      { s.onData = f }
func (s *TCPSocket) SetOnDisconnect(f func(error)) { s.onDisconnect = f }

// Connect dials host:port and starts the background read loop that feeds
// onData/onDisconnect. If a previous connection is still open (a reconnect
// that never went through Disconnect), it is closed once the new dial
// succeeds, before the new connection replaces it, so re-dialling never
// leaks the old fd.
func (s *TCPSocket) Connect(ctx context.Context, host string, port uint16, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	addr := fmt.Sprintf("%s:%d", host, port)

	connCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := d.DialContext(connCtx, "tcp", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	once := &sync.Once{}
	s.conn = conn
	s.closeOnce = once
	s.mu.Unlock()

	go s.readLoop(conn, once)
	return nil
}

func (s *TCPSocket) readLoop(conn net.Conn, once *sync.Once) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 && s.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.onData(chunk)
		}
		if err != nil {
			s.notifyDisconnect(once, conn, err)
			return
		}
	}
}

// notifyDisconnect closes conn and fires onDisconnect exactly once per
// connection generation, whether the trigger was a remote close, a read
// error, a write failure routed back in, or an explicit Disconnect.
func (s *TCPSocket) notifyDisconnect(once *sync.Once, conn net.Conn, err error) {
	once.Do(func() {
		conn.Close()
		if s.onDisconnect != nil {
			s.onDisconnect(err)
		}
	})
}

// Write sends data with a deadline of timeout.
func (s *TCPSocket) Write(ctx context.Context, data []byte, timeout time.Duration) error {
	s.mu.Lock()
	conn := s.conn
	once := s.closeOnce
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: write on unconnected socket")
	}
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(data)
	if err != nil {
		s.notifyDisconnect(once, conn, err)
	}
	return err
}

// Disconnect closes the connection. Safe to call more than once; the
// onDisconnect callback fires with a nil error exactly once per connection.
func (s *TCPSocket) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	once := s.closeOnce
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.notifyDisconnect(once, conn, nil)
	return nil
}
