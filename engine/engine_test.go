package engine_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crestroncip/codec"
	"crestroncip/engine"
	"crestroncip/errcode"
	"crestroncip/registry"
)

// pipeSocket implements transport.Socket over one end of a net.Pipe(), the
// same fake-socket pattern services/bridge/bridge_test.go uses: a goroutine
// on the other end plays the remote peer.
type pipeSocket struct {
	conn         net.Conn
	onData       func([]byte)
	onDisconnect func(error)
	connectErr   error
}

func (p *pipeSocket) SetOnData(f func([]byte))      { p.onData = f }
func (p *pipeSocket) SetOnDisconnect(f func(error)) { p.onDisconnect = f }

func (p *pipeSocket) Connect(ctx context.Context, host string, port uint16, timeout time.Duration) error {
	if p.connectErr != nil {
		return p.connectErr
	}
	go p.readLoop()
	return nil
}

func (p *pipeSocket) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 && p.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.onData(chunk)
		}
		if err != nil {
			if p.onDisconnect != nil {
				p.onDisconnect(err)
			}
			return
		}
	}
}

func (p *pipeSocket) Write(ctx context.Context, data []byte, timeout time.Duration) error {
	_, err := p.conn.Write(data)
	return err
}

func (p *pipeSocket) Disconnect() error { return p.conn.Close() }

func readFrame(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	var hdr [3]byte
	_, err := io.ReadFull(conn, hdr[:])
	require.NoError(t, err)
	n := int(hdr[1])<<8 | int(hdr[2])
	payload := make([]byte, n)
	if n > 0 {
		_, err = io.ReadFull(conn, payload)
		require.NoError(t, err)
	}
	return hdr[0], payload
}

func writeFrame(t *testing.T, conn net.Conn, typ byte, payload []byte) {
	t.Helper()
	hdr := []byte{typ, byte(len(payload) >> 8), byte(len(payload) & 0xFF)}
	_, err := conn.Write(append(hdr, payload...))
	require.NoError(t, err)
}

func TestRegistrationHandshake(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	sock := &pipeSocket{conn: clientConn}
	e := engine.New(engine.Config{Host: "localhost", IPID: 9}, sock)
	t.Cleanup(e.Stop)

	e.Connect(true)

	require.Eventually(t, func() bool { return e.State() == engine.Connected }, time.Second, time.Millisecond)

	writeFrame(t, remoteConn, codec.FrameRegistrationRequest, nil)
	typ, payload := readFrame(t, remoteConn)
	assert.Equal(t, codec.FrameRegistrationReply, typ)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x09, 0x40, 0xFF, 0xFF, 0xF1, 0x01}, payload)

	writeFrame(t, remoteConn, codec.FrameRegistrationResponse, []byte{0x00, 0x00, 0x00, 0x1F})
	typ, payload = readFrame(t, remoteConn)
	assert.Equal(t, codec.FrameData, typ)
	assert.Equal(t, []byte{0x00, 0x00, 0x02, 0x03, 0x00}, payload)

	require.Eventually(t, func() bool { return e.Registered() }, time.Second, time.Millisecond)
}

func registerEngine(t *testing.T, e *engine.Engine, remoteConn net.Conn) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == engine.Connected }, time.Second, time.Millisecond)
	writeFrame(t, remoteConn, codec.FrameRegistrationRequest, nil)
	readFrame(t, remoteConn) // registration reply
	writeFrame(t, remoteConn, codec.FrameRegistrationResponse, []byte{0x00, 0x00, 0x00, 0x1F})
	readFrame(t, remoteConn) // registration success reply
	require.Eventually(t, func() bool { return e.Registered() }, time.Second, time.Millisecond)
}

func TestEndOfQueryHandshake(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	sock := &pipeSocket{conn: clientConn}
	e := engine.New(engine.Config{Host: "localhost", IPID: 1}, sock)
	t.Cleanup(e.Stop)
	e.Connect(true)
	registerEngine(t, e, remoteConn)

	writeFrame(t, remoteConn, codec.FrameData, []byte{0x00, 0x00, 0x02, 0x03, 0x1C})

	typ, payload := readFrame(t, remoteConn)
	assert.Equal(t, codec.FrameData, typ)
	assert.Equal(t, []byte{0x00, 0x00, 0x02, 0x03, 0x1D}, payload)

	typ, payload = readFrame(t, remoteConn)
	assert.Equal(t, codec.FrameHeartbeatA, typ)
	assert.Equal(t, []byte{0x00, 0x00}, payload)
}

func TestDispatchToSubscriber(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	sock := &pipeSocket{conn: clientConn}
	e := engine.New(engine.Config{Host: "localhost", IPID: 1}, sock)
	t.Cleanup(e.Stop)
	e.Connect(true)
	registerEngine(t, e, remoteConn)

	received := make(chan registry.Value, 1)
	e.Subscribe(registry.Key{Type: codec.Digital, Join: 1}, func(t codec.SignalType, id codec.JoinID, v registry.Value) {
		received <- v
	})

	writeFrame(t, remoteConn, codec.FrameData, []byte{0x00, 0x00, 0x03, 0x00, 0x00, 0x80})

	select {
	case v := <-received:
		assert.False(t, v.Bool)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestSendWhileNotRegisteredReturnsStateError(t *testing.T) {
	clientConn, _ := net.Pipe()
	sock := &pipeSocket{conn: clientConn}
	e := engine.New(engine.Config{Host: "localhost", IPID: 1}, sock)
	t.Cleanup(e.Stop)

	err := e.Press(1)
	var stateErr *errcode.StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestConnectFailureTransitionsToRetrying(t *testing.T) {
	clientConn, _ := net.Pipe()
	sock := &pipeSocket{conn: clientConn, connectErr: errors.New("refused")}
	e := engine.New(engine.Config{Host: "localhost", IPID: 1}, sock)
	t.Cleanup(e.Stop)

	e.Connect(true)
	require.Eventually(t, func() bool { return e.State() == engine.Retrying }, 500*time.Millisecond, time.Millisecond)
}

func TestIPIDRejectedDoesNotRetry(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	sock := &pipeSocket{conn: clientConn}
	e := engine.New(engine.Config{Host: "localhost", IPID: 1}, sock)
	t.Cleanup(e.Stop)
	e.Connect(true)
	require.Eventually(t, func() bool { return e.State() == engine.Connected }, time.Second, time.Millisecond)

	writeFrame(t, remoteConn, codec.FrameRegistrationResponse, []byte{0xFF, 0xFF, 0x02})

	require.Eventually(t, func() bool { return e.State() == engine.Disconnected }, time.Second, time.Millisecond)
	// Give any spurious retry a chance to (incorrectly) fire, then confirm
	// it stayed disconnected.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, engine.Disconnected, e.State())
	assert.False(t, e.Registered())
}

func TestDisconnectStopsAutoReconnect(t *testing.T) {
	clientConn, _ := net.Pipe()
	sock := &pipeSocket{conn: clientConn}
	e := engine.New(engine.Config{Host: "localhost", IPID: 1}, sock)
	t.Cleanup(e.Stop)
	e.Connect(true)
	require.Eventually(t, func() bool { return e.State() == engine.Connected }, time.Second, time.Millisecond)

	e.Disconnect()
	assert.Equal(t, engine.Disconnected, e.State())
	assert.False(t, e.Registered())
}
