// Package cip is the public facade for the Crestron-over-IP client: the
// only package an embedder needs to import (spec §4.5). It wires the codec,
// frame reader, subscription registry and connection engine together behind
// a small operation surface: connect, disconnect, subscribe, and the join
// write operations.
package cip

import (
	"crestroncip/codec"
	"crestroncip/engine"
	"crestroncip/internal/logging"
	"crestroncip/registry"
	"crestroncip/transport"
)

// Re-exported so callers never need to import the engine/codec packages
// directly for everyday use.
type (
	ConnectionState = engine.ConnectionState
	Reason          = engine.Reason
	SignalType      = codec.SignalType
	JoinID          = codec.JoinID
	Stats           = engine.Stats
)

const (
	Disconnected = engine.Disconnected
	Connecting   = engine.Connecting
	Connected    = engine.Connected
	Retrying     = engine.Retrying
)

const (
	Digital = codec.Digital
	Analog  = codec.Analog
	Serial  = codec.Serial
)

// DigitalCallback observes a digital join's boolean state.
type DigitalCallback func(join JoinID, high bool)

// AnalogCallback observes an analog join's 16-bit value.
type AnalogCallback func(join JoinID, value uint16)

// SerialCallback observes a serial join's text.
type SerialCallback func(join JoinID, text string)

// Config is the immutable-after-construction client configuration
// (spec §3). Build it with New and the With* options below.
type Config struct {
	Host  string
	Port  uint16
	IPID  uint8
	Level logging.Level

	OnConnectionState   func(ConnectionState, Reason)
	OnRegistrationState func(bool)

	socket   transport.Socket // test-only override; see WithSocket
	colorLog bool             // see WithColorLogging
}

// Option configures a Client at construction time.
type Option func(*Config)

// WithPort overrides the default CIP port (41794).
func WithPort(port uint16) Option { return func(c *Config) { c.Port = port } }

// WithDebugLevel sets the logging verbosity (spec §6).
func WithDebugLevel(level logging.Level) Option { return func(c *Config) { c.Level = level } }

// WithOnConnectionState registers the connection-state lifecycle callback.
func WithOnConnectionState(f func(ConnectionState, Reason)) Option {
	return func(c *Config) { c.OnConnectionState = f }
}

// WithOnRegistrationState registers the registration-state lifecycle callback.
func WithOnRegistrationState(f func(bool)) Option {
	return func(c *Config) { c.OnRegistrationState = f }
}

// WithSocket overrides the transport the client dials through. Used by
// tests to substitute a net.Pipe()-backed fake; production callers never
// need it (the default is a real TCP socket).
func WithSocket(sock transport.Socket) Option { return func(c *Config) { c.socket = sock } }

// WithColorLogging switches the client's logger to a colorized handler
// suited to an interactive terminal, instead of the plain slog.Default()
// output used otherwise.
func WithColorLogging() Option { return func(c *Config) { c.colorLog = true } }

// Client is the embedder-facing CIP panel connection.
type Client struct {
	eng *engine.Engine
}

// New builds a Client for the processor at host, registering as ipid.
// The connection is not opened until Connect is called.
func New(host string, ipid uint8, opts ...Option) *Client {
	cfg := Config{Host: host, IPID: ipid}
	for _, opt := range opts {
		opt(&cfg)
	}

	sock := cfg.socket
	if sock == nil {
		sock = transport.NewTCPSocket()
	}

	var log *logging.Logger
	if cfg.colorLog {
		log = logging.NewColorLogger(cfg.Level)
	}

	eng := engine.New(engine.Config{
		Host:                cfg.Host,
		Port:                cfg.Port,
		IPID:                cfg.IPID,
		Level:               cfg.Level,
		Log:                 log,
		OnConnectionState:   cfg.OnConnectionState,
		OnRegistrationState: cfg.OnRegistrationState,
	}, sock)

	return &Client{eng: eng}
}

// Connect opens the connection. autoReconnect, if true (the default an
// embedder should pass unless it wants to manage retries itself), makes the
// engine re-dial automatically on failure per spec §4.4's state table.
func (c *Client) Connect(autoReconnect bool) { c.eng.Connect(autoReconnect) }

// Disconnect closes the connection, disables auto-reconnect and cancels all
// timers.
func (c *Client) Disconnect() { c.eng.Disconnect() }

// Close permanently releases the client's background goroutines. Call when
// the client itself (not just the connection) is being discarded.
func (c *Client) Close() { c.eng.Stop() }

// ConnectionState reports the current connection state.
func (c *Client) ConnectionState() ConnectionState { return c.eng.State() }

// Registered reports the current registration state.
func (c *Client) Registered() bool { return c.eng.Registered() }

// Stats reports a snapshot of frame and reconnect counters.
func (c *Client) Stats() Stats { return c.eng.Stats() }

// Subscribe registers cb for every update to (signalType, join). cb is
// handed a SignalValue-shaped registry.Value; demultiplex on signalType, or
// use the typed SubscribeDigital/SubscribeAnalog/SubscribeSerial below.
func (c *Client) Subscribe(signalType SignalType, join JoinID, cb registry.Callback) {
	c.eng.Subscribe(registry.Key{Type: signalType, Join: join}, cb)
}

// SubscribeDigital registers a typed observer for one digital join (spec §9:
// "an implementation may also offer" typed per-type subscribe methods).
func (c *Client) SubscribeDigital(join JoinID, cb DigitalCallback) {
	c.Subscribe(Digital, join, func(_ SignalType, id JoinID, v registry.Value) {
		cb(id, v.Bool)
	})
}

// SubscribeAnalog registers a typed observer for one analog join.
func (c *Client) SubscribeAnalog(join JoinID, cb AnalogCallback) {
	c.Subscribe(Analog, join, func(_ SignalType, id JoinID, v registry.Value) {
		cb(id, v.U16)
	})
}

// SubscribeSerial registers a typed observer for one serial join.
func (c *Client) SubscribeSerial(join JoinID, cb SerialCallback) {
	c.Subscribe(Serial, join, func(_ SignalType, id JoinID, v registry.Value) {
		cb(id, v.String)
	})
}

// SetDigitalJoin sets a digital join's state. buttonStyle defaults to false
// (a latched set); press/release/pulse below cover the button-style case.
func (c *Client) SetDigitalJoin(join JoinID, high bool, buttonStyle bool) error {
	return c.eng.SendDigital(join, high, buttonStyle)
}

// Press sets a digital join high, button-style.
func (c *Client) Press(join JoinID) error { return c.eng.Press(join) }

// Release sets a digital join low, button-style.
func (c *Client) Release(join JoinID) error { return c.eng.Release(join) }

// Pulse presses then releases a digital join as two separately paced frames.
func (c *Client) Pulse(join JoinID) error { return c.eng.Pulse(join) }

// SetAnalog sets an analog join's value.
func (c *Client) SetAnalog(join JoinID, value uint16) error { return c.eng.SetAnalog(join, value) }

// SendSerial sets a serial join's text.
func (c *Client) SendSerial(join JoinID, text string) error { return c.eng.SendSerial(join, text) }

// SendUpdateRequest asks the processor to re-broadcast every join's current
// value.
func (c *Client) SendUpdateRequest() error { return c.eng.SendUpdateRequest() }
