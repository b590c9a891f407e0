// Package engine implements the connection state machine tying the codec,
// frame reader and subscription registry to a socket: registration,
// heartbeats, the end-of-query handshake, outbound pacing and automatic
// reconnection (spec §4.4/§5).
package engine

import (
	"context"
	"sync"
	"time"

	"crestroncip/codec"
	"crestroncip/errcode"
	"crestroncip/framing"
	"crestroncip/internal/logging"
	"crestroncip/registry"
	"crestroncip/transport"
)

// DefaultPort is the standard CIP listener port (spec §6).
const DefaultPort uint16 = 41794

const (
	connectTimeout        = 2 * time.Second
	writeTimeout          = 2 * time.Second
	connectRetryDelay     = 2 * time.Second
	disconnectRetryDelay  = 1 * time.Second
	heartbeatInterval     = 15 * time.Second
	outboundPacing        = 1 * time.Millisecond
	outboundQueueCapacity = 64
)

// Config is the immutable-after-construction configuration (spec §3).
type Config struct {
	Host  string
	Port  uint16 // defaults to DefaultPort if zero
	IPID  uint8
	Level logging.Level
	Log   *logging.Logger // defaults to a logging.New(Level, nil) if nil

	OnConnectionState   func(state ConnectionState, reason Reason)
	OnRegistrationState func(registered bool)
}

// Stats is a pollable snapshot of engine activity (SPEC_FULL "Supplemented
// features": a Stats() accessor generalizing the teacher's retained
// hal/state telemetry into something pollable without a subscription).
type Stats struct {
	FramesSent     int
	FramesReceived int
	ReconnectCount int
	LastError      error
}

type outboundItem struct {
	frames [][]byte
}

// Engine is the connection state machine. Create with New (which starts the
// event loop), drive it with Connect/Disconnect, and feed it subscriptions
// and sends through its other methods. Safe for concurrent use from any
// number of caller goroutines; connection-state changes, connects and
// disconnects are confined to the single run-loop goroutine, and socket
// writes to the single outbound goroutine.
type Engine struct {
	cfg  Config
	sock transport.Socket
	reg  *registry.Registry
	log  *logging.Logger

	mu            sync.Mutex
	state         ConnectionState
	registered    bool
	autoReconnect bool
	stats         Stats
	connectEpoch  int

	outboundCh      chan outboundItem
	dataCh          chan []byte
	disconnectCh    chan error
	connectReqCh    chan bool
	disconnectReqCh chan chan struct{}
	connectResultCh chan connectResult

	reader *framing.Reader

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type connectResult struct {
	epoch int
	err   error
}

// New builds an engine in the disconnected state with an empty registry.
// The socket is not touched until Connect is called.
func New(cfg Config, sock transport.Socket) *Engine {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Log == nil {
		cfg.Log = logging.New(cfg.Level, nil)
	}
	e := &Engine{
		cfg:             cfg,
		sock:            sock,
		reg:             registry.New(),
		log:             cfg.Log,
		state:           Disconnected,
		outboundCh:      make(chan outboundItem, outboundQueueCapacity),
		dataCh:          make(chan []byte, outboundQueueCapacity),
		disconnectCh:    make(chan error, 1),
		connectReqCh:    make(chan bool, 1),
		disconnectReqCh: make(chan chan struct{}, 1),
		connectResultCh: make(chan connectResult, 1),
		reader:          framing.NewReader(),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	sock.SetOnData(func(chunk []byte) {
		e.dataCh <- chunk
	})
	sock.SetOnDisconnect(func(err error) {
		select {
		case e.disconnectCh <- err:
		default:
		}
	})
	go e.outboundLoop()
	go e.run()
	return e
}

// Subscribe registers cb for (signalType, join) updates. May be called at
// any time, including before Connect.
func (e *Engine) Subscribe(key registry.Key, cb registry.Callback) {
	e.reg.Subscribe(key, cb)
}

// State reports the current connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Registered reports the current registration state.
func (e *Engine) Registered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered
}

// Stats returns a snapshot of frame and reconnect counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ready reports whether sends are currently accepted.
func (e *Engine) ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Connected && e.registered
}

// Connect requests a transition to connecting. autoReconnect controls
// whether the engine schedules retries on later failure.
func (e *Engine) Connect(autoReconnect bool) {
	select {
	case e.connectReqCh <- autoReconnect:
	case <-e.stopCh:
	}
}

// Disconnect requests an immediate, synchronous-from-the-caller's-view
// teardown: auto-reconnect is disabled, the socket is closed and all timers
// cancelled.
func (e *Engine) Disconnect() {
	ack := make(chan struct{})
	select {
	case e.disconnectReqCh <- ack:
		<-ack
	case <-e.stopCh:
	}
}

// Stop permanently shuts the engine down, releasing its goroutines. Not
// part of the public facade surface; used by tests and by Close-style
// embedder teardown.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// --- outbound, write-while-not-ready policy ---------------------------------

func (e *Engine) enqueue(frames ...[]byte) {
	select {
	case e.outboundCh <- outboundItem{frames: frames}:
	case <-e.stopCh:
	}
}

// rejectNotReady logs and builds the StateError returned when a send is
// attempted while not (connected AND registered); spec §7 requires these be
// logged, not just returned.
func (e *Engine) rejectNotReady(op string) error {
	e.log.Err("send rejected: not ready", "op", op)
	return &errcode.StateError{Op: op}
}

// SendDigital sets a digital join. buttonStyle=false is a latched set;
// press/release/pulse below are the button-style convenience wrappers.
func (e *Engine) SendDigital(join codec.JoinID, high bool, buttonStyle bool) error {
	if !e.ready() {
		return e.rejectNotReady("setDigitalJoin")
	}
	f, err := codec.EncodeDigital(join, high, buttonStyle)
	if err != nil {
		return err
	}
	e.enqueue(f)
	return nil
}

// Press sets a digital join high, button-style.
func (e *Engine) Press(join codec.JoinID) error { return e.SendDigital(join, true, true) }

// Release sets a digital join low, button-style.
func (e *Engine) Release(join codec.JoinID) error { return e.SendDigital(join, false, true) }

// Pulse presses then releases, as two separately paced frames.
func (e *Engine) Pulse(join codec.JoinID) error {
	if !e.ready() {
		return e.rejectNotReady("pulse")
	}
	hi, err := codec.EncodeDigital(join, true, true)
	if err != nil {
		return err
	}
	lo, err := codec.EncodeDigital(join, false, true)
	if err != nil {
		return err
	}
	e.enqueue(hi)
	e.enqueue(lo)
	return nil
}

// SetAnalog sets an analog join's value.
func (e *Engine) SetAnalog(join codec.JoinID, value uint16) error {
	if !e.ready() {
		return e.rejectNotReady("setAnalog")
	}
	f, err := codec.EncodeAnalog(join, value)
	if err != nil {
		return err
	}
	e.enqueue(f)
	return nil
}

// SendSerial sets a serial join's text.
func (e *Engine) SendSerial(join codec.JoinID, s string) error {
	if !e.ready() {
		return e.rejectNotReady("sendSerial")
	}
	f, err := codec.EncodeSerial(join, s)
	if err != nil {
		return err
	}
	e.enqueue(f)
	return nil
}

// SendUpdateRequest asks the processor to re-broadcast every join's current
// value.
func (e *Engine) SendUpdateRequest() error {
	if !e.ready() {
		return e.rejectNotReady("sendUpdateRequest")
	}
	e.enqueue(codec.EncodeUpdateRequest())
	return nil
}

// outboundLoop is the single writer to the socket: spec §4.4/§5's
// "outbound lane". It drains queued items, writing one frame at a time with
// a 1ms pacing sleep between every frame (including within a batch, so the
// end-of-query reply pair stays paced but still adjacent).
func (e *Engine) outboundLoop() {
	for {
		select {
		case item := <-e.outboundCh:
			for _, f := range item.frames {
				e.writeFrame(f)
				time.Sleep(outboundPacing)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) writeFrame(f []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := e.sock.Write(ctx, f, writeTimeout); err != nil {
		e.log.Err("write failed", "err", err)
		e.recordError(&errcode.TransportError{C: errcode.WriteFailed, Err: err})
		select {
		case e.disconnectCh <- err:
		default:
		}
		return
	}
	e.mu.Lock()
	e.stats.FramesSent++
	e.mu.Unlock()
	e.log.Frame("out", f[0], f[3:])
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.stats.LastError = err
	e.mu.Unlock()
}

// --- run loop ----------------------------------------------------------------

func (e *Engine) setState(s ConnectionState, reason Reason) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.log.Lifecycle("connection state", "state", s.String(), "reason", reason.String())
	if e.cfg.OnConnectionState != nil {
		e.cfg.OnConnectionState(s, reason)
	}
}

func (e *Engine) setRegistered(v bool) {
	e.mu.Lock()
	e.registered = v
	e.mu.Unlock()
	if e.cfg.OnRegistrationState != nil {
		e.cfg.OnRegistrationState(v)
	}
}

func (e *Engine) run() {
	defer close(e.doneCh)

	var heartbeatTicker *time.Ticker
	var heartbeatC <-chan time.Time
	var reconnectTimer *time.Timer
	var reconnectC <-chan time.Time

	stopHeartbeat := func() {
		if heartbeatTicker != nil {
			heartbeatTicker.Stop()
			heartbeatTicker = nil
			heartbeatC = nil
		}
	}
	startHeartbeat := func() {
		stopHeartbeat()
		heartbeatTicker = time.NewTicker(heartbeatInterval)
		heartbeatC = heartbeatTicker.C
	}
	stopReconnect := func() {
		if reconnectTimer != nil {
			reconnectTimer.Stop()
			reconnectTimer = nil
			reconnectC = nil
		}
	}
	armReconnect := func(d time.Duration) {
		stopReconnect()
		reconnectTimer = time.NewTimer(d)
		reconnectC = reconnectTimer.C
	}

	e.mu.Lock()
	e.autoReconnect = true
	e.mu.Unlock()

	attemptConnect := func() {
		e.mu.Lock()
		e.connectEpoch++
		epoch := e.connectEpoch
		e.mu.Unlock()

		e.setState(Connecting, ReasonUserConnect)
		armReconnect(connectTimeout)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			err := e.sock.Connect(ctx, e.cfg.Host, e.cfg.Port, connectTimeout)
			select {
			case e.connectResultCh <- connectResult{epoch: epoch, err: err}:
			case <-e.stopCh:
			}
		}()
	}

	handleDisconnect := func(cause error, reason Reason) {
		// Unconditional and idempotent: whichever path noticed the
		// disconnect first, the socket must be closed here so a later
		// attemptConnect never re-dials over a leaked fd (spec §7:
		// "write failure, remote close ... socket closed").
		e.sock.Disconnect()
		stopHeartbeat()
		e.reader.Reset()
		e.setRegistered(false)
		e.setState(Disconnected, reason)

		e.mu.Lock()
		retry := e.autoReconnect
		e.mu.Unlock()

		if retry {
			delay := disconnectRetryDelay
			e.setState(Retrying, reason)
			e.mu.Lock()
			e.stats.ReconnectCount++
			e.mu.Unlock()
			armReconnect(delay)
		}
	}

	handleInbound := func(fr framing.Frame) {
		e.mu.Lock()
		e.stats.FramesReceived++
		e.mu.Unlock()
		e.log.Frame("in", fr.Type, fr.Payload)

		ev, err := codec.Decode(fr.Type, fr.Payload)
		if err != nil {
			e.log.Err("framing error", "err", err)
			e.recordError(err)
			handleDisconnect(err, ReasonFramingError)
			return
		}

		switch v := ev.(type) {
		case codec.HeartbeatEvent:
			// Acknowledged by silence; the outbound timer alone
			// maintains liveness.
		case codec.RegistrationRequestEvent:
			e.enqueue(codec.EncodeRegistrationReply(e.cfg.IPID))
		case codec.RegistrationResponseEvent:
			if v.Success {
				e.setRegistered(true)
				e.enqueue(codec.EncodeRegistrationSuccessReply())
				startHeartbeat()
			} else {
				reason := ReasonUnknownResponse
				code := errcode.UnknownResponse
				if v.Reason == "IPID does not exist" {
					reason = ReasonIPIDRejected
					code = errcode.IPIDRejected
				}
				e.log.Err("registration failed", "reason", v.Reason)
				e.recordError(&errcode.RegistrationError{C: code, Reason: v.Reason})
				if code == errcode.IPIDRejected {
					e.mu.Lock()
					e.autoReconnect = false
					e.mu.Unlock()
					e.log.Lifecycle("auto-reconnect disabled after IPID rejection")
				}
				handleDisconnect(nil, reason)
			}
		case codec.ControlSystemDisconnectEvent:
			handleDisconnect(nil, ReasonControlSystemDisconnect)
		case codec.UpdateEvent:
			if v.NeedsEndOfQueryReply() {
				ack, hb := codec.EncodeEndOfQueryReply()
				e.enqueue(ack, hb)
			}
		case codec.DateTimeEvent:
			e.log.Event("date/time subframe received")
		case codec.DigitalEvent:
			e.reg.Dispatch(registry.Key{Type: codec.Digital, Join: v.JoinID}, registry.Value{Bool: v.High})
			e.log.Event("digital update", "join", v.JoinID, "high", v.High)
		case codec.AnalogEvent:
			e.reg.Dispatch(registry.Key{Type: codec.Analog, Join: v.JoinID}, registry.Value{U16: v.Value})
			e.log.Event("analog update", "join", v.JoinID, "value", v.Value)
		case codec.SerialEvent:
			e.reg.Dispatch(registry.Key{Type: codec.Serial, Join: v.JoinID}, registry.Value{String: v.Text})
			e.log.Event("serial update", "join", v.JoinID, "text", v.Text)
		case codec.UnknownEvent:
			e.log.Event("unknown frame", "type", v.Type)
		}
	}

	for {
		select {
		case <-e.stopCh:
			stopHeartbeat()
			stopReconnect()
			return

		case autoReconnect := <-e.connectReqCh:
			e.mu.Lock()
			e.autoReconnect = autoReconnect
			e.mu.Unlock()
			attemptConnect()

		case ack := <-e.disconnectReqCh:
			e.mu.Lock()
			e.autoReconnect = false
			e.mu.Unlock()
			stopHeartbeat()
			stopReconnect()
			e.sock.Disconnect()
			e.reader.Reset()
			e.setRegistered(false)
			e.setState(Disconnected, ReasonUserDisconnect)
			close(ack)

		case res := <-e.connectResultCh:
			e.mu.Lock()
			stale := res.epoch != e.connectEpoch
			e.mu.Unlock()
			if stale {
				continue
			}
			stopReconnect()
			if res.err != nil {
				e.recordError(&errcode.TransportError{C: errcode.ConnectFailed, Err: res.err})
				e.mu.Lock()
				retry := e.autoReconnect
				e.mu.Unlock()
				if !retry {
					e.setState(Disconnected, ReasonConnectTimeout)
					continue
				}
				e.setState(Retrying, ReasonConnectTimeout)
				armReconnect(connectRetryDelay)
				continue
			}
			e.setState(Connected, ReasonUserConnect)

		case d := <-e.dataCh:
			frames := e.reader.Feed(d)
			for _, fr := range frames {
				handleInbound(fr)
			}

		case err := <-e.disconnectCh:
			e.mu.Lock()
			st := e.state
			e.mu.Unlock()
			if st == Disconnected || st == Retrying {
				continue // already torn down by a prior explicit path
			}
			reason := ReasonSocketError
			if err == nil {
				reason = ReasonUserDisconnect
			}
			handleDisconnect(err, reason)

		case <-heartbeatC:
			e.enqueue(codec.EncodeHeartbeat())

		case <-reconnectC:
			e.mu.Lock()
			st := e.state
			retry := e.autoReconnect
			e.mu.Unlock()
			switch st {
			case Connecting:
				// The dial is taking longer than the connect
				// timeout; stop waiting on it (a stale result
				// on connectResultCh will be dropped by the
				// epoch check) and fall back to retrying.
				e.recordError(&errcode.TransportError{C: errcode.ConnectFailed})
				if !retry {
					e.setState(Disconnected, ReasonConnectTimeout)
					continue
				}
				e.setState(Retrying, ReasonConnectTimeout)
				armReconnect(connectRetryDelay)
			case Retrying:
				attemptConnect()
			}
		}
	}
}
