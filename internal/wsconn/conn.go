package wsconn

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyStarted   = errors.New("wsconn: connection already started")
	ErrNotConnected     = errors.New("wsconn: not connected")
	ErrClosed           = errors.New("wsconn: connection closed")
	ErrHeartbeatTimeout = errors.New("wsconn: heartbeat timeout")
)

// Conn is one logical peer connection. It owns at most one live transport
// and drives the connect/heartbeat/reconnect/fail lifecycle. State reads
// are atomic snapshots; transitions are applied only by the machine
// goroutine.
type Conn struct {
	cfg    Config
	dialer Dialer
	rng    *rand.Rand

	state   atomic.Int32
	onState func(State)

	inbound chan []byte
	sendCh  chan []byte

	lastLiveness atomic.Int64

	mu        sync.Mutex
	started   bool
	transport Transport
	explicit  bool
	failErr   error

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// NewConn builds a connection machine in the Disconnected state.
func NewConn(cfg Config, dialer Dialer) (*Conn, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if dialer == nil {
		dialer = WebSocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		}
	}
	return &Conn{
		cfg:     cfg,
		dialer:  dialer,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		inbound: make(chan []byte, cfg.ReadBuffer),
		sendCh:  make(chan []byte, cfg.SendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// SetStateListener registers a transition observer. Must be called before
// Connect; the listener runs on the machine goroutine.
func (c *Conn) SetStateListener(fn func(State)) {
	c.onState = fn
}

// State returns an atomic snapshot of the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Inbound delivers received messages in arrival order. Closed when the
// machine reaches a terminal state.
func (c *Conn) Inbound() <-chan []byte {
	return c.inbound
}

// Done is closed once the machine reaches a terminal state.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal failure cause, nil after a clean disconnect.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// Connect starts the machine and blocks until the first successful
// handshake or terminal failure. A machine connects at most once;
// starting a second transport on a live machine is rejected.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.isClosing() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	ready := make(chan error, 1)
	go c.run(ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

// Disconnect tears the connection down. Terminal: the machine ends in
// Disconnected and a fresh Conn is required to connect again.
func (c *Conn) Disconnect() {
	c.close(true, nil)
}

// Fail forces the machine to Failed from any state, e.g. when the peer
// signals an incompatible protocol version.
func (c *Conn) Fail(err error) {
	c.close(false, err)
}

// Send enqueues one message for the single transport writer. Rejected
// unless the machine is Connected.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) run(ready chan<- error) {
	defer close(c.done)
	defer close(c.inbound)

	first := true
	finish := func(err error) {
		if first {
			first = false
			ready <- err
		}
	}

	attempt := 0
	for {
		if c.isClosing() {
			c.finishClose(finish)
			return
		}
		c.setState(Connecting)
		transport, err := c.dial()
		if err != nil {
			log.Warn().Str("url", c.cfg.URL).Int("attempt", attempt).Err(err).
				Msg("wsconn: dial failed")
			if !c.cfg.Reconnect || attempt >= c.cfg.MaxReconnectAttempts {
				c.fail(err)
				finish(err)
				return
			}
			c.setState(Reconnecting)
			if !c.sleepBackoff(attempt) {
				c.finishClose(finish)
				return
			}
			attempt++
			continue
		}

		c.mu.Lock()
		c.transport = transport
		c.mu.Unlock()
		attempt = 0
		c.drainSend()
		c.setState(Connected)
		finish(nil)

		err = c.serve(transport)

		c.mu.Lock()
		c.transport = nil
		c.mu.Unlock()
		if c.isClosing() {
			c.finishClose(finish)
			return
		}
		log.Warn().Str("url", c.cfg.URL).Err(err).Msg("wsconn: transport lost")
		if !c.cfg.Reconnect || attempt >= c.cfg.MaxReconnectAttempts {
			c.fail(err)
			finish(err)
			return
		}
		c.setState(Reconnecting)
		if !c.sleepBackoff(attempt) {
			c.finishClose(finish)
			return
		}
		attempt++
	}
}

func (c *Conn) dial() (Transport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	return c.dialer.Dial(ctx, c.cfg.URL)
}

// serve pumps one live transport until it dies or the machine is closed.
// Heartbeat timers live inside the write pump and stop on exit. quit is
// closed before waiting on the read pump in every exit branch: with a
// full inbound buffer the read pump parks on the hand-off, and only quit
// can unpark it when the transport dies on the write side.
func (c *Conn) serve(transport Transport) error {
	c.markLiveness()
	transport.SetPongHandler(c.markLiveness)

	quit := make(chan struct{})
	writeErr := make(chan error, 1)
	readErr := make(chan error, 1)
	go c.writePump(transport, quit, writeErr)
	go func() { readErr <- c.readPump(transport, quit) }()

	var err error
	select {
	case err = <-readErr:
		close(quit)
	case err = <-writeErr:
		close(quit)
		_ = transport.Close()
		<-readErr
	case <-c.closing:
		close(quit)
		_ = transport.Close()
		<-readErr
		err = ErrClosed
	}
	_ = transport.Close()
	return err
}

func (c *Conn) readPump(transport Transport, quit <-chan struct{}) error {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			return err
		}
		c.markLiveness()
		select {
		case c.inbound <- data:
		case <-quit:
			return ErrClosed
		case <-c.closing:
			return ErrClosed
		}
	}
}

func (c *Conn) writePump(transport Transport, quit <-chan struct{}, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case data := <-c.sendCh:
			if err := transport.WriteMessage(data); err != nil {
				errCh <- err
				return
			}
		case <-ticker.C:
			if c.livenessExpired() {
				errCh <- ErrHeartbeatTimeout
				return
			}
			if err := transport.Ping(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				errCh <- err
				return
			}
		}
	}
}

// drainSend drops frames queued while no transport was live. A frame
// left over from a dead transport must not ride the next one, where it
// would precede any re-registration traffic; senders observe the loss
// through their pending calls.
func (c *Conn) drainSend() {
	for {
		select {
		case <-c.sendCh:
		default:
			return
		}
	}
}

func (c *Conn) markLiveness() {
	c.lastLiveness.Store(time.Now().UnixNano())
}

func (c *Conn) livenessExpired() bool {
	last := time.Unix(0, c.lastLiveness.Load())
	return time.Since(last) > c.cfg.HeartbeatTimeout
}

func (c *Conn) sleepBackoff(attempt int) bool {
	delay := NextBackoffDelay(c.cfg.ReconnectInterval, c.cfg.MaxReconnectDelay, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.closing:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Conn) close(explicit bool, err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.explicit = explicit
		if c.failErr == nil {
			c.failErr = err
		}
		transport := c.transport
		started := c.started
		c.mu.Unlock()
		close(c.closing)
		if transport != nil {
			_ = transport.Close()
		}
		if !started {
			// Machine never ran; settle terminal state here.
			if explicit {
				c.setState(Disconnected)
			} else {
				c.setState(Failed)
			}
			close(c.done)
			close(c.inbound)
		}
	})
}

func (c *Conn) finishClose(finish func(error)) {
	c.mu.Lock()
	explicit := c.explicit
	err := c.failErr
	c.mu.Unlock()
	if explicit {
		c.setState(Disconnected)
		finish(ErrClosed)
		return
	}
	if err == nil {
		err = ErrClosed
	}
	c.setState(Failed)
	finish(err)
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	c.mu.Unlock()
	c.setState(Failed)
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Conn) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if c.onState != nil {
		c.onState(s)
	}
}
