package router

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionClosed = errors.New("router: session closed")
	ErrSendQueueFull = errors.New("router: session send queue full")
)

// Link is the routing table's view of one server-side connection.
type Link interface {
	Send(data []byte) error
	Alive() bool
	LastHeartbeat() time.Time
	Close() error
}

// SessionConfig bounds one server-side websocket session.
type SessionConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		WriteTimeout:      15 * time.Second,
		SendBuffer:        64,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	def := DefaultSessionConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	return c
}

// wsSession wraps one accepted websocket connection. All writes flow
// through a single pump goroutine; Send never blocks on a slow peer.
type wsSession struct {
	id   string
	conn *websocket.Conn
	cfg  SessionConfig

	send          chan []byte
	lastHeartbeat atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id string, conn *websocket.Conn, cfg SessionConfig) *wsSession {
	s := &wsSession{
		id:     id,
		conn:   conn,
		cfg:    cfg.withDefaults(),
		closed: make(chan struct{}),
	}
	s.send = make(chan []byte, s.cfg.SendBuffer)
	s.markHeartbeat()
	conn.SetPongHandler(func(string) error {
		s.markHeartbeat()
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		return nil
	})
	return s
}

// start launches the writer pump. Until start is called the endpoint
// handler owns the connection and may write to it directly; queued
// Sends are held and flushed once the pump runs.
func (s *wsSession) start() {
	go s.writePump()
}

func (s *wsSession) ID() string { return s.id }

// Send enqueues one message for the writer pump. Best effort: a closed
// session or a full queue surfaces an error instead of blocking the
// caller, so one slow peer cannot stall deliveries to others.
func (s *wsSession) Send(data []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

func (s *wsSession) Alive() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *wsSession) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	return nil
}

// readLoop feeds inbound messages to fn in arrival order until the
// connection dies. Any inbound frame counts as liveness.
func (s *wsSession) readLoop(fn func(data []byte)) {
	defer s.Close()
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("session", s.id).Err(err).Msg("router: session read ended")
			}
			return
		}
		s.markHeartbeat()
		fn(data)
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Str("session", s.id).Err(err).Msg("router: session write failed")
				_ = s.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}

func (s *wsSession) markHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}
