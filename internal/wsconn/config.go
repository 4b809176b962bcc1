package wsconn

import (
	"errors"
	"strings"
	"time"
)

var ErrURLRequired = errors.New("wsconn: url required")

// Config is the immutable per-connection configuration. Supplied at
// creation, never mutated afterwards.
type Config struct {
	URL                  string
	Reconnect            bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	MaxReconnectDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	SendBuffer           int
	ReadBuffer           int
}

// DefaultConfig returns the documented connection defaults.
func DefaultConfig() Config {
	return Config{
		Reconnect:            true,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,
		MaxReconnectDelay:    2 * time.Minute,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     90 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         15 * time.Second,
		SendBuffer:           32,
		ReadBuffer:           32,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. The Reconnect
// flag is left alone: false is a meaningful setting.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = def.ReadBuffer
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return ErrURLRequired
	}
	return nil
}
