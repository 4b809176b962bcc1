package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/protocol"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/rpc"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/wsconn"
)

var (
	ErrCardhostGone    = errors.New("controller: cardhost gone")
	ErrMissingCardhost = errors.New("controller: target cardhost id required")
)

// Config carries the session identity and connection settings. A zero
// SessionID gets a generated one.
type Config struct {
	RouterURL  string
	SessionID  string
	CardhostID string

	CallTimeout time.Duration
	Conn        wsconn.Config

	// OnGone runs when the router reports the bound cardhost left.
	// Optional; pending calls are settled either way.
	OnGone func(cardhostID string)
}

func DefaultClientConfig() Config {
	return Config{
		CallTimeout: 30 * time.Second,
		Conn:        wsconn.DefaultConfig(),
	}
}

// Status mirrors the card.status result.
type Status struct {
	Present bool   `json:"present"`
	ATR     string `json:"atr,omitempty"`
}

// Descriptor mirrors the cardhost.describe result.
type Descriptor struct {
	CardhostID      string `json:"cardhostId"`
	DisplayName     string `json:"displayName"`
	Reader          string `json:"reader"`
	ProtocolVersion string `json:"protocolVersion"`
}

type transmitParams struct {
	APDU string `json:"apdu"`
}

type transmitResult struct {
	Response string `json:"response"`
}

// Client is one controller session bound to one cardhost.
type Client struct {
	cfg  Config
	conn *wsconn.Conn
	peer *rpc.Peer
}

type connSender struct {
	conn *wsconn.Conn
}

func (s connSender) Send(ctx context.Context, data []byte) error {
	return s.conn.Send(ctx, data)
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.CardhostID) == "" {
		return nil, ErrMissingCardhost
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultClientConfig().CallTimeout
	}
	ws := cfg.Conn.WithDefaults()
	if ws.URL == "" {
		ws.URL = fmt.Sprintf("%s/v1/controller/%s/%s",
			strings.TrimRight(cfg.RouterURL, "/"), cfg.SessionID, cfg.CardhostID)
	}
	conn, err := wsconn.NewConn(ws, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:  cfg,
		conn: conn,
		peer: rpc.NewPeer(connSender{conn}, nil),
	}
	if err := c.peer.RegisterHandler(protocol.MethodGone, c.handleGone); err != nil {
		return nil, err
	}
	if err := c.peer.RegisterHandler(protocol.MethodRouterError, c.handleRouterError); err != nil {
		return nil, err
	}
	return c, nil
}

// SessionID reports the session identity used on the wire.
func (c *Client) SessionID() string {
	return c.cfg.SessionID
}

// Connect establishes the session and starts dispatching inbound
// envelopes. Binding errors surface asynchronously: the router accepts
// the socket first and reports an unknown cardhost as router.error.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	go c.peer.Serve(ctx, c.conn.Inbound())
	return nil
}

// Close tears the session down and settles whatever is still pending.
func (c *Client) Close() {
	c.conn.Disconnect()
	<-c.conn.Done()
}

// Done is closed once the underlying connection is terminal.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Err reports the terminal connection failure, nil after a clean close.
func (c *Client) Err() error {
	return c.conn.Err()
}

// Call issues one correlated request against the bound cardhost.
func (c *Client) Call(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	return c.peer.Call(ctx, method, params, c.cfg.CallTimeout)
}

// Transmit relays one hex-encoded command APDU and returns the
// hex-encoded response including the status word.
func (c *Client) Transmit(ctx context.Context, apduHex string) (string, error) {
	params, err := protocol.MarshalParams(transmitParams{APDU: apduHex})
	if err != nil {
		return "", err
	}
	raw, err := c.Call(ctx, protocol.MethodTransmit, params)
	if err != nil {
		return "", err
	}
	var result transmitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	return result.Response, nil
}

// CardStatus reports card presence on the bound cardhost.
func (c *Client) CardStatus(ctx context.Context) (Status, error) {
	raw, err := c.Call(ctx, protocol.MethodCardStatus, nil)
	if err != nil {
		return Status{}, err
	}
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Describe fetches the cardhost's self-description.
func (c *Client) Describe(ctx context.Context) (Descriptor, error) {
	raw, err := c.Call(ctx, protocol.MethodDescribe, nil)
	if err != nil {
		return Descriptor{}, err
	}
	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}

// Ping round-trips through the relay to the cardhost.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Call(ctx, protocol.MethodPing, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) handleGone(_ context.Context, params []json.RawMessage) (any, *protocol.WireError) {
	cardhostID := c.cfg.CardhostID
	if len(params) == 1 {
		_ = json.Unmarshal(params[0], &cardhostID)
	}
	log.Warn().Str("cardhost", cardhostID).Msg("controller: cardhost gone")
	c.peer.FailAll(fmt.Errorf("%w: %s", ErrCardhostGone, cardhostID))
	if c.cfg.OnGone != nil {
		c.cfg.OnGone(cardhostID)
	}
	return nil, nil
}

func (c *Client) handleRouterError(_ context.Context, params []json.RawMessage) (any, *protocol.WireError) {
	var werr protocol.WireError
	if len(params) == 1 {
		_ = json.Unmarshal(params[0], &werr)
	}
	log.Warn().Int("code", werr.Code).Str("message", werr.Message).
		Msg("controller: router error")
	c.peer.FailAll(&werr)
	return nil, nil
}
