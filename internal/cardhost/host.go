package cardhost

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/protocol"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/rpc"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/wsconn"
)

var (
	ErrRegistrationRejected = errors.New("cardhost: registration rejected")
	ErrMissingIdentity      = errors.New("cardhost: cardhost id required")
)

// Methods a cardhost serves. Anything outside this set is refused at
// handler registration time, not discovered at dispatch time.
var servedMethods = []string{
	protocol.MethodTransmit,
	protocol.MethodCardStatus,
	protocol.MethodDescribe,
	protocol.MethodPing,
}

// Config carries the agent's identity and its connection settings.
type Config struct {
	RouterURL   string
	CardhostID  string
	DisplayName string
	PublicKey   string

	CallTimeout time.Duration
	Conn        wsconn.Config
}

func DefaultHostConfig() Config {
	return Config{
		CallTimeout: 30 * time.Second,
		Conn:        wsconn.DefaultConfig(),
	}
}

// Descriptor is the cardhost.describe result.
type Descriptor struct {
	CardhostID      string `json:"cardhostId"`
	DisplayName     string `json:"displayName"`
	Reader          string `json:"reader"`
	ProtocolVersion string `json:"protocolVersion"`
}

// transmitParams is the apdu.transmit request payload; the APDU travels
// hex-encoded.
type transmitParams struct {
	APDU string `json:"apdu"`
}

type transmitResult struct {
	Response string `json:"response"`
}

// Host is the card-side agent: one reader, one router connection.
type Host struct {
	cfg    Config
	reader Reader
	conn   *wsconn.Conn
	peer   *rpc.Peer
}

// connSender adapts the connection's write path to the rpc layer.
type connSender struct {
	conn *wsconn.Conn
}

func (s connSender) Send(ctx context.Context, data []byte) error {
	return s.conn.Send(ctx, data)
}

func NewHost(cfg Config, reader Reader) (*Host, error) {
	if strings.TrimSpace(cfg.CardhostID) == "" {
		return nil, ErrMissingIdentity
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultHostConfig().CallTimeout
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.CardhostID
	}
	if reader == nil {
		reader = NewSimReader()
	}
	ws := cfg.Conn.WithDefaults()
	if ws.URL == "" {
		ws.URL = fmt.Sprintf("%s/v1/cardhost/%s",
			strings.TrimRight(cfg.RouterURL, "/"), cfg.CardhostID)
	}
	conn, err := wsconn.NewConn(ws, nil)
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:    cfg,
		reader: reader,
		conn:   conn,
		peer:   rpc.NewPeer(connSender{conn}, servedMethods),
	}
	if err := h.registerHandlers(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) registerHandlers() error {
	handlers := map[string]rpc.Handler{
		protocol.MethodTransmit:   h.handleTransmit,
		protocol.MethodCardStatus: h.handleStatus,
		protocol.MethodDescribe:   h.handleDescribe,
		protocol.MethodPing:       h.handlePing,
	}
	for method, handler := range handlers {
		if err := h.peer.RegisterHandler(method, handler); err != nil {
			return err
		}
	}
	return nil
}

// Run connects, registers with the router, and serves until ctx is
// cancelled or the connection reaches a terminal state. Every reconnect
// repeats the registration handshake. Conflict rejections are retried
// with backoff; any other wire-level rejection is fatal.
func (h *Host) Run(ctx context.Context) error {
	connected := make(chan struct{}, 1)
	h.conn.SetStateListener(func(s wsconn.State) {
		log.Debug().Str("state", s.String()).Str("cardhost", h.cfg.CardhostID).
			Msg("cardhost: connection state")
		if s == wsconn.Connected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	if err := h.conn.Connect(ctx); err != nil {
		return err
	}
	go h.peer.Serve(ctx, h.conn.Inbound())

	for {
		select {
		case <-ctx.Done():
			h.conn.Disconnect()
			<-h.conn.Done()
			return ctx.Err()
		case <-h.conn.Done():
			return h.conn.Err()
		case <-connected:
			if err := h.registerLoop(ctx); err != nil {
				if errors.Is(err, ErrRegistrationRejected) {
					h.conn.Fail(err)
					<-h.conn.Done()
					return err
				}
				// Transient: the connection machine handles the retry.
				log.Warn().Err(err).Msg("cardhost: registration attempt failed")
			}
		}
	}
}

// registerLoop retries conflict rejections with backoff: after a network
// blip the router can hold this host's previous session until its
// heartbeat timeout, so the conflict clears on its own. Retries are
// bounded by the reconnect policy; version and auth rejections pass
// through untouched and stay fatal.
func (h *Host) registerLoop(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := h.register(ctx)
		if err == nil {
			return nil
		}
		var werr *protocol.WireError
		if !errors.As(err, &werr) || werr.Code != protocol.CodeCardhostConflict {
			return err
		}
		if attempt >= h.cfg.Conn.MaxReconnectAttempts {
			return err
		}
		delay := wsconn.NextBackoffDelay(h.cfg.Conn.ReconnectInterval, h.cfg.Conn.MaxReconnectDelay, attempt, nil)
		log.Warn().Str("cardhost", h.cfg.CardhostID).Dur("retry_in", delay).
			Msg("cardhost: identity still held by a prior session, retrying registration")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-h.conn.Done():
			timer.Stop()
			return h.conn.Err()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (h *Host) register(ctx context.Context) error {
	params, err := protocol.MarshalParams(protocol.RegisterParams{
		CardhostID:      h.cfg.CardhostID,
		DisplayName:     h.cfg.DisplayName,
		PublicKey:       h.cfg.PublicKey,
		ProtocolVersion: protocol.Version,
	})
	if err != nil {
		return err
	}
	_, err = h.peer.Call(ctx, protocol.MethodRegister, params, h.cfg.CallTimeout)
	if err != nil {
		var werr *protocol.WireError
		if errors.As(err, &werr) {
			return fmt.Errorf("%w: %w", ErrRegistrationRejected, werr)
		}
		return err
	}
	log.Info().Str("cardhost", h.cfg.CardhostID).Msg("cardhost: registered with router")
	return nil
}

func (h *Host) handleTransmit(_ context.Context, params []json.RawMessage) (any, *protocol.WireError) {
	if len(params) != 1 {
		return nil, protocol.NewWireError(protocol.CodeInvalidParams, "expected one params object")
	}
	var req transmitParams
	if err := json.Unmarshal(params[0], &req); err != nil {
		return nil, protocol.NewWireError(protocol.CodeInvalidParams, err.Error())
	}
	apdu, err := hex.DecodeString(strings.ToLower(req.APDU))
	if err != nil {
		return nil, protocol.NewWireError(protocol.CodeInvalidParams, "apdu is not hex")
	}
	resp, err := h.reader.Transmit(apdu)
	if err != nil {
		if errors.Is(err, ErrCardNotPresent) {
			return nil, protocol.NewWireError(protocol.CodeCardNotPresent, h.cfg.CardhostID)
		}
		return nil, protocol.NewWireError(protocol.CodeApduError, err.Error())
	}
	return transmitResult{Response: hexUpper(resp)}, nil
}

func (h *Host) handleStatus(_ context.Context, _ []json.RawMessage) (any, *protocol.WireError) {
	status, err := h.reader.Status()
	if err != nil {
		return nil, protocol.NewWireError(protocol.CodeInternalError, err.Error())
	}
	return status, nil
}

func (h *Host) handleDescribe(_ context.Context, _ []json.RawMessage) (any, *protocol.WireError) {
	readerName := "simulated"
	if _, ok := h.reader.(*SimReader); !ok {
		readerName = fmt.Sprintf("%T", h.reader)
	}
	return Descriptor{
		CardhostID:      h.cfg.CardhostID,
		DisplayName:     h.cfg.DisplayName,
		Reader:          readerName,
		ProtocolVersion: protocol.Version,
	}, nil
}

func (h *Host) handlePing(_ context.Context, _ []json.RawMessage) (any, *protocol.WireError) {
	return map[string]int64{"time": time.Now().UnixMilli()}, nil
}
