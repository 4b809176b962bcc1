package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/auth"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/protocol"
)

var ErrInvalidRegistration = errors.New("router: invalid registration")

// ServiceConfig configures the router endpoints.
type ServiceConfig struct {
	ListenAddr      string
	RegisterTimeout time.Duration
	Session         SessionConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:      ":9200",
		RegisterTimeout: 10 * time.Second,
		Session:         DefaultSessionConfig(),
	}
}

// Service owns the router's websocket endpoints and the routing table.
type Service struct {
	cfg      ServiceConfig
	table    *Table
	verifier auth.Verifier
	upgrader websocket.Upgrader
}

func NewService(cfg ServiceConfig, verifier auth.Verifier) *Service {
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultServiceConfig().RegisterTimeout
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if verifier == nil {
		verifier = auth.AllowAll{}
	}
	return &Service{
		cfg:      cfg,
		table:    NewTable(),
		verifier: verifier,
		// Origin policy is owned by the deployment front; the router
		// relays for browser controllers behind it.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Table exposes the routing table for status collaborators and tests.
func (s *Service) Table() *Table {
	return s.table
}

// Handler returns the endpoint mux: one path per cardhost identity, one
// per controller session + target cardhost.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/cardhost/{cardhostID}", s.handleCardhost)
	mux.HandleFunc("GET /v1/controller/{sessionID}/{cardhostID}", s.handleController)
	return mux
}

// Run serves until ctx is cancelled. Only listener setup errors are
// fatal; per-connection failures stay on their connections.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("router: listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Service) handleCardhost(w http.ResponseWriter, r *http.Request) {
	cardhostID := r.PathValue("cardhostID")
	if _, err := uuid.Parse(cardhostID); err != nil {
		http.Error(w, "cardhost id must be a uuid", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// The write pump stays parked until registration is accepted, so
	// every handshake reply below goes straight to the connection.
	sess := newSession("cardhost:"+cardhostID, conn, s.cfg.Session)
	defer sess.Close()

	reg, callID, err := s.awaitRegistration(conn, cardhostID)
	if err != nil {
		s.rejectRegistration(conn, callID, err)
		return
	}
	if err := s.verifier.Verify(auth.Registration{
		CardhostID:  reg.CardhostID,
		DisplayName: reg.DisplayName,
		PublicKey:   reg.PublicKey,
	}); err != nil {
		s.writeError(conn, callID, protocol.CodeAuthenticationFailed, err.Error())
		return
	}
	if err := s.table.RegisterCardhost(cardhostID, reg.DisplayName, sess); err != nil {
		s.writeError(conn, callID, protocol.CodeCardhostConflict, cardhostID)
		return
	}
	defer s.table.UnregisterCardhost(cardhostID)
	s.writeResult(conn, callID, map[string]bool{"registered": true})
	sess.start()

	sess.readLoop(func(data []byte) {
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Str("cardhost", cardhostID).Err(err).
				Msg("router: dropping malformed cardhost envelope")
			return
		}
		s.table.RouteFromCardhost(cardhostID, env, data)
	})
}

func (s *Service) handleController(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	cardhostID := r.PathValue("cardhostID")
	if strings.TrimSpace(sessionID) == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(cardhostID); err != nil {
		http.Error(w, "cardhost id must be a uuid", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := newSession("controller:"+sessionID, conn, s.cfg.Session)
	defer sess.Close()

	if err := s.table.BindController(sessionID, cardhostID, sess); err != nil {
		code := protocol.CodeCardhostNotFound
		if errors.Is(err, ErrAlreadyBound) {
			code = protocol.CodeInvalidRequest
		}
		s.notifyRouterError(conn, code, err.Error())
		return
	}
	defer s.table.UnbindController(sessionID)
	sess.start()

	sess.readLoop(func(data []byte) {
		env, err := protocol.Decode(data)
		if err != nil {
			s.replyControllerDecodeFailure(sess, data, err)
			return
		}
		if err := s.table.RouteToCardhost(sessionID, env, data); err != nil {
			s.replyRoutingFailure(sess, env, err)
		}
	})
}

// awaitRegistration reads the handshake call directly off the socket
// before the relay read loop starts.
func (s *Service) awaitRegistration(conn *websocket.Conn, cardhostID string) (protocol.RegisterParams, string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.RegisterTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.RegisterParams{}, "", fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return protocol.RegisterParams{}, "", fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	if env.Kind() != protocol.KindCall || env.Method != protocol.MethodRegister {
		return protocol.RegisterParams{}, env.ID, fmt.Errorf("%w: expected %s call", ErrInvalidRegistration, protocol.MethodRegister)
	}
	if len(env.Params) != 1 {
		return protocol.RegisterParams{}, env.ID, fmt.Errorf("%w: expected one params object", ErrInvalidRegistration)
	}
	var reg protocol.RegisterParams
	if err := json.Unmarshal(env.Params[0], &reg); err != nil {
		return protocol.RegisterParams{}, env.ID, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	if reg.ProtocolVersion != protocol.Version {
		return protocol.RegisterParams{}, env.ID, fmt.Errorf("%w: protocol version %q", ErrInvalidRegistration, reg.ProtocolVersion)
	}
	if reg.CardhostID != cardhostID {
		return protocol.RegisterParams{}, env.ID, fmt.Errorf("%w: endpoint/payload id mismatch", ErrInvalidRegistration)
	}
	return reg, env.ID, nil
}

func (s *Service) rejectRegistration(conn *websocket.Conn, callID string, cause error) {
	log.Warn().Err(cause).Msg("router: registration rejected")
	if callID == "" {
		return
	}
	s.writeError(conn, callID, protocol.CodeInvalidRequest, cause.Error())
}

// writeResult and writeError run only during the handshake phase, before
// the session's writer pump owns the connection.
func (s *Service) writeResult(conn *websocket.Conn, callID string, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	s.writeEnvelope(conn, protocol.NewResult(callID, json.RawMessage(raw)))
}

func (s *Service) writeError(conn *websocket.Conn, callID string, code int, details string) {
	if callID == "" {
		return
	}
	s.writeEnvelope(conn, protocol.NewError(callID, protocol.NewWireError(code, details)))
}

func (s *Service) notifyRouterError(conn *websocket.Conn, code int, details string) {
	params, err := protocol.MarshalParams(protocol.NewWireError(code, details))
	if err != nil {
		return
	}
	s.writeEnvelope(conn, protocol.NewNotification(protocol.MethodRouterError, params))
}

func (s *Service) writeEnvelope(conn *websocket.Conn, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.withDefaults().WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Msg("router: handshake write failed")
	}
}

// replyRoutingFailure turns a routing error into a synchronous error
// response for calls; notifications have nothing to answer.
func (s *Service) replyRoutingFailure(sess *wsSession, env protocol.Envelope, cause error) {
	code := protocol.CodeCardhostTimeout
	if errors.Is(cause, ErrCardhostNotFound) {
		code = protocol.CodeCardhostNotFound
	}
	if env.Kind() != protocol.KindCall {
		log.Debug().Err(cause).Msg("router: dropping unroutable non-call envelope")
		return
	}
	s.sendErrorResponse(sess, env.ID, code, cause.Error())
}

func (s *Service) replyControllerDecodeFailure(sess *wsSession, data []byte, cause error) {
	code := protocol.CodeParseError
	if errors.Is(cause, protocol.ErrInvalidEnvelope) || errors.Is(cause, protocol.ErrUnsupportedVersion) {
		code = protocol.CodeInvalidRequest
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.ID == "" {
		log.Warn().Err(cause).Msg("router: dropping malformed controller envelope")
		return
	}
	s.sendErrorResponse(sess, probe.ID, code, cause.Error())
}

// sendErrorResponse rides the session's writer pump; valid only after
// the session is accepted and started.
func (s *Service) sendErrorResponse(sess *wsSession, callID string, code int, details string) {
	data, err := protocol.Encode(protocol.NewError(callID, protocol.NewWireError(code, details)))
	if err != nil {
		return
	}
	if err := sess.Send(data); err != nil {
		log.Debug().Err(err).Msg("router: error reply undeliverable")
	}
}
