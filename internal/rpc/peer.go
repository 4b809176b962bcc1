package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/protocol"
)

var (
	ErrTimeout          = errors.New("rpc: call timeout")
	ErrConnectionLost   = errors.New("rpc: connection lost")
	ErrMethodNotAllowed = errors.New("rpc: method not in allow-list")
	ErrMethodRegistered = errors.New("rpc: method already registered")
)

// Handler serves one inbound method. A non-nil wire error becomes the
// error response; otherwise the returned value is marshaled as the result.
type Handler func(ctx context.Context, params []json.RawMessage) (any, *protocol.WireError)

// Sender is the owning connection's serialized write path.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Peer turns a message-oriented connection into an awaitable RPC
// endpoint: outgoing calls are correlated through the pending table,
// inbound envelopes are dispatched to registered handlers.
type Peer struct {
	sender  Sender
	pending *PendingTable

	mu       sync.RWMutex
	handlers map[string]Handler
	allowed  map[string]struct{}
}

// NewPeer builds a peer. A non-empty allow-list fixes the set of methods
// handlers may be registered for; registration outside it fails fast.
func NewPeer(sender Sender, allowed []string) *Peer {
	p := &Peer{
		sender:   sender,
		pending:  NewPendingTable(),
		handlers: make(map[string]Handler),
	}
	if len(allowed) > 0 {
		p.allowed = make(map[string]struct{}, len(allowed))
		for _, m := range allowed {
			p.allowed[strings.TrimSpace(m)] = struct{}{}
		}
	}
	return p
}

// RegisterHandler binds an inbound method to a handler.
func (p *Peer) RegisterHandler(method string, h Handler) error {
	method = strings.TrimSpace(method)
	if p.allowed != nil {
		if _, ok := p.allowed[method]; !ok {
			return fmt.Errorf("%w: %s", ErrMethodNotAllowed, method)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[method]; ok {
		return fmt.Errorf("%w: %s", ErrMethodRegistered, method)
	}
	p.handlers[method] = h
	return nil
}

// PendingCount reports calls still awaiting settlement.
func (p *Peer) PendingCount() int {
	return p.pending.Len()
}

// Call sends a correlated request and blocks until exactly one of:
// a matching response, the timeout, context cancellation, or loss of the
// owning connection.
func (p *Peer) Call(ctx context.Context, method string, params []json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	id := NewRequestID()
	now := time.Now()
	wait := p.pending.Register(id, now, now.Add(timeout))

	data, err := protocol.Encode(protocol.NewCall(id, method, params))
	if err != nil {
		p.pending.Cancel(id)
		return nil, err
	}
	if err := p.sender.Send(ctx, data); err != nil {
		p.pending.Cancel(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-wait:
		return out.Result, out.Err
	case <-timer.C:
		if p.pending.Cancel(id) {
			return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, method, timeout)
		}
		out := <-wait
		return out.Result, out.Err
	case <-ctx.Done():
		if p.pending.Cancel(id) {
			return nil, ctx.Err()
		}
		out := <-wait
		return out.Result, out.Err
	}
}

// Notify sends a fire-and-forget notification, no pending bookkeeping.
func (p *Peer) Notify(ctx context.Context, method string, params []json.RawMessage) error {
	data, err := protocol.Encode(protocol.NewNotification(method, params))
	if err != nil {
		return err
	}
	return p.sender.Send(ctx, data)
}

// FailAll rejects every pending call with a connection-lost error.
func (p *Peer) FailAll(cause error) {
	if cause == nil {
		cause = ErrConnectionLost
	} else if !errors.Is(cause, ErrConnectionLost) {
		cause = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	p.pending.FailAll(cause)
}

// Serve dispatches inbound envelopes until the channel closes, then
// rejects whatever is still pending. Per-connection arrival order is
// preserved: envelopes are dispatched one at a time.
func (p *Peer) Serve(ctx context.Context, inbound <-chan []byte) {
	for data := range inbound {
		p.Dispatch(ctx, data)
	}
	p.FailAll(nil)
}

// Dispatch routes one inbound envelope: responses settle pending calls,
// calls run the registered handler and reply, notifications run the
// handler with no reply. Malformed input yields an error response when a
// call id can be recovered, never a crash.
func (p *Peer) Dispatch(ctx context.Context, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		p.replyDecodeFailure(ctx, data, err)
		return
	}

	switch env.Kind() {
	case protocol.KindResponse:
		p.dispatchResponse(env)
	case protocol.KindCall:
		p.dispatchCall(ctx, env)
	case protocol.KindNotification:
		p.dispatchNotification(ctx, env)
	}
}

func (p *Peer) dispatchResponse(env protocol.Envelope) {
	var settled bool
	if env.Error != nil {
		settled = p.pending.Reject(env.ID, mapWireError(env.Error))
	} else {
		settled = p.pending.Resolve(env.ID, env.Result)
	}
	if !settled {
		// Late or unmatched response: discard, by contract not an error.
		log.Debug().Str("id", env.ID).Msg("rpc: discarding response with no pending call")
	}
}

func (p *Peer) dispatchCall(ctx context.Context, env protocol.Envelope) {
	handler := p.handler(env.Method)
	if handler == nil {
		p.reply(ctx, protocol.NewError(env.ID, protocol.NewWireError(protocol.CodeMethodNotFound, env.Method)))
		return
	}
	result, werr := handler(ctx, env.Params)
	if werr != nil {
		p.reply(ctx, protocol.NewError(env.ID, werr))
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		p.reply(ctx, protocol.NewError(env.ID, protocol.NewWireError(protocol.CodeInternalError, "marshal result")))
		return
	}
	p.reply(ctx, protocol.NewResult(env.ID, json.RawMessage(raw)))
}

func (p *Peer) dispatchNotification(ctx context.Context, env protocol.Envelope) {
	handler := p.handler(env.Method)
	if handler == nil {
		log.Debug().Str("method", env.Method).Msg("rpc: dropping notification with no handler")
		return
	}
	if _, werr := handler(ctx, env.Params); werr != nil {
		log.Warn().Str("method", env.Method).Str("err", werr.Error()).
			Msg("rpc: notification handler failed")
	}
}

func (p *Peer) handler(method string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[method]
}

func (p *Peer) reply(ctx context.Context, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Msg("rpc: encode reply")
		return
	}
	if err := p.sender.Send(ctx, data); err != nil {
		log.Warn().Err(err).Str("id", env.ID).Msg("rpc: send reply")
	}
}

// replyDecodeFailure answers malformed input with a structured error when
// the payload still carries a usable call id.
func (p *Peer) replyDecodeFailure(ctx context.Context, data []byte, cause error) {
	code := protocol.CodeParseError
	if errors.Is(cause, protocol.ErrInvalidEnvelope) || errors.Is(cause, protocol.ErrUnsupportedVersion) {
		code = protocol.CodeInvalidRequest
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.ID == "" {
		log.Warn().Err(cause).Msg("rpc: dropping malformed envelope without id")
		return
	}
	p.reply(ctx, protocol.NewError(probe.ID, protocol.NewWireError(code, cause.Error())))
}

// mapWireError lifts routing-synthesized connection loss into the local
// taxonomy; every other wire error surfaces as-is for code inspection.
func mapWireError(werr *protocol.WireError) error {
	if werr.Code == protocol.CodeConnectionLost {
		return fmt.Errorf("%w: %s", ErrConnectionLost, werr.Details)
	}
	return werr
}
