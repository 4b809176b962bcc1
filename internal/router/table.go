package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/observability"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/protocol"
)

var (
	ErrCardhostConflict = errors.New("router: cardhost already registered")
	ErrCardhostNotFound = errors.New("router: cardhost not found")
	ErrCardhostTimeout  = errors.New("router: cardhost connection not live")
	ErrAlreadyBound     = errors.New("router: controller session already bound")
)

// CardhostInfo is the read-only status snapshot handed to the external
// REST/metrics collaborators.
type CardhostInfo struct {
	ID            string    `json:"cardhostId"`
	DisplayName   string    `json:"displayName"`
	Status        string    `json:"status"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// entry holds the single live connection for one cardhost identity plus
// the controller sessions bound to it. Mutations on one cardhost are
// serialized by the entry mutex, not a table-wide lock.
type entry struct {
	mu          sync.Mutex
	cardhostID  string
	displayName string
	link        Link
	connectedAt time.Time
	controllers map[string]Link
	// inflight maps forwarded call ids to the issuing controller session,
	// so responses return to their source and unregister can settle them.
	inflight map[string]string
}

// Table is the authoritative routing state: at most one live cardhost
// connection per id, each controller session bound to at most one
// cardhost.
type Table struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	bindings map[string]string
}

func NewTable() *Table {
	return &Table{
		entries:  make(map[string]*entry),
		bindings: make(map[string]string),
	}
}

// RegisterCardhost claims the identity for one live connection. A second
// registration under a live id is rejected; the existing connection is
// never silently evicted.
func (t *Table) RegisterCardhost(cardhostID, displayName string, link Link) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[cardhostID]; ok {
		return fmt.Errorf("%w: %s", ErrCardhostConflict, cardhostID)
	}
	t.entries[cardhostID] = &entry{
		cardhostID:  cardhostID,
		displayName: displayName,
		link:        link,
		connectedAt: time.Now(),
		controllers: make(map[string]Link),
		inflight:    make(map[string]string),
	}
	observability.SetConnectedCardhosts(len(t.entries))
	log.Info().Str("cardhost", cardhostID).Msg("router: cardhost registered")
	return nil
}

// UnregisterCardhost drops the routing entry. Every tracked in-flight
// call is settled with a connection-lost error response to its issuing
// controller, every bound session is told the cardhost is gone, and all
// bindings are cleared.
func (t *Table) UnregisterCardhost(cardhostID string) {
	t.mu.Lock()
	e, ok := t.entries[cardhostID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, cardhostID)
	for sessionID, boundTo := range t.bindings {
		if boundTo == cardhostID {
			delete(t.bindings, sessionID)
		}
	}
	observability.SetConnectedCardhosts(len(t.entries))
	observability.SetBoundControllers(len(t.bindings))
	t.mu.Unlock()

	e.mu.Lock()
	controllers := make(map[string]Link, len(e.controllers))
	for id, link := range e.controllers {
		controllers[id] = link
	}
	inflight := e.inflight
	e.controllers = make(map[string]Link)
	e.inflight = make(map[string]string)
	e.link = nil
	e.mu.Unlock()

	for callID, sessionID := range inflight {
		link, ok := controllers[sessionID]
		if !ok {
			continue
		}
		env := protocol.NewError(callID,
			protocol.NewWireError(protocol.CodeConnectionLost, "cardhost unregistered"))
		data, err := protocol.Encode(env)
		if err != nil {
			continue
		}
		if err := link.Send(data); err != nil {
			log.Debug().Str("session", sessionID).Err(err).
				Msg("router: connection-lost settlement undeliverable")
		}
	}

	gone, err := goneNotification(cardhostID)
	if err == nil {
		for sessionID, link := range controllers {
			if err := link.Send(gone); err != nil {
				log.Debug().Str("session", sessionID).Err(err).
					Msg("router: cardhost.gone undeliverable")
			}
		}
	}
	log.Info().Str("cardhost", cardhostID).Int("controllers", len(controllers)).
		Msg("router: cardhost unregistered")
}

// BindController attaches a controller session to a registered cardhost.
func (t *Table) BindController(sessionID, cardhostID string, link Link) error {
	t.mu.Lock()
	if _, ok := t.bindings[sessionID]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyBound, sessionID)
	}
	e, ok := t.entries[cardhostID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCardhostNotFound, cardhostID)
	}
	t.bindings[sessionID] = cardhostID
	observability.SetBoundControllers(len(t.bindings))
	t.mu.Unlock()

	e.mu.Lock()
	e.controllers[sessionID] = link
	e.mu.Unlock()
	log.Info().Str("session", sessionID).Str("cardhost", cardhostID).
		Msg("router: controller bound")
	return nil
}

// UnbindController detaches the session from whatever cardhost it was
// bound to. The cardhost connection is unaffected.
func (t *Table) UnbindController(sessionID string) {
	t.mu.Lock()
	cardhostID, ok := t.bindings[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.bindings, sessionID)
	e := t.entries[cardhostID]
	observability.SetBoundControllers(len(t.bindings))
	t.mu.Unlock()

	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.controllers, sessionID)
	for callID, issuer := range e.inflight {
		if issuer == sessionID {
			delete(e.inflight, callID)
		}
	}
	e.mu.Unlock()
}

// RouteToCardhost forwards one controller envelope verbatim to the bound
// cardhost connection. It returns immediately after the hand-off, without
// waiting for the cardhost's eventual response.
func (t *Table) RouteToCardhost(sessionID string, env protocol.Envelope, raw []byte) error {
	t.mu.RLock()
	cardhostID, bound := t.bindings[sessionID]
	var e *entry
	if bound {
		e = t.entries[cardhostID]
	}
	t.mu.RUnlock()
	if !bound || e == nil {
		observability.RecordRoutingError(protocol.CodeCardhostNotFound)
		return fmt.Errorf("%w: session %s unbound", ErrCardhostNotFound, sessionID)
	}

	e.mu.Lock()
	link := e.link
	if link == nil || !link.Alive() {
		e.mu.Unlock()
		observability.RecordRoutingError(protocol.CodeCardhostTimeout)
		return fmt.Errorf("%w: %s", ErrCardhostTimeout, cardhostID)
	}
	if env.Kind() == protocol.KindCall {
		e.inflight[env.ID] = sessionID
	}
	err := link.Send(raw)
	if err != nil && env.Kind() == protocol.KindCall {
		delete(e.inflight, env.ID)
	}
	e.mu.Unlock()
	if err != nil {
		observability.RecordRoutingError(protocol.CodeCardhostTimeout)
		return fmt.Errorf("%w: %v", ErrCardhostTimeout, err)
	}
	observability.RecordRoutedEnvelope("to_cardhost")
	return nil
}

// RouteFromCardhost forwards one cardhost envelope. A response whose id
// matches a tracked in-flight call goes only to the issuing session; a
// response nobody is waiting for is discarded; everything else fans out
// to every bound controller.
func (t *Table) RouteFromCardhost(cardhostID string, env protocol.Envelope, raw []byte) {
	e := t.lookup(cardhostID)
	if e == nil {
		log.Debug().Str("cardhost", cardhostID).Msg("router: traffic from unregistered cardhost")
		return
	}
	if env.Kind() != protocol.KindResponse {
		t.RouteToControllers(cardhostID, raw)
		return
	}

	e.mu.Lock()
	sessionID, tracked := e.inflight[env.ID]
	if tracked {
		delete(e.inflight, env.ID)
	}
	link := e.controllers[sessionID]
	e.mu.Unlock()

	if !tracked || link == nil {
		log.Debug().Str("cardhost", cardhostID).Str("id", env.ID).
			Msg("router: discarding response with no tracked call")
		return
	}
	if err := link.Send(raw); err != nil {
		log.Debug().Str("session", sessionID).Err(err).Msg("router: response undeliverable")
		return
	}
	observability.RecordRoutedEnvelope("to_controller")
}

// RouteToControllers fans one envelope out to every controller session
// bound to the cardhost. Delivery is best effort per session: one failed
// send never blocks the rest.
func (t *Table) RouteToControllers(cardhostID string, raw []byte) {
	e := t.lookup(cardhostID)
	if e == nil {
		return
	}
	e.mu.Lock()
	links := make(map[string]Link, len(e.controllers))
	for id, link := range e.controllers {
		links[id] = link
	}
	e.mu.Unlock()

	for sessionID, link := range links {
		if err := link.Send(raw); err != nil {
			log.Debug().Str("session", sessionID).Err(err).Msg("router: fan-out send failed")
			continue
		}
		observability.RecordRoutedEnvelope("to_controller")
	}
}

// Snapshot returns per-cardhost status for the external read surface.
func (t *Table) Snapshot() []CardhostInfo {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]CardhostInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		info := CardhostInfo{
			ID:          e.cardhostID,
			DisplayName: e.displayName,
			Status:      "disconnected",
			ConnectedAt: e.connectedAt,
		}
		if e.link != nil && e.link.Alive() {
			info.Status = "connected"
			info.LastHeartbeat = e.link.LastHeartbeat()
		}
		e.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports connected cardhosts and bound controller sessions.
func (t *Table) Counts() (cardhosts, controllers int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries), len(t.bindings)
}

// BoundCardhost reports which cardhost a session is bound to.
func (t *Table) BoundCardhost(sessionID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.bindings[sessionID]
	return id, ok
}

func (t *Table) lookup(cardhostID string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[cardhostID]
}

func goneNotification(cardhostID string) ([]byte, error) {
	params, err := protocol.MarshalParams(cardhostID)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(protocol.NewNotification(protocol.MethodGone, params))
}
