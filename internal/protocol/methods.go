package protocol

// Wire method names shared by the router, cardhosts, and controllers.
const (
	// MethodRegister is the first call a cardhost must issue after
	// connecting to its router endpoint.
	MethodRegister = "cardhost.register"
	// MethodGone tells bound controllers their cardhost left.
	MethodGone = "cardhost.gone"
	// MethodRouterError carries endpoint-level failures that have no
	// originating call id, e.g. a failed controller bind.
	MethodRouterError = "router.error"

	MethodTransmit   = "apdu.transmit"
	MethodCardStatus = "card.status"
	MethodDescribe   = "cardhost.describe"
	MethodPing       = "heartbeat.ping"
)

// RegisterParams is the payload of a cardhost.register call.
type RegisterParams struct {
	CardhostID      string `json:"cardhostId"`
	DisplayName     string `json:"displayName"`
	PublicKey       string `json:"publicKey"`
	ProtocolVersion string `json:"protocolVersion"`
}
