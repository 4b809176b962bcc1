// Package cardhost runs the card-side agent: it owns the local reader,
// keeps one outbound connection to the router, and serves the APDU
// methods controllers call through the relay.
//
// Ownership boundary:
// - the Reader abstraction and the simulated reader
// - the registration handshake and re-registration after reconnect
// - inbound method handlers (apdu.transmit, card.status, cardhost.describe,
//   heartbeat.ping)
package cardhost
