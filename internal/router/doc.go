// Package router owns the relay between cardhosts and controllers.
//
// Ownership boundary:
// - routing table: cardhost identity -> one live connection, controller
//   session -> bound cardhost
// - server-side websocket sessions (single writer, ping/pong liveness)
// - the cardhost and controller endpoints
//
// The router forwards envelopes verbatim and never interprets APDU
// semantics. Per-source message order is preserved; no ordering is
// guaranteed across different source connections.
package router
