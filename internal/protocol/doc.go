// Package protocol owns the JSON-RPC wire contract.
//
// Ownership boundary:
// - envelope shape and strict encode/decode
// - wire error codes and the error taxonomy mapping
//
// The router forwards envelopes verbatim; only connection endpoints
// (cardhost, controller) interpret method semantics.
package protocol
