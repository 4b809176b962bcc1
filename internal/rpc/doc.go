// Package rpc owns request/response correlation over one connection.
//
// Ownership boundary:
// - request id generation
// - pending-call table with at-most-once resolution
// - call/notify/dispatch and the method handler registry
//
// Exactly one of {response, timeout, cancellation, connection loss}
// settles each pending call.
package rpc
