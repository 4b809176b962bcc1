// Package wsconn owns the per-peer connection lifecycle.
//
// Ownership boundary:
// - connect/heartbeat/reconnect/fail state machine
// - jittered exponential backoff between reconnect attempts
// - single-writer transport discipline and the inbound message channel
//
// One Conn owns at most one live transport at a time. Failed and
// explicitly-disconnected machines are terminal; callers build a fresh
// Conn to try again.
package wsconn
