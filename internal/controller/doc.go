// Package controller is the browser-facing client of the relay: it
// holds one websocket session bound to a single cardhost and exposes
// the card methods as awaitable calls.
package controller
