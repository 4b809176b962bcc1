package protocol

import (
	"errors"
	"fmt"
)

// Wire error codes. The set is an extendable subset of JSON-RPC 2.0 plus
// domain codes in the -32000 range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeCardhostNotFound     = -32000
	CodeCardhostTimeout      = -32001
	CodeCardNotPresent       = -32002
	CodeApduError            = -32003
	CodeAuthenticationFailed = -32004
	CodeCardhostConflict     = -32005
	CodeConnectionLost       = -32006
)

var (
	ErrMalformedEnvelope  = errors.New("protocol: malformed envelope")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrInvalidEnvelope    = errors.New("protocol: invalid envelope")
)

// WireError is the JSON-RPC error object carried inside a response envelope.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *WireError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewWireError builds a wire error with the canonical message for code.
func NewWireError(code int, details string) *WireError {
	return &WireError{Code: code, Message: CodeText(code), Details: details}
}

// CodeText returns the canonical message for a known wire error code.
func CodeText(code int) string {
	switch code {
	case CodeParseError:
		return "parse error"
	case CodeInvalidRequest:
		return "invalid request"
	case CodeMethodNotFound:
		return "method not found"
	case CodeInvalidParams:
		return "invalid params"
	case CodeInternalError:
		return "internal error"
	case CodeCardhostNotFound:
		return "cardhost not found"
	case CodeCardhostTimeout:
		return "cardhost timeout"
	case CodeCardNotPresent:
		return "card not present"
	case CodeApduError:
		return "apdu error"
	case CodeAuthenticationFailed:
		return "authentication failed"
	case CodeCardhostConflict:
		return "cardhost already registered"
	case CodeConnectionLost:
		return "connection lost"
	default:
		return "unknown error"
	}
}

// IsRoutingCode reports whether code belongs to the routing error class,
// returned synchronously to a controller without attempting delivery.
func IsRoutingCode(code int) bool {
	return code == CodeCardhostNotFound || code == CodeCardhostTimeout
}
