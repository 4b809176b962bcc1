package protocol

import "encoding/json"

// Version is the only protocol version this contract speaks.
const Version = "2.0"

// Kind classifies one decoded envelope.
type Kind int

const (
	KindCall Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Envelope is one JSON-RPC message unit: call, notification, or response.
// Params and Result stay raw so the router can relay without reinterpreting.
type Envelope struct {
	Version string            `json:"jsonrpc"`
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *WireError        `json:"error,omitempty"`
}

// Kind reports the message class. Valid only for envelopes that passed Decode.
func (e Envelope) Kind() Kind {
	if e.Method != "" {
		if e.ID == "" {
			return KindNotification
		}
		return KindCall
	}
	return KindResponse
}

// NewCall builds a call envelope expecting a correlated response.
func NewCall(id, method string, params []json.RawMessage) Envelope {
	return Envelope{Version: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a fire-and-forget envelope with no id.
func NewNotification(method string, params []json.RawMessage) Envelope {
	return Envelope{Version: Version, Method: method, Params: params}
}

// NewResult builds a success response for the given call id.
func NewResult(id string, result json.RawMessage) Envelope {
	return Envelope{Version: Version, ID: id, Result: result}
}

// NewError builds an error response for the given call id.
func NewError(id string, werr *WireError) Envelope {
	return Envelope{Version: Version, ID: id, Error: werr}
}

// MarshalParams encodes positional params for an outgoing envelope.
func MarshalParams(params ...any) ([]json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, nil
}
