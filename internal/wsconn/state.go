package wsconn

// State is the lifecycle position of one logical peer connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the machine can never leave s.
// Disconnected is terminal only after an explicit disconnect; the
// initial Disconnected state leaves via Connect.
func (s State) Terminal() bool {
	return s == Failed || s == Disconnected
}
