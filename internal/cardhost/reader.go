package cardhost

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

var (
	ErrCardNotPresent = errors.New("cardhost: card not present")
	ErrReaderGone     = errors.New("cardhost: reader unavailable")
)

// Status is the observable card state reported over card.status.
type Status struct {
	Present bool   `json:"present"`
	ATR     string `json:"atr,omitempty"`
}

// Reader abstracts the local smart-card interface. Transmit carries one
// raw command APDU and returns the raw response including the status
// word; card-level failures live in the status word, not in the error.
type Reader interface {
	Status() (Status, error)
	Transmit(apdu []byte) ([]byte, error)
}

// ISO 7816-4 status words the simulator answers with.
var (
	swOK            = []byte{0x90, 0x00}
	swWrongLength   = []byte{0x67, 0x00}
	swInsNotSupport = []byte{0x6D, 0x00}
	swFileNotFound  = []byte{0x6A, 0x82}
)

// SimReader is an in-memory reader used when no PC/SC hardware is
// attached. It answers SELECT and READ BINARY against a single fixed
// file and rejects everything else with the proper status word.
type SimReader struct {
	mu      sync.Mutex
	present bool
	atr     []byte
	file    []byte
}

func NewSimReader() *SimReader {
	return &SimReader{
		present: true,
		atr:     []byte{0x3B, 0x9F, 0x96, 0x80, 0x3F, 0xC7, 0x82, 0x80, 0x31, 0xE0, 0x73},
		file:    []byte("jsapdu simulated card"),
	}
}

// SetPresent simulates card insertion and removal.
func (r *SimReader) SetPresent(present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = present
}

func (r *SimReader) Status() (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.present {
		return Status{Present: false}, nil
	}
	return Status{Present: true, ATR: hexUpper(r.atr)}, nil
}

func (r *SimReader) Transmit(apdu []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.present {
		return nil, ErrCardNotPresent
	}
	if len(apdu) < 4 {
		return swWrongLength, nil
	}
	ins := apdu[1]
	switch ins {
	case 0xA4: // SELECT
		if len(apdu) > 5 && apdu[4] == 0x00 {
			return swFileNotFound, nil
		}
		return swOK, nil
	case 0xB0: // READ BINARY
		offset := int(apdu[2])<<8 | int(apdu[3])
		if offset >= len(r.file) {
			return swWrongLength, nil
		}
		n := len(r.file) - offset
		if len(apdu) >= 5 && int(apdu[4]) > 0 && int(apdu[4]) < n {
			n = int(apdu[4])
		}
		out := make([]byte, 0, n+2)
		out = append(out, r.file[offset:offset+n]...)
		return append(out, swOK...), nil
	default:
		return swInsNotSupport, nil
	}
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
