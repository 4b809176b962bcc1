package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewRequestID returns a correlation id: millisecond time prefix plus a
// random suffix. Collisions are negligible at realistic call rates.
func NewRequestID() string {
	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// crypto/rand never fails on supported platforms; keep ids unique anyway.
		return fmt.Sprintf("%x-%x", time.Now().UnixMilli(), time.Now().UnixNano())
	}
	return fmt.Sprintf("%x-%s", time.Now().UnixMilli(), hex.EncodeToString(suffix[:]))
}
