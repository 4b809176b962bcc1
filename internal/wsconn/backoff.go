package wsconn

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the reconnect delay before attempt N (0-based):
// base * 2^attempt, jittered by ±20%, then capped at maxDelay.
func NextBackoffDelay(base, maxDelay time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if rng != nil {
		delay = delay * (0.8 + 0.4*rng.Float64())
	}
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}
