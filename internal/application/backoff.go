package application

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 10 * time.Second
)

// JitteredDelay spreads base by +-jitterPct percent, capped at ceiling.
func JitteredDelay(base, ceiling time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = 25
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > ceiling {
		wait = ceiling
	}
	return wait
}

// ExponentialDelay is the delay before retry number attempt (1-based).
func ExponentialDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	return JitteredDelay(min(delay, ceiling), ceiling, 25)
}
