package internal

import (
	"math/rand/v2"
	"time"
)

// Shuffle shuffles the given addresses in place.
func Shuffle(arr []string) {
	for i := range arr {
		j := rand.IntN(i + 1)
		arr[i], arr[j] = arr[j], arr[i]
	}
}

// jitter returns d randomized by up to ±frac of d.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * frac
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// RandomSessionID returns a random non-zero ID that can be represented
// exactly as a float64, so peers decoding JSON numbers as doubles agree on
// it.
func RandomSessionID() uint64 {
	return rand.Uint64N(1<<53-1) + 1
}
