package transport

import (
	"math/rand"
	"time"
)

// backoff produces capped exponential reconnect delays with jitter.
// Reconnection never gives up: the cap bounds the wait, not the attempts.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = 30 * time.Second
	}
	return &backoff{base: base, max: max}
}

// next returns the delay before the following attempt, growing 2x per call
// up to the cap, with ±10% jitter to spread clients after an outage. The
// cap bounds the jittered delay too.
func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	d += jitter
	if d > b.max {
		d = b.max
	}
	return d
}

// reset is called after a successful connect.
func (b *backoff) reset() {
	b.attempt = 0
}
