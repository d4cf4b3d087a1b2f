package store

import (
	"time"
)

// Backoff is the retry schedule callers use while the store reports
// ErrStoreUnavailable.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry attempt n, counting from zero. It
// doubles from Base and is capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	d := base
	for i := 0; i < n && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
