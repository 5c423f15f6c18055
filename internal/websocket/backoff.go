package websocket

import "time"

// Backoff produces exponentially growing reconnect delays.
//
// The n-th consecutive delay is min(Base * 2^(n-1), Max). Reset starts the
// sequence over after a successful connection. Backoff is not safe for
// concurrent use; the client only touches it from its run goroutine.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next advances the attempt counter and returns the delay to wait before it.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return Delay(b.Base, b.Max, b.attempt)
}

// Reset sets the attempt counter back to zero.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Delay computes min(base * 2^(attempt-1), max) without overflowing.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= max || d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
