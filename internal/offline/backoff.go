package offline

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff is the retry policy for queued operations.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Cap: 10 * time.Minute, MaxAttempts: 6}
}

// Delay returns the wait after the given zero-based failed attempt:
// min(Base * 2^attempt, Cap).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	bo := retry.WithCappedDuration(b.Cap, retry.NewExponential(b.Base))
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := bo.Next()
		if stop {
			return b.Cap
		}
		d = next
	}
	return d
}
