package rpchub

import (
	"math"
	"time"
)

// BackoffConfig defines the parameters for exponential backoff
type BackoffConfig struct {
	// Initial delay before first retry
	InitialDelay time.Duration `yaml:"initial_delay"`
	// Maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay"`
	// Factor to multiply the delay by after each retry
	Factor float64 `yaml:"factor"`
	// Jitter adds randomness to prevent thundering herd.
	// Fraction of the current delay to use for
	// a jitter window around 0.
	Jitter float64 `yaml:"jitter"`
}

var defaultReconnectBackoff = BackoffConfig{
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Factor:       2.0,
	Jitter:       0.2, // 20% jitter
}

var defaultRerouteBackoff = BackoffConfig{
	InitialDelay: 5 * time.Millisecond,
	MaxDelay:     time.Second,
	Factor:       2.0,
	Jitter:       0.2,
}

// expBackoff implements exponential backoff with jitter.
// It is used by a single goroutine and has no lock.
type expBackoff struct {
	config  BackoffConfig
	attempt int
	last    time.Time
}

func newExpBackoff(config BackoffConfig) *expBackoff {
	if config.Factor < 1 {
		config.Factor = 1
	}
	return &expBackoff{
		config: config,
	}
}

// next returns the next delay duration
func (b *expBackoff) next() time.Duration {
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Factor, float64(b.attempt))

	// in (-0.5, 0.5)
	f1 := float64(cryptoRandInt64RangePosOrNeg(1e6-1)) / 2e6
	jitter := f1 * b.config.Jitter * delay
	delay += jitter

	if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
		// but still jitter, a little.
		jitter = f1 * b.config.Jitter * delay / 2
		if jitter < 0 {
			jitter = -jitter
		}
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}

	b.attempt++
	b.last = time.Now()
	return time.Duration(delay)
}

func (b *expBackoff) reset() {
	b.attempt = 0
	b.last = time.Time{}
}
