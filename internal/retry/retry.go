package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig is the partner-call default: 5 attempts, 1s initial delay
// doubling to a 60s ceiling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
	}
}

// Result is the explicit outcome of a retried operation.
type Result struct {
	Success      bool
	Attempts     int
	Err          error
	LastCategory Category
}

// WithRetry executes fn, retrying on retryable classifications with
// exponential backoff plus ±10% jitter. A non-retryable failure returns after
// the first attempt. The context deadline is honored at every wait.
func WithRetry(ctx context.Context, cfg Config, fn func(ctx context.Context) error) Result {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}

	var lastErr error
	var lastCat Category
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Err: err, LastCategory: lastCat}
		}

		err := fn(ctx)
		if err == nil {
			return Result{Success: true, Attempts: attempt}
		}

		c := Classify(err)
		lastErr = err
		lastCat = c.Category
		if !c.Retryable {
			return Result{Attempts: attempt, Err: err, LastCategory: c.Category}
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Backoff(cfg, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Attempts: attempt, Err: ctx.Err(), LastCategory: c.Category}
		case <-timer.C:
		}
	}

	return Result{Attempts: cfg.MaxAttempts, Err: lastErr, LastCategory: lastCat}
}

// Backoff returns the wait before attempt+1:
// min(initial * multiplier^(attempt-1), max) with ±10% uniform jitter.
func Backoff(cfg Config, attempt int) time.Duration {
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if max := float64(cfg.MaxDelay); base > max {
		base = max
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(base * jitter)
}
