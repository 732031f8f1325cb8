package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/cfg"
)

// Policy parameterizes the backoff loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	JitterFrac  float64
}

// DefaultPolicy mirrors the configuration defaults.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	Multiplier:  2.0,
	MaxDelay:    30 * time.Second,
	JitterFrac:  0.25,
}

// PolicyFromConfig converts the loaded retry configuration.
func PolicyFromConfig(rc cfg.RetryConfiguration) Policy {
	return Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   time.Duration(rc.BaseDelayMS) * time.Millisecond,
		Multiplier:  rc.Multiplier,
		MaxDelay:    time.Duration(rc.MaxDelayMS) * time.Millisecond,
		JitterFrac:  rc.JitterFrac,
	}
}

// Delay returns the backoff before the given attempt (1-based): the
// exponential base·mult^(n-1) capped at MaxDelay, stretched by a random
// jitter in [0, JitterFrac].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.JitterFrac > 0 {
		d *= 1 + rand.Float64()*p.JitterFrac
	}
	return time.Duration(d)
}

// Do runs fn under the policy. Transient failures are retried with
// backoff; any other category returns immediately. When the attempt cap
// is exhausted the last error is returned tagged Terminal, so the
// caller routes it to the DLQ rather than dropping it.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		category := Classify(lastErr)
		if category != CategoryTransient {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		log.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", p.MaxAttempts).
			Dur("backoff", delay).
			Msg("Transient failure, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return Wrap(CategoryTerminal, fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr))
}
