package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is exponential backoff: delay = min(base*2^attempt + jitter, max).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	// randFn returns a value in [0,1); nil uses math/rand.
	randFn func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      250 * time.Millisecond,
	}
}

// WithRand returns a copy using fn as the jitter source.
func (p Policy) WithRand(fn func() float64) Policy {
	p.randFn = fn
	return p
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay * time.Duration(1<<uint(attempt))
	if p.Jitter > 0 {
		r := p.randFn
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * float64(p.Jitter))
	}
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Outcome describes one Do call.
type Outcome struct {
	Attempts       int
	Classification Classification
}

// Do runs fn until it succeeds, the error is classified non-retryable, the
// attempt budget is spent or ctx is done. The returned error is the last one
// produced by fn (or ctx.Err() if the context ended during a wait).
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (Outcome, error) {
	var (
		out     Outcome
		lastErr error
	)
	max := p.attempts()
	for attempt := 0; attempt < max; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return out, lastErr
		}
		out.Attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			out.Classification = Classification{}
			return out, nil
		}
		out.Classification = Classify(lastErr)
		if !out.Classification.Retryable || attempt == max-1 {
			break
		}
		if !sleep(ctx, p.Delay(attempt)) {
			break
		}
	}
	return out, lastErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
