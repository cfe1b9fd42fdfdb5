package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"possync/internal/gateway/broker"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		category  Category
		retryable bool
	}{
		{"no security definition code", broker.NewError("fetch", broker.CodeNoSecurityDef, "No security definition has been found"), CategoryContractNotFound, false},
		{"pacing code", broker.NewError("fetch", broker.CodePacingViolation, "max rate"), CategoryRateLimit, true},
		{"not subscribed code", broker.NewError("fetch", broker.CodeNotSubscribed, "requested market data is not subscribed"), CategoryNoData, true},
		{"connectivity lost", broker.NewError("subscribe", broker.CodeConnectivityLost, "lost"), CategoryConnection, true},
		{"competing session", broker.NewError("fetch", broker.CodeCompetingSession, "competing live session"), CategoryAuth, false},
		{"http 401", &broker.Error{Op: "fetch", HTTPStatus: http.StatusUnauthorized}, CategoryAuth, false},
		{"http 429", &broker.Error{Op: "fetch", HTTPStatus: http.StatusTooManyRequests}, CategoryRateLimit, true},
		{"http 503", &broker.Error{Op: "fetch", HTTPStatus: http.StatusServiceUnavailable}, CategoryConnection, true},
		{"wrapped code", fmt.Errorf("worker: %w", broker.NewError("fetch", broker.CodeNoSecurityDef, "x")), CategoryContractNotFound, false},
		{"deadline", context.DeadlineExceeded, CategoryConnection, true},
		{"not connected sentinel", fmt.Errorf("dial: %w", broker.ErrNotConnected), CategoryConnection, true},
		{"pattern fallback", errors.New("Error 200: No security definition has been found"), CategoryContractNotFound, false},
		{"pattern auth", errors.New("client not authenticated"), CategoryAuth, false},
		{"unknown", errors.New("something odd"), CategoryUnknown, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			assert.Equal(t, tc.category, got.Category)
			assert.Equal(t, tc.retryable, got.Retryable)
		})
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 50 * time.Millisecond}.
		WithRand(func() float64 { return 0.5 })

	assert.Equal(t, 125*time.Millisecond, p.Delay(0))
	assert.Equal(t, 225*time.Millisecond, p.Delay(1))
	assert.Equal(t, 425*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(100))
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		out, err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
			calls++
			if calls < 3 {
				return broker.NewError("fetch", broker.CodeConnectivityLost, "lost")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 3, out.Attempts)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		out, err := Do(context.Background(), fastPolicy(4), func(context.Context) error {
			calls++
			return broker.NewError("fetch", broker.CodePacingViolation, "pacing")
		})
		assert.Error(t, err)
		assert.Equal(t, 4, calls)
		assert.Equal(t, CategoryRateLimit, out.Classification.Category)
	})

	t.Run("non-retryable attempted once", func(t *testing.T) {
		calls := 0
		out, err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
			calls++
			return broker.NewError("fetch", broker.CodeNoSecurityDef, "no security definition")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, out.Attempts)
		assert.False(t, out.Classification.Retryable)
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		calls := 0
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := Do(ctx, p, func(context.Context) error {
				calls++
				return errors.New("timeout")
			})
			assert.Error(t, err)
		}()
		time.Sleep(20 * time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Do did not return after cancel")
		}
		assert.Equal(t, 1, calls)
	})
}
