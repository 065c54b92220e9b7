package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"ferry/internal/config"
)

// Result is the outcome of a WaitReady run.
type Result struct {
	Healthy        bool
	Attempts       int
	HTTPStatus     int
	ResponseTimeMs int64
	Err            error
}

// Waiter polls a URL until it answers successfully or the attempt limit
// is reached.
type Waiter struct {
	prober   *Prober
	interval time.Duration
	attempts int
}

// NewWaiter creates a waiter from the healthcheck configuration.
func NewWaiter(cfg config.HealthcheckConfig) *Waiter {
	return &Waiter{
		prober:   NewProber(WithTimeout(cfg.Timeout)),
		interval: cfg.Interval,
		attempts: cfg.Attempts,
	}
}

// WaitReady probes the URL until a 2xx/3xx response, up to the configured
// attempt count with a fixed interval between probes. The returned Result
// always describes the last probe; Result.Healthy says whether the loop
// succeeded.
func (w *Waiter) WaitReady(ctx context.Context, url string) *Result {
	result := &Result{}

	for attempt := 1; attempt <= w.attempts; attempt++ {
		result.Attempts = attempt

		status, elapsed, err := w.prober.Probe(ctx, url)
		result.HTTPStatus = status
		result.ResponseTimeMs = elapsed
		result.Err = err

		if err == nil && status >= 200 && status < 400 {
			result.Healthy = true
			log.Info().
				Str("url", url).
				Int("http_status", status).
				Int64("response_time_ms", elapsed).
				Int("attempt", attempt).
				Msg("Liveness probe succeeded")
			return result
		}

		if err != nil {
			log.Debug().
				Err(err).
				Str("url", url).
				Int("attempt", attempt).
				Msg("Liveness probe failed")
		} else {
			result.Err = fmt.Errorf("unexpected HTTP status %d", status)
			log.Debug().
				Str("url", url).
				Int("http_status", status).
				Int("attempt", attempt).
				Msg("Liveness probe returned non-success status")
		}

		if attempt < w.attempts {
			select {
			case <-time.After(w.interval):
			case <-ctx.Done():
				result.Err = ctx.Err()
				return result
			}
		}
	}

	return result
}
