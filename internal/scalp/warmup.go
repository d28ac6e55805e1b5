package scalp

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/observ"
)

// RetryPolicy bounds the warm-up bar fetch
type RetryPolicy struct {
	MaxAttempts int           // default 5
	BaseDelay   time.Duration // default 500ms, doubled per attempt
	MaxDelay    time.Duration // default 10s
}

func (p *RetryPolicy) applyDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Add jitter (±10%)
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

// warmup fetches today's completed minute bars from the regular open up to
// the current minute. Transient failures are retried with backoff; once
// the attempts run out construction fails.
func (m *Machine) warmup(ctx context.Context) ([]market.Bar, error) {
	now := m.now()
	start := m.cfg.Session.MarketOpen(now)
	end := now.Truncate(time.Minute)
	if !end.After(start) {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.Warmup.MaxAttempts; attempt++ {
		if attempt > 0 {
			d := m.cfg.Warmup.delay(attempt - 1)
			m.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", d).Msg("warm-up fetch failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}

		bars, err := m.gw.GetBars(ctx, m.symbol, broker.TimeframeMinute, start, end)
		if err == nil {
			observ.IncWarmupAttempt(m.symbol, "ok")
			return completed(bars, end), nil
		}
		observ.IncWarmupAttempt(m.symbol, "error")
		lastErr = err
	}
	return nil, fmt.Errorf("warm-up bars for %s after %d attempts: %w", m.symbol, m.cfg.Warmup.MaxAttempts, lastErr)
}

// completed drops a bar still forming at end
func completed(bars []market.Bar, end time.Time) []market.Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out
}
