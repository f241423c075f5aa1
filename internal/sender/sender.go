// Package sender is the delivery path between the scheduling engine and the
// chat transport: rate limit + bounded per-attempt timeout + retry.
package sender

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	kit "autosend/internal/transport"
	logx "autosend/pkg/logx"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	CallTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

type Service struct {
	cfg     Config
	adapter kit.Adapter
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
}

// Send delivers text to chatID, blocking through rate limiting and retries.
// The caller's ctx bounds the whole call; each transport attempt gets its
// own tighter timeout so one hung attempt cannot eat the retry budget.
func (s *Service) Send(ctx context.Context, chatID int64, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	target := kit.ChatTarget{ChatID: chatID}

	maxAttempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		_, err := s.adapter.SendText(callCtx, target, text, nil)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("send attempt failed",
			logx.Int64("chat_id", chatID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(s.cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return lastErr
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, jittered 0.7..1.3.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
