package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "autosend/internal/transport"
	logx "autosend/pkg/logx"
)

type scriptedAdapter struct {
	mu       sync.Mutex
	attempts int
	failures int // fail this many attempts, then succeed
	lastText string
	lastChat int64
}

func (a *scriptedAdapter) Start(ctx context.Context, out chan<- kit.Message) error { return nil }
func (a *scriptedAdapter) Stop(ctx context.Context) error                          { return nil }

func (a *scriptedAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	if a.attempts <= a.failures {
		return kit.MessageRef{}, errors.New("temporarily unavailable")
	}
	a.lastText = text
	a.lastChat = to.ChatID
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.attempts}, nil
}

func (a *scriptedAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

func fastConfig() Config {
	return Config{
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		CallTimeout:   time.Second,
	}
}

func TestSendFirstTry(t *testing.T) {
	t.Parallel()
	ad := &scriptedAdapter{}
	s := New(fastConfig(), ad, logx.Nop())

	if err := s.Send(context.Background(), 42, "hello"); err != nil {
		t.Fatal(err)
	}
	if ad.count() != 1 || ad.lastChat != 42 || ad.lastText != "hello" {
		t.Fatalf("adapter state: attempts=%d chat=%d text=%q", ad.count(), ad.lastChat, ad.lastText)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ad := &scriptedAdapter{failures: 2}
	s := New(fastConfig(), ad, logx.Nop())

	if err := s.Send(context.Background(), 1, "x"); err != nil {
		t.Fatal(err)
	}
	if ad.count() != 3 {
		t.Fatalf("attempts = %d, want 3", ad.count())
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	t.Parallel()
	ad := &scriptedAdapter{failures: 100}
	s := New(fastConfig(), ad, logx.Nop())

	err := s.Send(context.Background(), 1, "x")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if ad.count() != 3 { // 1 + RetryMax
		t.Fatalf("attempts = %d, want 3", ad.count())
	}
}

func TestSendHonorsCancellation(t *testing.T) {
	t.Parallel()
	ad := &scriptedAdapter{failures: 100}
	cfg := fastConfig()
	cfg.RetryMax = 10
	cfg.RetryBase = 50 * time.Millisecond
	cfg.RetryMaxDelay = time.Second
	s := New(cfg, ad, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := s.Send(ctx, 1, "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := ad.count(); n > 2 {
		t.Fatalf("attempts after cancel = %d", n)
	}
}

func TestRetryDelayBoundedAndGrows(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	// With jitter 0.7..1.3 the first delay stays well under the fourth.
	if a, b := retryDelay(cfg, 1), retryDelay(cfg, 4); a >= b {
		t.Fatalf("delay(1)=%v not below delay(4)=%v", a, b)
	}
}
