// Package executor runs one-shot delayed jobs keyed by a dedup key.
//
// The enqueue policy is replace-existing: enqueuing under a key that already
// has a pending job atomically supersedes it, so at most one job is ever
// pending per key. Cancelling a key whose job has already started does not
// interrupt the in-flight run; it only prevents the pending timer from firing.
//
// The executor is not durable. Callers rebuild their jobs from persistent
// state at startup (see repo.RescheduleAll).
package executor

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	logx "autosend/pkg/logx"
)

// Job is the callback invoked at or after the requested delay.
// intendedAt is the instant the job was aimed at, for staleness checks.
type Job func(ctx context.Context, intendedAt time.Time)

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration // per-job run budget; 0 disables
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type entry struct {
	ver   uint64
	at    time.Time
	timer *time.Timer
	job   Job
}

type fired struct {
	key        string
	intendedAt time.Time
	job        Job
}

// PendingJob describes one armed timer, for /status.
type PendingJob struct {
	Key string
	At  time.Time
}

type HistoryItem struct {
	Key      string
	Started  time.Time
	Duration time.Duration
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	pending map[string]*entry

	queue    chan fired
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		pending: map[string]*entry{},
	}
}

// Start launches the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.queue = make(chan fired, s.cfg.QueueSize)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}
	s.log.Info("executor started", logx.Int("workers", s.cfg.Workers))
}

// Stop disarms all timers and waits for in-flight jobs.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.cancel
	s.stopCh = nil
	s.cancel = nil
	s.queue = nil
	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("executor stopped")
}

// Enqueue arms (or re-arms) the job for key to run after delay.
// A previous pending job under the same key is superseded.
func (s *Service) Enqueue(key string, delay time.Duration, job Job) {
	if delay < 0 {
		delay = 0
	}
	at := time.Now().Add(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		s.log.Warn("enqueue on stopped executor dropped", logx.String("key", key))
		return
	}

	var ver uint64 = 1
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
		ver = prev.ver + 1
	}

	e := &entry{ver: ver, at: at, job: job}
	localKey := key
	localVer := ver
	e.timer = time.AfterFunc(delay, func() {
		// A replaced or cancelled timer may still fire; the version
		// check makes its callback a no-op.
		s.mu.Lock()
		cur, ok := s.pending[localKey]
		if !ok || cur.ver != localVer {
			s.mu.Unlock()
			return
		}
		delete(s.pending, localKey)
		queue := s.queue
		s.mu.Unlock()
		if queue == nil {
			return
		}
		select {
		case queue <- fired{key: localKey, intendedAt: cur.at, job: cur.job}:
		default:
			s.log.Warn("executor queue full, job dropped", logx.String("key", localKey))
		}
	})
	s.pending[key] = e
	s.log.Debug("job armed", logx.String("key", key), logx.Duration("delay", delay), logx.Time("at", at))
}

// Cancel disarms the pending job for key, if any. No-op when absent.
func (s *Service) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	s.log.Debug("job cancelled", logx.String("key", key))
	return true
}

// Pending reports whether a job is armed for key.
func (s *Service) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Snapshot lists all armed jobs.
func (s *Service) Snapshot() []PendingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingJob, 0, len(s.pending))
	for key, e := range s.pending {
		out = append(out, PendingJob{Key: key, At: e.at})
	}
	return out
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan fired, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case f := <-queue:
			s.runOne(ctx, f, idx)
		}
	}
}

func (s *Service) runOne(ctx context.Context, f fired, idx int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in executor job",
				logx.String("key", f.key), logx.Int("worker", idx),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	runCtx := ctx
	if s.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.DefaultTimeout)
		defer cancel()
	}

	f.job(runCtx, f.intendedAt)

	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{Key: f.key, Started: start, Duration: time.Since(start)})
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
