package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autosend/internal/executor"
	"autosend/internal/schedule"
	"autosend/internal/storage"
	logx "autosend/pkg/logx"
)

type armedJob struct {
	delay time.Duration
	at    time.Time
	job   executor.Job
}

// fakeQueue mimics the executor's replace-existing policy and lets tests
// fire armed jobs by hand.
type fakeQueue struct {
	mu       sync.Mutex
	pending  map[string]armedJob
	enqueues int
	cancels  int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pending: map[string]armedJob{}}
}

func (q *fakeQueue) Enqueue(key string, delay time.Duration, job executor.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueues++
	q.pending[key] = armedJob{delay: delay, at: time.Now().Add(delay), job: job}
}

func (q *fakeQueue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancels++
	_, ok := q.pending[key]
	delete(q.pending, key)
	return ok
}

func (q *fakeQueue) take(key string) (armedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.pending[key]
	delete(q.pending, key)
	return j, ok
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
	err   error
}

func (f *fakeSender) Send(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, chatID)
	return nil
}

type fakeGen struct {
	text string
	err  error
}

func (f *fakeGen) Generate(ctx context.Context, contact, prompt, style string) (string, error) {
	return f.text, f.err
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

type fixture struct {
	store  storage.Store
	queue  *fakeQueue
	sender *fakeSender
	chain  *Chain
}

func newFixture(t *testing.T, now time.Time, gen ContentSource) *fixture {
	t.Helper()
	store := storage.NewMemory()
	queue := newFakeQueue()
	sender := &fakeSender{}
	chain := New(store, queue, sender, gen, nil, logx.Nop(), Config{Location: time.UTC})
	chain.now = func() time.Time { return now }
	return &fixture{store: store, queue: queue, sender: sender, chain: chain}
}

func (f *fixture) setNow(now time.Time) {
	f.chain.now = func() time.Time { return now }
}

func (f *fixture) insert(t *testing.T, s schedule.Schedule) schedule.Schedule {
	t.Helper()
	id, err := f.store.InsertSchedule(context.Background(), s)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	s.ID = id
	return s
}

func dailyAtNine(created time.Time) schedule.Schedule {
	return schedule.Schedule{
		ContactName: "alice",
		ChatID:      42,
		Message:     "good morning",
		Hour:        9,
		Minute:      0,
		Frequency:   schedule.Daily,
		Recurring:   true,
		Enabled:     true,
		CreatedAt:   created,
	}
}

func lastLog(t *testing.T, store storage.Store) storage.SendLogEntry {
	t.Helper()
	logs, err := store.RecentSendLog(context.Background(), 1)
	if err != nil {
		t.Fatalf("recent send log: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("no send log entries")
	}
	return logs[0]
}

func TestCreateAtEightArmsOneHourOut(t *testing.T) {
	t.Parallel()
	now := at(t, "2025-03-10 08:00")
	f := newFixture(t, now, nil)
	s := f.insert(t, dailyAtNine(now))

	fireAt, ok := f.chain.ScheduleNext(s, false)
	if !ok {
		t.Fatal("ScheduleNext returned ok=false for enabled schedule")
	}
	if want := at(t, "2025-03-10 09:00"); !fireAt.Equal(want) {
		t.Fatalf("fireAt = %v, want %v", fireAt, want)
	}
	j, ok := f.queue.take(JobKey(s.ID))
	if !ok {
		t.Fatal("no job armed")
	}
	if j.delay != time.Hour {
		t.Fatalf("delay = %v, want 1h", j.delay)
	}
}

func TestSuccessfulFiringReschedulesNextDay(t *testing.T) {
	t.Parallel()
	created := at(t, "2025-03-10 08:00")
	f := newFixture(t, created, nil)
	s := f.insert(t, dailyAtNine(created))
	f.chain.ScheduleNext(s, false)

	fireTime := at(t, "2025-03-10 09:00")
	f.setNow(fireTime)
	j, _ := f.queue.take(JobKey(s.ID))
	j.job(context.Background(), fireTime)

	if len(f.sender.sent) != 1 || f.sender.sent[0] != "good morning" {
		t.Fatalf("sent = %v", f.sender.sent)
	}
	if e := lastLog(t, f.store); e.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", e.Outcome, e.Detail)
	}
	next, ok := f.queue.take(JobKey(s.ID))
	if !ok {
		t.Fatal("epilogue armed no follow-up job")
	}
	if want := 24 * time.Hour; next.delay != want {
		t.Fatalf("follow-up delay = %v, want %v", next.delay, want)
	}
}

func TestOneShotSuccessDisablesAndSpuriousRefireSkips(t *testing.T) {
	t.Parallel()
	created := at(t, "2025-03-10 08:00")
	f := newFixture(t, created, nil)
	s := dailyAtNine(created)
	s.Recurring = false
	s = f.insert(t, s)
	f.chain.ScheduleNext(s, false)

	fireTime := at(t, "2025-03-10 09:02")
	f.setNow(fireTime)
	j, _ := f.queue.take(JobKey(s.ID))
	j.job(context.Background(), at(t, "2025-03-10 09:00"))

	got, err := f.store.GetSchedule(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Fatal("one-shot schedule still enabled after success")
	}
	if f.queue.count() != 0 {
		t.Fatal("one-shot left a pending job armed")
	}

	// A stale duplicate firing must short-circuit on the disabled check.
	f.chain.fire(context.Background(), s.ID, fireTime)
	if e := lastLog(t, f.store); e.Outcome != OutcomeSkipped || e.Detail != "disabled" {
		t.Fatalf("spurious refire: outcome=%s detail=%q", e.Outcome, e.Detail)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sender.sent))
	}
}

func TestOneShotFailureKeepsChainAlive(t *testing.T) {
	t.Parallel()
	created := at(t, "2025-03-10 08:00")
	f := newFixture(t, created, nil)
	f.sender.err = errors.New("boom")
	s := dailyAtNine(created)
	s.Recurring = false
	s = f.insert(t, s)
	f.chain.ScheduleNext(s, false)

	f.setNow(at(t, "2025-03-10 09:00"))
	j, _ := f.queue.take(JobKey(s.ID))
	j.job(context.Background(), at(t, "2025-03-10 09:00"))

	if e := lastLog(t, f.store); e.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", e.Outcome)
	}
	got, _ := f.store.GetSchedule(context.Background(), s.ID)
	if !got.Enabled {
		t.Fatal("failed one-shot was disabled")
	}
	if f.queue.count() != 1 {
		t.Fatal("failed one-shot was not re-armed")
	}
}

func TestStalenessBoundary(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		fireAt  string
		outcome string
	}{
		{"on time", "2025-03-10 09:00", OutcomeSuccess},
		{"within tolerance", "2025-03-10 10:59", OutcomeSuccess},
		{"exactly at tolerance", "2025-03-10 11:00", OutcomeSuccess},
		{"one minute past", "2025-03-10 11:01", OutcomeSkipped},
		{"hours past", "2025-03-10 14:30", OutcomeSkipped},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			created := at(t, "2025-03-09 08:00")
			f := newFixture(t, created, nil)
			s := f.insert(t, dailyAtNine(created))

			f.setNow(at(t, tc.fireAt))
			f.chain.fire(context.Background(), s.ID, at(t, "2025-03-10 09:00"))
			if e := lastLog(t, f.store); e.Outcome != tc.outcome {
				t.Fatalf("outcome = %s (%s), want %s", e.Outcome, e.Detail, tc.outcome)
			}
		})
	}
}

func TestStalenessAcrossMidnight(t *testing.T) {
	t.Parallel()
	created := at(t, "2025-03-09 08:00")
	f := newFixture(t, created, nil)
	s := dailyAtNine(created)
	s.Hour, s.Minute = 23, 30
	s = f.insert(t, s)

	// 00:15 is 45 minutes past the 23:30 job armed the evening before.
	f.setNow(at(t, "2025-03-11 00:15"))
	f.chain.fire(context.Background(), s.ID, at(t, "2025-03-10 23:30"))
	if e := lastLog(t, f.store); e.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", e.Outcome, e.Detail)
	}
}

func TestHourlyFiringOffAnchorIsNotStale(t *testing.T) {
	t.Parallel()
	created := at(t, "2025-03-09 08:00")

	// An hourly schedule anchored at 09:00 legitimately fires at every hour
	// of the day. Admission is judged against the armed instant, so an
	// on-time 15:00 firing must go out even though 15:00 is six hours from
	// the anchor time-of-day.
	t.Run("on time", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, created, nil)
		s := dailyAtNine(created)
		s.Frequency = schedule.Hourly
		s = f.insert(t, s)

		f.setNow(at(t, "2025-03-10 15:00"))
		f.chain.fire(context.Background(), s.ID, at(t, "2025-03-10 15:00"))
		if e := lastLog(t, f.store); e.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %s (%s)", e.Outcome, e.Detail)
		}
		if len(f.sender.sent) != 1 {
			t.Fatalf("sent = %v", f.sender.sent)
		}
	})

	t.Run("hours late still skips", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, created, nil)
		s := dailyAtNine(created)
		s.Frequency = schedule.Hourly
		s = f.insert(t, s)

		f.setNow(at(t, "2025-03-10 17:01"))
		f.chain.fire(context.Background(), s.ID, at(t, "2025-03-10 15:00"))
		if e := lastLog(t, f.store); e.Outcome != OutcomeSkipped {
			t.Fatalf("outcome = %s (%s)", e.Outcome, e.Detail)
		}
		if len(f.sender.sent) != 0 {
			t.Fatalf("sent = %v", f.sender.sent)
		}
	})
}

func TestDisabledScheduleArmsNothing(t *testing.T) {
	t.Parallel()
	now := at(t, "2025-03-10 08:00")
	f := newFixture(t, now, nil)
	s := dailyAtNine(now)
	s.Enabled = false
	s = f.insert(t, s)

	if _, ok := f.chain.ScheduleNext(s, false); ok {
		t.Fatal("disabled schedule was armed")
	}
	if f.queue.count() != 0 {
		t.Fatal("pending job exists for disabled schedule")
	}
}

func TestDeletedScheduleFiringSkips(t *testing.T) {
	t.Parallel()
	now := at(t, "2025-03-10 09:00")
	f := newFixture(t, now, nil)

	f.chain.fire(context.Background(), 999, now)
	if e := lastLog(t, f.store); e.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s", e.Outcome)
	}
	if f.queue.count() != 0 {
		t.Fatal("job armed for a deleted schedule")
	}
}

func TestFailedSendStillReschedules(t *testing.T) {
	t.Parallel()
	created := at(t, "2025-03-10 08:00")
	f := newFixture(t, created, nil)
	f.sender.err = errors.New("flood wait")
	s := f.insert(t, dailyAtNine(created))

	f.setNow(at(t, "2025-03-10 09:00"))
	f.chain.fire(context.Background(), s.ID, at(t, "2025-03-10 09:00"))

	if e := lastLog(t, f.store); e.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", e.Outcome)
	}
	if f.queue.count() != 1 {
		t.Fatal("failed firing did not re-arm the chain")
	}
}

func TestHourlyFirstArmAnchorsToTargetTime(t *testing.T) {
	t.Parallel()
	created := at(t, "2025-03-10 10:30")
	f := newFixture(t, created, nil)
	s := dailyAtNine(created)
	s.Frequency = schedule.Hourly
	s = f.insert(t, s)

	// Fresh arm: next wall-clock 09:00, not 11:00.
	fireAt, _ := f.chain.ScheduleNext(s, false)
	if want := at(t, "2025-03-11 09:00"); !fireAt.Equal(want) {
		t.Fatalf("first arm at %v, want %v", fireAt, want)
	}

	// Continuation: true hourly stepping.
	fireAt, _ = f.chain.ScheduleNext(s, true)
	if want := at(t, "2025-03-10 11:00"); !fireAt.Equal(want) {
		t.Fatalf("catch-up arm at %v, want %v", fireAt, want)
	}
}

func TestAIContentWithFallback(t *testing.T) {
	t.Parallel()
	now := at(t, "2025-03-10 09:00")

	t.Run("generated text wins", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, now, &fakeGen{text: "hello from the machine"})
		s := dailyAtNine(now)
		s.AIGenerated = true
		s = f.insert(t, s)
		f.chain.fire(context.Background(), s.ID, now)
		if len(f.sender.sent) != 1 || f.sender.sent[0] != "hello from the machine" {
			t.Fatalf("sent = %v", f.sender.sent)
		}
	})

	t.Run("generator error falls back to stored message", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, now, &fakeGen{err: errors.New("rate limited")})
		s := dailyAtNine(now)
		s.AIGenerated = true
		s = f.insert(t, s)
		f.chain.fire(context.Background(), s.ID, now)
		if len(f.sender.sent) != 1 || f.sender.sent[0] != "good morning" {
			t.Fatalf("sent = %v", f.sender.sent)
		}
		if e := lastLog(t, f.store); e.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %s", e.Outcome)
		}
	})

	t.Run("no content at all fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, now, &fakeGen{err: errors.New("down")})
		s := dailyAtNine(now)
		s.AIGenerated = true
		s.Message = ""
		s = f.insert(t, s)
		f.chain.fire(context.Background(), s.ID, now)
		if e := lastLog(t, f.store); e.Outcome != OutcomeFailed || e.Detail != "empty message" {
			t.Fatalf("outcome=%s detail=%q", e.Outcome, e.Detail)
		}
	})
}

func TestEditDuringFlightWinsInEpilogue(t *testing.T) {
	t.Parallel()
	created := at(t, "2025-03-10 08:00")
	f := newFixture(t, created, nil)
	s := f.insert(t, dailyAtNine(created))

	// Disable while the firing is "in flight": epilogue must not re-arm.
	f.setNow(at(t, "2025-03-10 09:00"))
	if err := f.store.SetScheduleEnabled(context.Background(), s.ID, false); err != nil {
		t.Fatal(err)
	}
	f.chain.fire(context.Background(), s.ID, at(t, "2025-03-10 09:00"))
	if f.queue.count() != 0 {
		t.Fatal("epilogue re-armed a schedule disabled mid-flight")
	}
}

func TestFireLag(t *testing.T) {
	t.Parallel()
	cases := []struct {
		intended string
		now      string
		want     time.Duration
	}{
		{"2025-03-10 09:00", "2025-03-10 09:00", 0},
		{"2025-03-10 09:00", "2025-03-10 11:00", 2 * time.Hour},
		{"2025-03-10 09:00", "2025-03-10 08:30", 0}, // early wakeup
		{"2025-03-10 23:30", "2025-03-11 00:15", 45 * time.Minute},
		{"2025-03-10 15:00", "2025-03-11 15:00", 24 * time.Hour},
	}
	for _, tc := range cases {
		got := fireLag(at(t, tc.intended), at(t, tc.now))
		if got != tc.want {
			t.Errorf("fireLag(%s, %s) = %v, want %v", tc.intended, tc.now, got, tc.want)
		}
	}
}
