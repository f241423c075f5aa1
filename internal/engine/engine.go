// Package engine perpetuates the one-shot job chain: every firing re-derives
// the next occurrence from persisted state and arms exactly one new job per
// schedule id. The chain never carries in-memory continuation state; a
// process restart is recovered by re-arming from the store (repo.RescheduleAll).
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"autosend/internal/eventbus"
	"autosend/internal/executor"
	"autosend/internal/schedule"
	"autosend/internal/storage"
	logx "autosend/pkg/logx"
)

// Firing outcomes, also the send_log vocabulary.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// DefaultTolerance bounds how far past its intended instant a job may run
// and still execute. Beyond it the firing is skipped; the epilogue arms the
// next occurrence regardless.
const DefaultTolerance = 120 * time.Minute

// Sender delivers resolved message text to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// ContentSource produces generated message text for AI-backed schedules.
// Errors are soft: the firing path falls back to the stored message.
type ContentSource interface {
	Generate(ctx context.Context, contactName, prompt, style string) (string, error)
}

// JobQueue is the slice of the executor the chain needs.
type JobQueue interface {
	Enqueue(key string, delay time.Duration, job executor.Job)
	Cancel(key string) bool
}

type Config struct {
	Tolerance time.Duration
	Location  *time.Location
}

type Chain struct {
	store storage.Store
	queue JobQueue
	send  Sender
	gen   ContentSource // optional
	bus   eventbus.Bus
	log   logx.Logger

	tolerance time.Duration
	loc       *time.Location
	now       func() time.Time
}

func New(store storage.Store, queue JobQueue, send Sender, gen ContentSource, bus eventbus.Bus, log logx.Logger, cfg Config) *Chain {
	if log.IsZero() {
		log = logx.Nop()
	}
	tol := cfg.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Chain{
		store:     store,
		queue:     queue,
		send:      send,
		gen:       gen,
		bus:       bus,
		log:       log,
		tolerance: tol,
		loc:       loc,
		now:       time.Now,
	}
}

// JobKey is the executor dedup key for a schedule. One key per id keeps the
// replace-existing policy equal to "at most one pending job per schedule".
func JobKey(id int64) string {
	return "schedule:" + strconv.FormatInt(id, 10)
}

// ScheduleNext arms the single pending job for s. A disabled schedule arms
// nothing and cancels any leftover job.
//
// catchUp distinguishes the first arm of a fresh schedule from chain
// continuation. On the first arm an hour-stepped cadence anchors to the next
// wall-clock target (stepped as daily) instead of one cadence step out;
// continuations always use the true frequency.
func (c *Chain) ScheduleNext(s schedule.Schedule, catchUp bool) (time.Time, bool) {
	key := JobKey(s.ID)
	if !s.Enabled {
		c.queue.Cancel(key)
		return time.Time{}, false
	}

	calc := s
	if !catchUp && s.HourlyCadence() {
		calc.Frequency = schedule.Daily
	}

	now := c.now().In(c.loc)
	at := schedule.NextOccurrence(calc, now)
	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}

	id := s.ID
	c.queue.Enqueue(key, delay, func(ctx context.Context, intendedAt time.Time) {
		c.fire(ctx, id, intendedAt)
	})
	c.log.Debug("schedule armed",
		logx.Int64("schedule_id", id),
		logx.Time("at", at),
		logx.Duration("delay", delay),
		logx.Bool("catch_up", catchUp))
	c.publish(eventbus.TypeScheduled, eventbus.FiringEvent{
		ScheduleID: id,
		ChatID:     s.ChatID,
		Outcome:    "armed",
		At:         at,
	})
	return at, true
}

// Cancel disarms the pending job for id, if any.
func (c *Chain) Cancel(id int64) bool {
	return c.queue.Cancel(JobKey(id))
}

// fire is one link of the chain. It trusts nothing captured at enqueue time:
// the schedule is re-fetched at the start and again in the epilogue, so edits
// made while the job sat armed (or while the send was in flight) win.
func (c *Chain) fire(ctx context.Context, id int64, intendedAt time.Time) {
	runID := uuid.NewString()
	start := c.now()
	log := c.log.With(logx.String("run_id", runID), logx.Int64("schedule_id", id))

	outcome := OutcomeFailed
	detail := ""
	var chatID int64

	defer func() {
		ectx := ctx
		if ectx == nil || ectx.Err() != nil {
			var cancel context.CancelFunc
			ectx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		c.record(ectx, storage.SendLogEntry{
			At:         start,
			RunID:      runID,
			ScheduleID: id,
			ChatID:     chatID,
			Outcome:    outcome,
			Detail:     detail,
			TookMS:     c.now().Sub(start).Milliseconds(),
		}, log)
		c.epilogue(ectx, id, outcome, log)
	}()

	s, err := c.store.GetSchedule(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		outcome, detail = OutcomeSkipped, "schedule gone"
		return
	case err != nil:
		detail = "load: " + err.Error()
		log.Error("firing could not load schedule", logx.Err(err))
		return
	}
	chatID = s.ChatID

	if !s.Enabled {
		outcome, detail = OutcomeSkipped, "disabled"
		return
	}

	if lag := fireLag(intendedAt, start); lag > c.tolerance {
		outcome = OutcomeSkipped
		detail = fmt.Sprintf("stale: %s past intended %s", lag, intendedAt.In(c.loc).Format("15:04"))
		log.Warn("firing too far past its intended time, skipping",
			logx.Duration("lag", lag), logx.Time("intended_at", intendedAt))
		return
	}

	if s.ChatID == 0 {
		detail = "no destination"
		return
	}
	text := c.resolveContent(ctx, s, log)
	if strings.TrimSpace(text) == "" {
		detail = "empty message"
		return
	}

	if err := c.send.Send(ctx, s.ChatID, text); err != nil {
		detail = "send: " + err.Error()
		log.Error("send failed", logx.Err(err), logx.Int64("chat_id", s.ChatID))
		return
	}
	outcome = OutcomeSuccess
	log.Info("message sent",
		logx.Int64("chat_id", s.ChatID),
		logx.String("contact", s.ContactName),
		logx.Duration("took", c.now().Sub(start)))
}

// epilogue continues or ends the chain from the freshest state. Its errors
// are logged and swallowed: one broken firing must never strand all future
// occurrences.
func (c *Chain) epilogue(ctx context.Context, id int64, outcome string, log logx.Logger) {
	latest, err := c.store.GetSchedule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("epilogue could not reload schedule", logx.Err(err))
		return
	}
	if !latest.Enabled {
		return
	}

	if !latest.Recurring && outcome == OutcomeSuccess {
		if err := c.store.SetScheduleEnabled(ctx, id, false); err != nil {
			log.Error("could not disable one-shot schedule", logx.Err(err))
		}
		c.queue.Cancel(JobKey(id))
		log.Info("one-shot schedule completed, disabled")
		return
	}

	// Recurring, or a one-shot that has not landed yet: keep the chain alive.
	c.ScheduleNext(latest, true)
}

func (c *Chain) resolveContent(ctx context.Context, s schedule.Schedule, log logx.Logger) string {
	if !s.AIGenerated || c.gen == nil {
		return s.Message
	}
	text, err := c.gen.Generate(ctx, s.ContactName, s.AIContext, s.AIStyle)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn("content generation failed, using stored message", logx.Err(err))
		return s.Message
	}
	return text
}

func (c *Chain) record(ctx context.Context, e storage.SendLogEntry, log logx.Logger) {
	if err := c.store.AppendSendLog(ctx, e); err != nil {
		log.Error("could not append send log", logx.Err(err))
	}
	typ := eventbus.TypeFailed
	switch e.Outcome {
	case OutcomeSuccess:
		typ = eventbus.TypeFired
	case OutcomeSkipped:
		typ = eventbus.TypeSkipped
	}
	c.publish(typ, eventbus.FiringEvent{
		RunID:      e.RunID,
		ScheduleID: e.ScheduleID,
		ChatID:     e.ChatID,
		Outcome:    e.Outcome,
		Detail:     e.Detail,
		At:         e.At,
	})
}

func (c *Chain) publish(typ string, data eventbus.FiringEvent) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// fireLag is how far past its intended instant the job actually ran. The
// intended instant is the one the job was armed for, which for hour-stepped
// cadences is not the schedule's anchor time-of-day. Early wakeups count as
// zero.
func fireLag(intendedAt, now time.Time) time.Duration {
	d := now.Sub(intendedAt)
	if d < 0 {
		return 0
	}
	return d
}
