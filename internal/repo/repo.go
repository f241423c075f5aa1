// Package repo is the single write path for schedules. Every mutation
// persists first, then makes exactly one chain call consistent with the new
// state, so scheduling never runs against a stale read.
package repo

import (
	"context"
	"errors"
	"time"

	"autosend/internal/schedule"
	"autosend/internal/storage"
	logx "autosend/pkg/logx"
)

// Chain is the slice of the engine the facade drives.
type Chain interface {
	ScheduleNext(s schedule.Schedule, catchUp bool) (time.Time, bool)
	Cancel(id int64) bool
}

type Repository struct {
	store storage.Store
	chain Chain
	log   logx.Logger
	loc   *time.Location
	now   func() time.Time
}

func New(store storage.Store, chain Chain, log logx.Logger, loc *time.Location) *Repository {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Repository{store: store, chain: chain, log: log, loc: loc, now: time.Now}
}

// Create validates, persists and arms a new schedule. New schedules are
// always enabled; the first arm uses the strict-start policy.
func (r *Repository) Create(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	s.Enabled = true
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	if err := s.Validate(); err != nil {
		return schedule.Schedule{}, err
	}
	id, err := r.store.InsertSchedule(ctx, s)
	if err != nil {
		return schedule.Schedule{}, err
	}
	s.ID = id
	r.chain.ScheduleNext(s, false)
	r.log.Info("schedule created",
		logx.Int64("schedule_id", id),
		logx.String("contact", s.ContactName),
		logx.String("frequency", string(s.Frequency)),
		logx.String("time", s.TimeOfDay()))
	return s, nil
}

// Update rewrites a schedule. The old pending job is cancelled before the
// write so there is never a window with two jobs armed for one id.
//
// A non-recurring schedule whose single moment has already passed, edited
// without changing when it fires, is disabled instead of re-armed: re-arming
// would push the occurrence to the next day and resend a message that was
// already delivered.
func (r *Repository) Update(ctx context.Context, s schedule.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	prev, err := r.store.GetSchedule(ctx, s.ID)
	if err != nil {
		return err
	}

	r.chain.Cancel(s.ID)
	if err := r.store.UpdateSchedule(ctx, s); err != nil {
		return err
	}
	if !s.Enabled {
		return nil
	}

	if !s.Recurring && !firingMomentChanged(prev, s) && s.AnchorAt(r.loc).Before(r.now()) {
		if err := r.store.SetScheduleEnabled(ctx, s.ID, false); err != nil {
			return err
		}
		r.log.Info("one-shot schedule already past, left disabled", logx.Int64("schedule_id", s.ID))
		return nil
	}

	r.chain.ScheduleNext(s, true)
	return nil
}

// Delete removes the schedule and its pending job. Deleting an absent
// schedule returns storage.ErrNotFound; the cancel is attempted regardless.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	err := r.store.DeleteSchedule(ctx, id)
	r.chain.Cancel(id)
	if err != nil {
		return err
	}
	r.log.Info("schedule deleted", logx.Int64("schedule_id", id))
	return nil
}

// SetEnabled toggles the gate. Enabling arms the chain in catch-up mode,
// disabling cancels the pending job.
func (r *Repository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := r.store.SetScheduleEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if !enabled {
		r.chain.Cancel(id)
		r.log.Info("schedule disabled", logx.Int64("schedule_id", id))
		return nil
	}
	s, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	r.chain.ScheduleNext(s, true)
	r.log.Info("schedule enabled", logx.Int64("schedule_id", id))
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (schedule.Schedule, error) {
	return r.store.GetSchedule(ctx, id)
}

func (r *Repository) List(ctx context.Context) ([]schedule.Schedule, error) {
	return r.store.ListSchedules(ctx)
}

// RescheduleAll rebuilds the job chain from persisted state: one catch-up
// arm per enabled schedule. This is the only path that restores engine state
// after a restart, and it is safe to repeat (replace-existing absorbs it).
func (r *Repository) RescheduleAll(ctx context.Context) (int, error) {
	items, err := r.store.ListEnabledSchedules(ctx)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, s := range items {
		if _, ok := r.chain.ScheduleNext(s, true); ok {
			armed++
		}
	}
	r.log.Info("schedules rebuilt", logx.Int("armed", armed))
	return armed, nil
}

// IsNotFound reports whether err is the store's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func firingMomentChanged(prev, next schedule.Schedule) bool {
	if prev.Hour != next.Hour || prev.Minute != next.Minute {
		return true
	}
	if !prev.StartAt.Equal(next.StartAt) {
		return true
	}
	return prev.Frequency != next.Frequency
}
