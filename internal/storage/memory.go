package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"autosend/internal/schedule"
)

// Memory is an in-process Store. It backs tests and --dry-run setups where
// losing state on exit is acceptable.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	items   map[int64]schedule.Schedule
	sendLog []SendLogEntry
}

func NewMemory() *Memory {
	return &Memory{nextID: 1, items: map[int64]schedule.Schedule{}}
}

func (m *Memory) GetSchedule(_ context.Context, id int64) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.items[id]
	if !ok {
		return schedule.Schedule{}, ErrNotFound
	}
	return sc, nil
}

func (m *Memory) InsertSchedule(_ context.Context, sc schedule.Schedule) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	sc.ID = m.nextID
	m.nextID++
	m.items[sc.ID] = sc
	return sc.ID, nil
}

func (m *Memory) UpdateSchedule(_ context.Context, sc schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[sc.ID]; !ok {
		return ErrNotFound
	}
	m.items[sc.ID] = sc
	return nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *Memory) SetScheduleEnabled(_ context.Context, id int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	sc.Enabled = enabled
	m.items[id] = sc
	return nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(func(schedule.Schedule) bool { return true }), nil
}

func (m *Memory) ListEnabledSchedules(_ context.Context) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(func(sc schedule.Schedule) bool { return sc.Enabled }), nil
}

// snapshot copies matching schedules ordered by id. Call with m.mu held.
func (m *Memory) snapshot(keep func(schedule.Schedule) bool) []schedule.Schedule {
	out := make([]schedule.Schedule, 0, len(m.items))
	for _, sc := range m.items {
		if keep(sc) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) AppendSendLog(_ context.Context, e SendLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.sendLog = append(m.sendLog, e)
	return nil
}

func (m *Memory) RecentSendLog(_ context.Context, limit int) ([]SendLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	n := len(m.sendLog)
	if limit > n {
		limit = n
	}
	out := make([]SendLogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.sendLog[i])
	}
	return out, nil
}

func (m *Memory) PruneSendLog(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.sendLog[:0]
	var removed int64
	for _, e := range m.sendLog {
		if e.At.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.sendLog = kept
	return removed, nil
}

func (m *Memory) Close() error { return nil }
