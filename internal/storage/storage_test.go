package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autosend/internal/schedule"
	logx "autosend/pkg/logx"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "autosend.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func sample() schedule.Schedule {
	return schedule.Schedule{
		ContactName: "alice",
		ChatID:      100200,
		Message:     "good morning",
		Hour:        9,
		Minute:      0,
		Frequency:   schedule.Daily,
		Recurring:   true,
		Enabled:     true,
		CreatedAt:   time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := st.InsertSchedule(ctx, sample())
			if err != nil {
				t.Fatalf("insert: %v", err)
			}
			got, err := st.GetSchedule(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.ContactName != "alice" || got.ChatID != 100200 || !got.Recurring || !got.Enabled {
				t.Fatalf("unexpected schedule: %+v", got)
			}
			if got.Frequency != schedule.Daily || got.Hour != 9 {
				t.Fatalf("unexpected schedule fields: %+v", got)
			}

			got.Message = "good evening"
			got.Hour = 21
			if err := st.UpdateSchedule(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			back, err := st.GetSchedule(ctx, id)
			if err != nil {
				t.Fatalf("get after update: %v", err)
			}
			if back.Message != "good evening" || back.Hour != 21 {
				t.Fatalf("update not persisted: %+v", back)
			}
		})
	}
}

func TestEnabledFilterAndToggle(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, _ := st.InsertSchedule(ctx, sample())
			b, err := st.InsertSchedule(ctx, sample())
			if err != nil {
				t.Fatalf("insert: %v", err)
			}
			if err := st.SetScheduleEnabled(ctx, b, false); err != nil {
				t.Fatalf("disable: %v", err)
			}

			enabled, err := st.ListEnabledSchedules(ctx)
			if err != nil {
				t.Fatalf("list enabled: %v", err)
			}
			if len(enabled) != 1 || enabled[0].ID != a {
				t.Fatalf("enabled = %+v, want only id %d", enabled, a)
			}

			all, err := st.ListSchedules(ctx)
			if err != nil {
				t.Fatalf("list all: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("all = %d schedules, want 2", len(all))
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.GetSchedule(ctx, 9999); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get missing: err = %v, want ErrNotFound", err)
			}
			if err := st.DeleteSchedule(ctx, 9999); !errors.Is(err, ErrNotFound) {
				t.Fatalf("delete missing: err = %v, want ErrNotFound", err)
			}
			if err := st.SetScheduleEnabled(ctx, 9999, true); !errors.Is(err, ErrNotFound) {
				t.Fatalf("toggle missing: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSendLogAppendAndPrune(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := SendLogEntry{At: time.Now().Add(-48 * time.Hour), RunID: "r1", ScheduleID: 1, ChatID: 5, Outcome: "success"}
			fresh := SendLogEntry{At: time.Now(), RunID: "r2", ScheduleID: 1, ChatID: 5, Outcome: "failed", Detail: "boom"}
			if err := st.AppendSendLog(ctx, old); err != nil {
				t.Fatalf("append: %v", err)
			}
			if err := st.AppendSendLog(ctx, fresh); err != nil {
				t.Fatalf("append: %v", err)
			}

			recent, err := st.RecentSendLog(ctx, 10)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(recent) != 2 || recent[0].RunID != "r2" {
				t.Fatalf("recent = %+v, want newest first", recent)
			}

			n, err := st.PruneSendLog(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned %d entries, want 1", n)
			}
			recent, _ = st.RecentSendLog(ctx, 10)
			if len(recent) != 1 || recent[0].RunID != "r2" {
				t.Fatalf("after prune = %+v, want only r2", recent)
			}
		})
	}
}
