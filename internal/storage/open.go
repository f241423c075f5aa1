package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"autosend/internal/schedule"
	logx "autosend/pkg/logx"
)

// Store is the persistence API consumed by the engine and the repository.
// Reads are point-in-time consistent; nothing stronger than read-committed
// is assumed by callers.
type Store interface {
	GetSchedule(ctx context.Context, id int64) (schedule.Schedule, error)
	InsertSchedule(ctx context.Context, s schedule.Schedule) (int64, error)
	UpdateSchedule(ctx context.Context, s schedule.Schedule) error
	DeleteSchedule(ctx context.Context, id int64) error
	SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error
	ListSchedules(ctx context.Context) ([]schedule.Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error)

	AppendSendLog(ctx context.Context, e SendLogEntry) error
	RecentSendLog(ctx context.Context, limit int) ([]SendLogEntry, error)
	PruneSendLog(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
