package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: schedule not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, lost on exit (tests, dry runs)
//
// If Driver is empty, sqlite is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SendLogEntry records one firing outcome. Keep it compact and schema-stable;
// the /log command renders these verbatim.
type SendLogEntry struct {
	At         time.Time
	RunID      string // uuid per firing
	ScheduleID int64
	ChatID     int64
	Outcome    string // "success" | "skipped" | "failed"
	Detail     string
	TookMS     int64
}
