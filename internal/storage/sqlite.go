package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"autosend/internal/schedule"
	logx "autosend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, contact_name, chat_id, message, hour, minute, frequency,
	period, period_unit, recurring, enabled, start_at, created_at,
	ai_generated, ai_context, ai_style`

func (s *sqliteStore) GetSchedule(ctx context.Context, id int64) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) InsertSchedule(ctx context.Context, sc schedule.Schedule) (int64, error) {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(contact_name, chat_id, message, hour, minute, frequency,
		    period, period_unit, recurring, enabled, start_at, created_at,
		    ai_generated, ai_context, ai_style)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ContactName, sc.ChatID, sc.Message, sc.Hour, sc.Minute, string(sc.Frequency),
		sc.EffectivePeriod(), string(sc.PeriodUnit), boolInt(sc.Recurring), boolInt(sc.Enabled),
		unixOrZero(sc.StartAt), sc.CreatedAt.UnixMilli(),
		boolInt(sc.AIGenerated), sc.AIContext, sc.AIStyle,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc schedule.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET contact_name=?, chat_id=?, message=?, hour=?, minute=?,
		    frequency=?, period=?, period_unit=?, recurring=?, enabled=?, start_at=?,
		    ai_generated=?, ai_context=?, ai_style=?
		 WHERE id=?`,
		sc.ContactName, sc.ChatID, sc.Message, sc.Hour, sc.Minute,
		string(sc.Frequency), sc.EffectivePeriod(), string(sc.PeriodUnit),
		boolInt(sc.Recurring), boolInt(sc.Enabled), unixOrZero(sc.StartAt),
		boolInt(sc.AIGenerated), sc.AIContext, sc.AIStyle,
		sc.ID,
	)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *sqliteStore) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	return s.list(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
}

func (s *sqliteStore) ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	return s.list(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY id`)
}

func (s *sqliteStore) list(ctx context.Context, query string) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendSendLog(ctx context.Context, e SendLogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_log(at, run_id, schedule_id, chat_id, outcome, detail, took_ms)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.RunID, e.ScheduleID, e.ChatID,
		e.Outcome, nullStr(e.Detail), e.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentSendLog(ctx context.Context, limit int) ([]SendLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, run_id, schedule_id, chat_id, outcome, COALESCE(detail, ''), took_ms
		 FROM send_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SendLogEntry
	for rows.Next() {
		var e SendLogEntry
		var at string
		if err := rows.Scan(&at, &e.RunID, &e.ScheduleID, &e.ChatID, &e.Outcome, &e.Detail, &e.TookMS); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			e.At = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneSendLog(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM send_log WHERE at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (schedule.Schedule, error) {
	var (
		sc                      schedule.Schedule
		freq, unit              string
		recurring, enabled, ai  int
		startMS, createdMS      int64
	)
	err := row.Scan(&sc.ID, &sc.ContactName, &sc.ChatID, &sc.Message, &sc.Hour, &sc.Minute,
		&freq, &sc.Period, &unit, &recurring, &enabled, &startMS, &createdMS,
		&ai, &sc.AIContext, &sc.AIStyle)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc.Frequency = schedule.Frequency(freq)
	sc.PeriodUnit = schedule.PeriodUnit(unit)
	sc.Recurring = recurring != 0
	sc.Enabled = enabled != 0
	sc.AIGenerated = ai != 0
	if startMS != 0 {
		sc.StartAt = time.UnixMilli(startMS)
	}
	sc.CreatedAt = time.UnixMilli(createdMS)
	return sc, nil
}

func noRowsAsNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
