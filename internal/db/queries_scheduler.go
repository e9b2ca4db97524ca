package db

import (
	"database/sql"
	"time"
)

// SaveSchedulerState persists the controller's armed interval and next fire
// time so the GUI/CLI collaborators can render them.
func SaveSchedulerState(database *sql.DB, intervalMinutes int, enabled, autoShutdown bool, segments string, lastRun, nextRun *time.Time) error {
	var last, next interface{}
	if lastRun != nil {
		last = FormatTime(*lastRun)
	}
	if nextRun != nil {
		next = FormatTime(*nextRun)
	}
	_, err := database.Exec(
		`INSERT INTO scheduler_config (id, interval_minutes, enabled, auto_shutdown, segments, last_run, next_run, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(id) DO UPDATE SET
		   interval_minutes = excluded.interval_minutes,
		   enabled = excluded.enabled,
		   auto_shutdown = excluded.auto_shutdown,
		   segments = excluded.segments,
		   last_run = excluded.last_run,
		   next_run = excluded.next_run,
		   updated_at = excluded.updated_at`,
		intervalMinutes, enabled, autoShutdown, segments, last, next,
	)
	return err
}

type SchedulerState struct {
	IntervalMinutes int
	Enabled         bool
	AutoShutdown    bool
	Segments        string
	LastRun         *time.Time
	NextRun         *time.Time
}

func GetSchedulerState(database *sql.DB) (*SchedulerState, error) {
	s := &SchedulerState{}
	var last, next sql.NullString
	err := database.QueryRow(
		`SELECT interval_minutes, enabled, auto_shutdown, segments, last_run, next_run
		 FROM scheduler_config WHERE id = 1`,
	).Scan(&s.IntervalMinutes, &s.Enabled, &s.AutoShutdown, &s.Segments, &last, &next)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{{last, &s.LastRun}, {next, &s.NextRun}} {
		if pair.src.Valid {
			var st SQLiteTime
			if err := st.Scan(pair.src.String); err == nil {
				t := st.Time
				*pair.dst = &t
			}
		}
	}
	return s, nil
}
