package db

import (
	"database/sql"
	"time"

	"github.com/nsetools/nsesync/internal/model"
)

func InsertRunRecord(database *sql.DB, cycleID string, startedAt time.Time, trigger model.TriggerKind) error {
	_, err := database.Exec(
		`INSERT INTO run_history (cycle_id, started_at, trigger_kind, status) VALUES (?, ?, ?, ?)`,
		cycleID, FormatTime(startedAt), string(trigger), string(model.CycleRunning),
	)
	return err
}

func SealRunRecord(database *sql.DB, cycleID string, endedAt time.Time, status model.CycleStatus, note string) error {
	_, err := database.Exec(
		`UPDATE run_history SET ended_at = ?, status = ?, note = ? WHERE cycle_id = ? AND ended_at IS NULL`,
		FormatTime(endedAt), string(status), note, cycleID,
	)
	return err
}

// SealRunRecordEmergency seals an aborted record and re-marks its trigger so
// the audit trail shows the emergency stop without parsing notes.
func SealRunRecordEmergency(database *sql.DB, cycleID string, endedAt time.Time, note string) error {
	_, err := database.Exec(
		`UPDATE run_history SET ended_at = ?, status = ?, trigger_kind = ?, note = ?
		 WHERE cycle_id = ? AND ended_at IS NULL`,
		FormatTime(endedAt), string(model.CycleAborted), string(model.TriggerEmergencyAborted), note, cycleID,
	)
	return err
}

// UpsertOutcome records one download outcome. Retries of the same job within
// a cycle land on the same (cycle_id, file_id) key; last write wins.
func UpsertOutcome(database *sql.DB, o *model.DownloadOutcome) error {
	_, err := database.Exec(
		`INSERT INTO downloads (cycle_id, file_id, file_name, segment, status, local_path, checksum, verified, bytes, error_kind, attempts, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cycle_id, file_id) DO UPDATE SET
		   status = excluded.status,
		   local_path = excluded.local_path,
		   checksum = excluded.checksum,
		   verified = excluded.verified,
		   bytes = excluded.bytes,
		   error_kind = excluded.error_kind,
		   attempts = excluded.attempts,
		   recorded_at = excluded.recorded_at`,
		o.CycleID, o.FileID, o.FileName, o.Segment, string(o.Status),
		o.LocalPath, o.Checksum, o.Verified, o.Bytes, o.ErrorKind, o.Attempts,
		FormatTime(o.RecordedAt),
	)
	return err
}

// HasCompletedDownload reports whether a prior cycle already recorded a
// successful download of the file with the given checksum.
func HasCompletedDownload(database *sql.DB, segment, fileID, checksum string) (bool, error) {
	var count int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM downloads
		 WHERE segment = ? AND file_id = ? AND status = ? AND checksum = ?`,
		segment, fileID, string(model.OutcomeSuccess), checksum,
	).Scan(&count)
	return count > 0, err
}

func scanRunRecord(rows *sql.Rows) (*model.RunRecord, error) {
	r := &model.RunRecord{Segments: map[string]model.SegmentCounts{}}
	var startedAt SQLiteTime
	var endedAt sql.NullString
	var trigger, status string
	if err := rows.Scan(&r.CycleID, &startedAt, &endedAt, &trigger, &status, &r.Note); err != nil {
		return nil, err
	}
	r.StartedAt = startedAt.Time
	if endedAt.Valid {
		var et SQLiteTime
		if err := et.Scan(endedAt.String); err == nil {
			r.EndedAt = &et.Time
		}
	}
	r.Trigger = model.TriggerKind(trigger)
	r.Status = model.CycleStatus(status)
	return r, nil
}

// ListRunRecords returns sealed and running cycles that started inside the
// range, newest first, with per-segment outcome counts attached.
func ListRunRecords(database *sql.DB, from, to time.Time) ([]*model.RunRecord, error) {
	rows, err := database.Query(
		`SELECT cycle_id, started_at, ended_at, trigger_kind, status, note
		 FROM run_history
		 WHERE started_at >= ? AND started_at <= ?
		 ORDER BY started_at DESC`,
		FormatTime(from), FormatTime(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.RunRecord
	byID := map[string]*model.RunRecord{}
	for rows.Next() {
		r, err := scanRunRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
		byID[r.CycleID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	crows, err := database.Query(
		`SELECT d.cycle_id, d.segment,
		   SUM(CASE WHEN d.status = 'Success' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN d.status = 'Failed' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN d.status = 'Skipped' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN d.status = 'Success' THEN d.bytes ELSE 0 END)
		 FROM downloads d
		 JOIN run_history h ON h.cycle_id = d.cycle_id
		 WHERE h.started_at >= ? AND h.started_at <= ?
		 GROUP BY d.cycle_id, d.segment`,
		FormatTime(from), FormatTime(to),
	)
	if err != nil {
		return nil, err
	}
	defer crows.Close()

	for crows.Next() {
		var cycleID, segment string
		var c model.SegmentCounts
		if err := crows.Scan(&cycleID, &segment, &c.Succeeded, &c.Failed, &c.Skipped, &c.Bytes); err != nil {
			return nil, err
		}
		if r, ok := byID[cycleID]; ok {
			r.Segments[segment] = c
		}
	}
	return records, crows.Err()
}

func GetRunRecord(database *sql.DB, cycleID string) (*model.RunRecord, error) {
	rows, err := database.Query(
		`SELECT cycle_id, started_at, ended_at, trigger_kind, status, note
		 FROM run_history WHERE cycle_id = ?`, cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRunRecord(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	crows, err := database.Query(
		`SELECT segment,
		   SUM(CASE WHEN status = 'Success' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'Failed' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'Skipped' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'Success' THEN bytes ELSE 0 END)
		 FROM downloads WHERE cycle_id = ? GROUP BY segment`, cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var segment string
		var c model.SegmentCounts
		if err := crows.Scan(&segment, &c.Succeeded, &c.Failed, &c.Skipped, &c.Bytes); err != nil {
			return nil, err
		}
		r.Segments[segment] = c
	}
	return r, crows.Err()
}

func ListOutcomes(database *sql.DB, cycleID string) ([]model.DownloadOutcome, error) {
	rows, err := database.Query(
		`SELECT cycle_id, file_id, file_name, segment, status, local_path, checksum, verified, bytes, error_kind, attempts, recorded_at
		 FROM downloads WHERE cycle_id = ? ORDER BY recorded_at ASC`, cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.DownloadOutcome
	for rows.Next() {
		var o model.DownloadOutcome
		var status string
		var recordedAt SQLiteTime
		if err := rows.Scan(&o.CycleID, &o.FileID, &o.FileName, &o.Segment, &status,
			&o.LocalPath, &o.Checksum, &o.Verified, &o.Bytes, &o.ErrorKind, &o.Attempts, &recordedAt); err != nil {
			return nil, err
		}
		o.Status = model.OutcomeStatus(status)
		o.RecordedAt = recordedAt.Time
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
