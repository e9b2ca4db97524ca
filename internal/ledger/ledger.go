// Package ledger is the append-only run-history store. One RunRecord per
// cycle, sealed exactly once; outcome rows are idempotent per
// (cycle, file) so job retries never duplicate history.
package ledger

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nsetools/nsesync/internal/db"
	"github.com/nsetools/nsesync/internal/model"
)

type Ledger struct {
	database *sql.DB

	mu sync.Mutex // serializes appends; outcome rows never interleave
}

func New(database *sql.DB) *Ledger {
	return &Ledger{database: database}
}

// BeginCycle opens a RunRecord and returns its cycle ID.
func (l *Ledger) BeginCycle(trigger model.TriggerKind) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cycleID := uuid.NewString()
	if err := db.InsertRunRecord(l.database, cycleID, time.Now(), trigger); err != nil {
		return "", fmt.Errorf("begin cycle: %w", err)
	}
	return cycleID, nil
}

// RecordOutcome appends one outcome row immediately so progress survives a
// mid-cycle crash.
func (l *Ledger) RecordOutcome(outcome model.DownloadOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now()
	}
	if err := db.UpsertOutcome(l.database, &outcome); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// EndCycle seals the RunRecord. Sealing is terminal: a second call for the
// same cycle is a no-op because the update only matches open records.
func (l *Ledger) EndCycle(cycleID string, status model.CycleStatus, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := db.SealRunRecord(l.database, cycleID, time.Now(), status, note); err != nil {
		return fmt.Errorf("end cycle: %w", err)
	}
	return nil
}

// EndCycleEmergency seals a cycle killed by an emergency stop: status
// Aborted, trigger re-marked as EmergencyAborted. Terminal like EndCycle.
func (l *Ledger) EndCycleEmergency(cycleID, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := db.SealRunRecordEmergency(l.database, cycleID, time.Now(), note); err != nil {
		return fmt.Errorf("end cycle: %w", err)
	}
	return nil
}

// AlreadyDownloaded reports whether some prior cycle successfully stored this
// file with the same checksum.
func (l *Ledger) AlreadyDownloaded(segment, fileID, checksum string) (bool, error) {
	return db.HasCompletedDownload(l.database, segment, fileID, checksum)
}

// Query returns cycles started inside [from, to], newest first.
func (l *Ledger) Query(from, to time.Time) ([]*model.RunRecord, error) {
	return db.ListRunRecords(l.database, from, to)
}

func (l *Ledger) Get(cycleID string) (*model.RunRecord, error) {
	return db.GetRunRecord(l.database, cycleID)
}

func (l *Ledger) Outcomes(cycleID string) ([]model.DownloadOutcome, error) {
	return db.ListOutcomes(l.database, cycleID)
}
