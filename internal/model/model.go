package model

import (
	"fmt"
	"strings"
	"time"
)

// KnownSegments lists the member-data segments the extranet can serve.
var KnownSegments = []string{"CM", "FO", "SLB", "CD", "CO"}

type CredentialRecord struct {
	MemberCode string
	LoginID    string
	Password   string
	SecretKey  string // base64, as issued by the exchange
}

func (c CredentialRecord) Validate() error {
	if c.MemberCode == "" || c.LoginID == "" || c.Password == "" || c.SecretKey == "" {
		return fmt.Errorf("credentials: all four fields are required")
	}
	return nil
}

// ScheduleConfig is the mutable scheduler configuration. An in-flight cycle
// uses the values captured at cycle start; updates apply to the next wait.
type ScheduleConfig struct {
	IntervalMinutes  int
	Segments         []string
	MaxConcurrent    int
	MaxRetries       int
	MidnightAutoStop bool
}

func (s ScheduleConfig) Validate() error {
	if s.IntervalMinutes < 1 || s.IntervalMinutes > 1440 {
		return fmt.Errorf("interval_minutes must be in [1,1440], got %d", s.IntervalMinutes)
	}
	if s.MaxConcurrent < 1 || s.MaxConcurrent > 10 {
		return fmt.Errorf("max_concurrent must be in [1,10], got %d", s.MaxConcurrent)
	}
	if s.MaxRetries < 1 || s.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be in [1,10], got %d", s.MaxRetries)
	}
	if len(s.Segments) == 0 {
		return fmt.Errorf("at least one segment must be enabled")
	}
	for _, seg := range s.Segments {
		if !ValidSegment(seg) {
			return fmt.Errorf("unknown segment %q", seg)
		}
	}
	return nil
}

func ValidSegment(s string) bool {
	for _, k := range KnownSegments {
		if s == k {
			return true
		}
	}
	return false
}

// ParseSegments splits a comma-separated segment list as stored in settings.
func ParseSegments(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RemoteFile describes one file the extranet offers for a segment.
type RemoteFile struct {
	FileID   string
	FileName string
	Size     int64
	Checksum string // hex sha256, empty when the service does not supply one
}

// DownloadJob is the unit of work for one cycle. Owned by a single
// orchestrator cycle and discarded when the cycle ends.
type DownloadJob struct {
	Segment          string
	FileID           string
	FileName         string
	ExpectedChecksum string
	Attempt          int
}

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "Success"
	OutcomeFailed  OutcomeStatus = "Failed"
	OutcomeSkipped OutcomeStatus = "Skipped"
)

type DownloadOutcome struct {
	CycleID    string
	FileID     string
	FileName   string
	Segment    string
	Status     OutcomeStatus
	LocalPath  string
	Checksum   string
	Verified   bool
	Bytes      int64
	ErrorKind  string
	Attempts   int
	RecordedAt time.Time
}

type TriggerKind string

const (
	TriggerScheduled TriggerKind = "Scheduled"
	TriggerManual    TriggerKind = "Manual"
	// TriggerEmergencyAborted replaces the starting trigger on the sealed
	// record when an emergency stop killed the cycle.
	TriggerEmergencyAborted TriggerKind = "EmergencyAborted"
)

type CycleStatus string

const (
	CycleRunning        CycleStatus = "Running"
	CycleCompletedClean CycleStatus = "CompletedClean"
	CycleCompletedDirty CycleStatus = "CompletedWithErrors"
	CycleAborted        CycleStatus = "Aborted"
)

// SegmentCounts aggregates outcomes for one segment within a cycle.
type SegmentCounts struct {
	Succeeded int
	Failed    int
	Skipped   int
	Bytes     int64
}

// RunRecord is the sealed audit row for one cycle.
type RunRecord struct {
	CycleID   string
	StartedAt time.Time
	EndedAt   *time.Time
	Trigger   TriggerKind
	Status    CycleStatus
	Note      string
	Segments  map[string]SegmentCounts
}

func (r RunRecord) TotalBytes() int64 {
	var n int64
	for _, c := range r.Segments {
		n += c.Bytes
	}
	return n
}

func (r RunRecord) Counts() (succeeded, failed, skipped int) {
	for _, c := range r.Segments {
		succeeded += c.Succeeded
		failed += c.Failed
		skipped += c.Skipped
	}
	return
}
