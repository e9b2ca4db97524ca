package ledger

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/nsetools/nsesync/internal/model"
)

// SegmentStats aggregates outcomes for one segment across cycles.
type SegmentStats struct {
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Bytes     int64 `json:"bytes"`
}

// Stats summarizes recent run history for operators.
type Stats struct {
	Days            int                     `json:"days"`
	Cycles          int                     `json:"cycles"`
	CleanCycles     int                     `json:"clean_cycles"`
	DirtyCycles     int                     `json:"cycles_with_errors"`
	AbortedCycles   int                     `json:"aborted_cycles"`
	TotalBytes      int64                   `json:"total_bytes"`
	MeanDurationSec float64                 `json:"mean_duration_sec"`
	StdDurationSec  float64                 `json:"std_duration_sec"`
	MeanCycleBytes  float64                 `json:"mean_cycle_bytes"`
	Segments        map[string]SegmentStats `json:"segments"`
}

// Statistics computes aggregates over the last N days of run history.
func (l *Ledger) Statistics(days int) (*Stats, error) {
	if days <= 0 {
		days = 30
	}
	now := time.Now()
	records, err := l.Query(now.AddDate(0, 0, -days), now)
	if err != nil {
		return nil, err
	}

	s := &Stats{Days: days, Segments: map[string]SegmentStats{}}
	var durations, cycleBytes []float64

	for _, r := range records {
		s.Cycles++
		switch r.Status {
		case model.CycleCompletedClean:
			s.CleanCycles++
		case model.CycleCompletedDirty:
			s.DirtyCycles++
		case model.CycleAborted:
			s.AbortedCycles++
		}
		if r.EndedAt != nil {
			durations = append(durations, r.EndedAt.Sub(r.StartedAt).Seconds())
		}
		total := r.TotalBytes()
		s.TotalBytes += total
		cycleBytes = append(cycleBytes, float64(total))

		for seg, c := range r.Segments {
			agg := s.Segments[seg]
			agg.Succeeded += c.Succeeded
			agg.Failed += c.Failed
			agg.Skipped += c.Skipped
			agg.Bytes += c.Bytes
			s.Segments[seg] = agg
		}
	}

	if len(durations) > 0 {
		s.MeanDurationSec = stat.Mean(durations, nil)
		if len(durations) > 1 {
			s.StdDurationSec = stat.StdDev(durations, nil)
		}
	}
	if len(cycleBytes) > 0 {
		s.MeanCycleBytes = stat.Mean(cycleBytes, nil)
	}
	return s, nil
}
