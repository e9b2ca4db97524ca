// Package orchestrator executes one download cycle end-to-end: authenticate,
// list per segment, download with bounded concurrency, verify, record. A
// cycle never leaves partial, unrecorded state — every terminal path seals
// the run record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nsetools/nsesync/internal/ledger"
	"github.com/nsetools/nsesync/internal/model"
	"github.com/nsetools/nsesync/internal/nseclient"
	"github.com/nsetools/nsesync/internal/organizer"
	"github.com/nsetools/nsesync/internal/retry"
)

// RemoteClient is the slice of the extranet client the orchestrator uses.
type RemoteClient interface {
	Authenticate(ctx context.Context, creds model.CredentialRecord) (string, error)
	ListFiles(ctx context.Context, token, segment string) ([]model.RemoteFile, error)
	Download(ctx context.Context, token, segment string, file model.RemoteFile) (io.ReadCloser, error)
}

// CredentialSource yields decrypted credentials for one authentication
// attempt. The orchestrator drops the record as soon as login completes.
type CredentialSource interface {
	Load() (model.CredentialRecord, error)
}

type Orchestrator struct {
	client RemoteClient
	creds  CredentialSource
	files  *organizer.Organizer
	runs   *ledger.Ledger
	policy retry.Policy

	// checksums caches path → sha256 for files already on disk so
	// idempotent re-runs do not re-hash everything each cycle.
	checksums *lru.Cache[string, string]
}

func New(client RemoteClient, creds CredentialSource, files *organizer.Organizer, runs *ledger.Ledger, policy retry.Policy) *Orchestrator {
	cache, _ := lru.New[string, string](4096)
	return &Orchestrator{
		client:    client,
		creds:     creds,
		files:     files,
		runs:      runs,
		policy:    policy,
		checksums: cache,
	}
}

// Result summarizes one finished cycle.
type Result struct {
	CycleID   string
	Status    model.CycleStatus
	Succeeded int
	Failed    int
	Skipped   int
	Bytes     int64
}

// session hands out the current token and performs at most one
// re-authentication per expired token, however many workers notice the
// expiry at once.
type session struct {
	client RemoteClient
	creds  model.CredentialRecord

	mu    sync.Mutex
	token string
}

func (s *session) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// refresh re-authenticates once if the token the caller saw is still the
// active one; late callers just receive the replacement.
func (s *session) refresh(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != stale {
		return s.token, nil
	}
	token, err := s.client.Authenticate(ctx, s.creds)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// RunCycle executes exactly one cycle with the configuration captured at
// cycle start. Job-scoped failures never abort the cycle; only credential
// and authentication failures do.
func (o *Orchestrator) RunCycle(ctx context.Context, cfg model.ScheduleConfig, trigger model.TriggerKind) (*Result, error) {
	cycleID, err := o.runs.BeginCycle(trigger)
	if err != nil {
		return nil, err
	}
	res := &Result{CycleID: cycleID}
	slog.Info("cycle started", "cycle", cycleID, "trigger", trigger, "segments", cfg.Segments)

	creds, err := o.creds.Load()
	if err != nil {
		return o.abort(res, fmt.Sprintf("credentials unavailable: %v", err), err)
	}

	sess := &session{client: o.client, creds: creds}
	attempts, err := retry.Do(ctx, o.withAttempts(cfg.MaxRetries), authRetryable, func(ctx context.Context) error {
		token, err := o.client.Authenticate(ctx, creds)
		if err != nil {
			return err
		}
		sess.token = token
		return nil
	})
	if err != nil {
		slog.Error("authentication failed", "cycle", cycleID, "attempts", attempts, "error", err)
		return o.abort(res, fmt.Sprintf("authentication failed after %d attempt(s)", attempts), err)
	}

	jobs := o.collectJobs(ctx, sess, cfg, cycleID, res)

	if err := o.processJobs(ctx, sess, cfg, cycleID, jobs, res); err != nil {
		// Only context cancellation escapes processJobs.
		return o.abort(res, "emergency stop", err)
	}

	res.Status = model.CycleCompletedClean
	if res.Failed > 0 {
		res.Status = model.CycleCompletedDirty
	}
	note := fmt.Sprintf("%d succeeded, %d failed, %d skipped", res.Succeeded, res.Failed, res.Skipped)
	if err := o.runs.EndCycle(cycleID, res.Status, note); err != nil {
		return res, err
	}
	slog.Info("cycle finished", "cycle", cycleID, "status", res.Status,
		"succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

func (o *Orchestrator) abort(res *Result, note string, cause error) (*Result, error) {
	res.Status = model.CycleAborted
	var sealErr error
	if errors.Is(cause, context.Canceled) {
		sealErr = o.runs.EndCycleEmergency(res.CycleID, note)
	} else {
		sealErr = o.runs.EndCycle(res.CycleID, model.CycleAborted, note)
	}
	if sealErr != nil {
		slog.Error("could not seal aborted cycle", "cycle", res.CycleID, "error", sealErr)
	}
	return res, cause
}

// collectJobs lists every enabled segment and merges the results into a flat
// job queue. A failing segment is skipped and logged; the cycle continues.
func (o *Orchestrator) collectJobs(ctx context.Context, sess *session, cfg model.ScheduleConfig, cycleID string, res *Result) []model.DownloadJob {
	var jobs []model.DownloadJob
	for _, segment := range cfg.Segments {
		files, err := o.listSegment(ctx, sess, segment)
		if err != nil {
			slog.Warn("segment listing failed, skipping segment", "cycle", cycleID, "segment", segment, "error", err)
			continue
		}
		for _, f := range files {
			if skip, path, sum := o.alreadyPresent(segment, f); skip {
				res.Skipped++
				o.record(model.DownloadOutcome{
					CycleID:   cycleID,
					FileID:    f.FileID,
					FileName:  f.FileName,
					Segment:   segment,
					Status:    model.OutcomeSkipped,
					LocalPath: path,
					Checksum:  sum,
					Verified:  f.Checksum != "",
				})
				continue
			}
			jobs = append(jobs, model.DownloadJob{
				Segment:          segment,
				FileID:           f.FileID,
				FileName:         f.FileName,
				ExpectedChecksum: f.Checksum,
			})
		}
	}
	return jobs
}

// listSegment retries transient failures and re-authenticates exactly once on
// an expired session.
func (o *Orchestrator) listSegment(ctx context.Context, sess *session, segment string) ([]model.RemoteFile, error) {
	var files []model.RemoteFile
	_, err := retry.Do(ctx, o.policy, nseclient.Retryable, func(ctx context.Context) error {
		token := sess.current()
		fs, err := o.client.ListFiles(ctx, token, segment)
		if errors.Is(err, nseclient.ErrSessionExpired) {
			token, err = sess.refresh(ctx, token)
			if err != nil {
				return err
			}
			fs, err = o.client.ListFiles(ctx, token, segment)
		}
		if err != nil {
			return err
		}
		files = fs
		return nil
	})
	return files, err
}

// alreadyPresent reports whether the destination already holds the file with
// a matching checksum, making the download redundant.
func (o *Orchestrator) alreadyPresent(segment string, f model.RemoteFile) (bool, string, string) {
	path := o.files.PlacementPath(segment, organizer.LogicalDate(f.FileName, time.Now()), f.FileName)
	if _, err := os.Stat(path); err != nil {
		return false, "", ""
	}

	sum, ok := o.checksums.Get(path)
	if !ok {
		var err error
		sum, err = organizer.ChecksumFile(path)
		if err != nil {
			return false, "", ""
		}
		o.checksums.Add(path, sum)
	}

	if f.Checksum != "" {
		return sum == f.Checksum, path, sum
	}

	// No service checksum: trust the file only if the ledger recorded this
	// exact content as a prior success.
	known, err := o.runs.AlreadyDownloaded(segment, f.FileID, sum)
	if err != nil {
		slog.Warn("ledger lookup failed during skip check", "file", f.FileName, "error", err)
		return false, "", ""
	}
	return known, path, sum
}

// processJobs drains the queue on a worker pool bounded by MaxConcurrent.
// Outcomes are recorded in completion order, one row per job.
func (o *Orchestrator) processJobs(ctx context.Context, sess *session, cfg model.ScheduleConfig, cycleID string, jobs []model.DownloadJob, res *Result) error {
	if len(jobs) == 0 {
		return ctx.Err()
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrent)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			outcome := o.runJob(gctx, sess, cfg, cycleID, job)
			if gctx.Err() != nil {
				// Emergency stop: drop the outcome, the cycle seals as Aborted.
				return gctx.Err()
			}
			o.record(outcome)
			mu.Lock()
			switch outcome.Status {
			case model.OutcomeSuccess:
				res.Succeeded++
				res.Bytes += outcome.Bytes
			case model.OutcomeFailed:
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}

	return g.Wait()
}

// runJob downloads one file with the bounded retry budget and returns its
// outcome. Failures are classified, never propagated.
func (o *Orchestrator) runJob(ctx context.Context, sess *session, cfg model.ScheduleConfig, cycleID string, job model.DownloadJob) model.DownloadOutcome {
	outcome := model.DownloadOutcome{
		CycleID:  cycleID,
		FileID:   job.FileID,
		FileName: job.FileName,
		Segment:  job.Segment,
	}
	path := o.files.PlacementPath(job.Segment, organizer.LogicalDate(job.FileName, time.Now()), job.FileName)

	attempts, err := retry.Do(ctx, o.withAttempts(cfg.MaxRetries), downloadRetryable, func(ctx context.Context) error {
		checksum, written, err := o.fetchOnce(ctx, sess, job, path)
		if err != nil {
			return err
		}
		outcome.Checksum = checksum
		outcome.Bytes = written
		return nil
	})
	outcome.Attempts = attempts

	if err != nil {
		outcome.Status = model.OutcomeFailed
		outcome.ErrorKind = classifyKind(err)
		slog.Warn("download failed", "cycle", cycleID, "file", job.FileName,
			"segment", job.Segment, "attempts", attempts, "kind", outcome.ErrorKind)
		return outcome
	}

	outcome.Status = model.OutcomeSuccess
	outcome.LocalPath = path
	outcome.Verified = job.ExpectedChecksum != ""
	o.checksums.Add(path, outcome.Checksum)
	slog.Debug("download complete", "file", job.FileName, "segment", job.Segment, "bytes", outcome.Bytes)
	return outcome
}

// fetchOnce performs a single download attempt: fetch, stream to a temp file,
// verify, atomically place.
func (o *Orchestrator) fetchOnce(ctx context.Context, sess *session, job model.DownloadJob, path string) (string, int64, error) {
	token := sess.current()
	body, err := o.client.Download(ctx, token, job.Segment, model.RemoteFile{
		FileID:   job.FileID,
		FileName: job.FileName,
		Checksum: job.ExpectedChecksum,
	})
	if errors.Is(err, nseclient.ErrSessionExpired) {
		token, err = sess.refresh(ctx, token)
		if err != nil {
			return "", 0, err
		}
		body, err = o.client.Download(ctx, token, job.Segment, model.RemoteFile{
			FileID:   job.FileID,
			FileName: job.FileName,
			Checksum: job.ExpectedChecksum,
		})
	}
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	return o.files.Write(body, path, job.ExpectedChecksum)
}

func (o *Orchestrator) record(outcome model.DownloadOutcome) {
	if err := o.runs.RecordOutcome(outcome); err != nil {
		slog.Error("could not record outcome", "cycle", outcome.CycleID, "file", outcome.FileName, "error", err)
	}
}

func (o *Orchestrator) withAttempts(maxAttempts int) retry.Policy {
	p := o.policy
	p.MaxAttempts = maxAttempts
	return p
}

// authRetryable: wrong secrets will not become right, so InvalidCredentials
// is terminal; unavailability and timeouts get the backoff budget.
func authRetryable(err error) bool {
	if errors.Is(err, nseclient.ErrInvalidCredentials) {
		return false
	}
	return nseclient.Retryable(err)
}

// downloadRetryable adds checksum mismatches to the transient set: they are
// retried up to the attempt cap, then terminal.
func downloadRetryable(err error) bool {
	return nseclient.Retryable(err) || errors.Is(err, organizer.ErrChecksumMismatch)
}

func classifyKind(err error) string {
	switch {
	case errors.Is(err, nseclient.ErrTimeout):
		return "Timeout"
	case errors.Is(err, nseclient.ErrPartialTransfer):
		return "PartialTransfer"
	case errors.Is(err, nseclient.ErrNotFound):
		return "NotFound"
	case errors.Is(err, nseclient.ErrServiceUnavailable):
		return "ServiceUnavailable"
	case errors.Is(err, nseclient.ErrSessionExpired):
		return "SessionExpired"
	case errors.Is(err, organizer.ErrChecksumMismatch):
		return "ChecksumMismatch"
	case errors.Is(err, organizer.ErrWrite):
		return "WriteError"
	case errors.Is(err, organizer.ErrPath):
		return "PathError"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	default:
		return "Unknown"
	}
}
