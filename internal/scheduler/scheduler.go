// Package scheduler owns the timing state machine around the orchestrator:
// when to run, how to stop, and the midnight cutoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nsetools/nsesync/internal/model"
	"github.com/nsetools/nsesync/internal/orchestrator"
)

type State string

const (
	StateIdle          State = "Idle"
	StateWaiting       State = "Waiting"
	StateCycleRunning  State = "CycleRunning"
	StateStopRequested State = "StopRequested"
	StateStopped       State = "Stopped"
)

var (
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrNotWaiting     = errors.New("scheduler: no cycle can be started in this state")
	ErrCycleInFlight  = errors.New("scheduler: a cycle is already running")
)

// CycleRunner abstracts the orchestrator for tests.
type CycleRunner interface {
	RunCycle(ctx context.Context, cfg model.ScheduleConfig, trigger model.TriggerKind) (*orchestrator.Result, error)
}

// StatePersister mirrors the armed schedule into the scheduler_config table
// for the external collaborators to render. May be nil.
type StatePersister func(cfg model.ScheduleConfig, running bool, lastRun, nextRun *time.Time)

type Controller struct {
	runner  CycleRunner
	persist StatePersister

	mu          sync.Mutex
	state       State
	cfg         model.ScheduleConfig
	nextRunAt   time.Time
	lastRunAt   time.Time
	lastResult  *orchestrator.Result
	stopAfter   bool // graceful stop requested while a cycle runs
	cancelCycle context.CancelFunc
	cancelWait  context.CancelFunc
	wake        chan struct{}
	runOnceCh   chan []string
	wg          sync.WaitGroup

	// autoStop records a midnight cutoff stop durably; may be nil.
	autoStop func(at time.Time)

	// intervalUnit is time.Minute in production; tests shrink it.
	intervalUnit time.Duration
	now          func() time.Time
}

func New(runner CycleRunner, cfg model.ScheduleConfig, persist StatePersister) *Controller {
	return &Controller{
		runner:       runner,
		persist:      persist,
		state:        StateIdle,
		cfg:          cfg,
		wake:         make(chan struct{}, 1),
		runOnceCh:    make(chan []string),
		intervalUnit: time.Minute,
		now:          time.Now,
	}
}

func (c *Controller) interval() time.Duration {
	return time.Duration(c.cfg.IntervalMinutes) * c.intervalUnit
}

// Start arms the countdown and begins the scheduling loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle && c.state != StateStopped {
		return ErrAlreadyRunning
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelWait = cancel
	c.state = StateWaiting
	c.stopAfter = false
	c.nextRunAt = c.now().Add(c.interval())
	c.persistLocked()

	c.wg.Add(1)
	go c.loop(ctx)

	slog.Info("scheduler started", "interval_minutes", c.cfg.IntervalMinutes, "next_run", c.nextRunAt)
	return nil
}

// Stop requests a graceful stop: an in-flight cycle finishes and seals its
// record before the controller reaches Stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateWaiting:
		c.state = StateStopped
		c.cancelWait()
		c.persistLocked()
		slog.Info("scheduler stopped")
	case StateCycleRunning:
		c.state = StateStopRequested
		c.stopAfter = true
		slog.Info("scheduler stop requested, waiting for cycle to finish")
	}
}

// EmergencyStop abandons any in-flight cycle immediately. The orchestrator
// still seals the run record as Aborted.
func (c *Controller) EmergencyStop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateWaiting:
		c.state = StateStopped
		c.cancelWait()
	case StateCycleRunning, StateStopRequested:
		c.state = StateStopped
		c.stopAfter = true
		if c.cancelCycle != nil {
			c.cancelCycle()
		}
		// cancelWait is nil when the cycle came from a one-shot RunOnce on a
		// controller that was never started.
		if c.cancelWait != nil {
			c.cancelWait()
		}
	default:
		return
	}
	c.persistLocked()
	slog.Warn("emergency stop")
}

// Wait blocks until the scheduling loop has exited.
func (c *Controller) Wait() { c.wg.Wait() }

// OnAutoStop registers a callback invoked when the midnight cutoff stops the
// scheduler, so the stop lands in durable storage and not only in the log.
// Like the persister, it runs with the controller's lock held.
func (c *Controller) OnAutoStop(fn func(at time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoStop = fn
}

func (c *Controller) recordAutoStopLocked() {
	if c.autoStop != nil {
		c.autoStop(c.now())
	}
}

// RunOnce triggers a manual cycle without disturbing an armed countdown's
// target time. Refused while a cycle is already running.
func (c *Controller) RunOnce(segments []string) error {
	c.mu.Lock()
	switch c.state {
	case StateCycleRunning, StateStopRequested:
		c.mu.Unlock()
		return ErrCycleInFlight
	case StateWaiting:
		c.mu.Unlock()
		select {
		case c.runOnceCh <- segments:
			return nil
		case <-time.After(time.Second):
			return ErrCycleInFlight
		}
	case StateIdle, StateStopped:
		// One-shot run with no loop armed.
		cfg := c.manualConfigLocked(segments)
		ctx, cancel := context.WithCancel(context.Background())
		c.cancelCycle = cancel
		prev := c.state
		c.state = StateCycleRunning
		c.mu.Unlock()

		_, err := c.runCycle(ctx, cfg, model.TriggerManual)
		cancel()

		c.mu.Lock()
		if c.state == StateCycleRunning || c.state == StateStopRequested {
			c.state = prev
		}
		c.persistLocked()
		c.mu.Unlock()
		return err
	default:
		c.mu.Unlock()
		return ErrNotWaiting
	}
}

// UpdateInterval is valid in any state. While Waiting it re-arms the
// countdown from now; a running cycle keeps its captured config and the new
// value applies to the following wait.
func (c *Controller) UpdateInterval(minutes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cfg
	next.IntervalMinutes = minutes
	if err := next.Validate(); err != nil {
		return err
	}
	c.cfg = next

	if c.state == StateWaiting {
		c.nextRunAt = c.now().Add(c.interval())
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	c.persistLocked()
	slog.Info("interval updated", "minutes", minutes)
	return nil
}

// UpdateSegments replaces the enabled segment set for future cycles.
func (c *Controller) UpdateSegments(segments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cfg
	next.Segments = segments
	if err := next.Validate(); err != nil {
		return err
	}
	c.cfg = next
	c.persistLocked()
	return nil
}

// Status is the control-surface snapshot.
type Status struct {
	State      State
	NextRunAt  *time.Time
	LastRunAt  *time.Time
	LastResult *orchestrator.Result
	Config     model.ScheduleConfig
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{State: c.state, LastResult: c.lastResult, Config: c.cfg}
	if c.state == StateWaiting {
		t := c.nextRunAt
		s.NextRunAt = &t
	}
	if !c.lastRunAt.IsZero() {
		t := c.lastRunAt
		s.LastRunAt = &t
	}
	return s
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if c.state != StateWaiting {
			c.mu.Unlock()
			return
		}
		fireAt := c.nextRunAt
		midnightAt := nextMidnight(c.now())
		checkMidnight := c.cfg.MidnightAutoStop
		c.mu.Unlock()

		deadline := fireAt
		if checkMidnight && midnightAt.Before(deadline) {
			deadline = midnightAt
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case segments := <-c.runOnceCh:
			timer.Stop()
			c.mu.Lock()
			cfg := c.manualConfigLocked(segments)
			c.mu.Unlock()
			if !c.executeCycle(cfg, model.TriggerManual, false) {
				return
			}

		case <-c.wake:
			timer.Stop()
			continue

		case <-timer.C:
			if checkMidnight && !deadline.Before(midnightAt) && deadline.Before(fireAt) {
				// Midnight cutoff reached while waiting: graceful stop,
				// recorded as automatic.
				c.mu.Lock()
				c.state = StateStopped
				c.persistLocked()
				c.recordAutoStopLocked()
				c.mu.Unlock()
				slog.Info("midnight auto-stop", "trigger", model.TriggerScheduled)
				return
			}
			if !c.executeCycle(c.currentConfig(), model.TriggerScheduled, true) {
				return
			}
		}
	}
}

// executeCycle runs one cycle and re-arms. Returns false when the loop must
// exit (stop requested or midnight cutoff crossed during the cycle).
func (c *Controller) executeCycle(cfg model.ScheduleConfig, trigger model.TriggerKind, rearm bool) bool {
	c.mu.Lock()
	if c.state != StateWaiting {
		c.mu.Unlock()
		return false
	}
	cycleCtx, cancel := context.WithCancel(context.Background())
	c.cancelCycle = cancel
	c.state = StateCycleRunning
	startedAt := c.now()
	savedNext := c.nextRunAt
	c.mu.Unlock()

	c.runCycle(cycleCtx, cfg, trigger)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRunAt = startedAt

	if c.state == StateStopped {
		// Emergency stop won the race; loop exits.
		return false
	}
	if c.stopAfter {
		c.state = StateStopped
		c.persistLocked()
		slog.Info("scheduler stopped after cycle completion")
		return false
	}
	if cfg.MidnightAutoStop && crossedMidnight(startedAt, c.now()) {
		c.state = StateStopped
		c.persistLocked()
		c.recordAutoStopLocked()
		slog.Info("midnight auto-stop after cycle completion", "trigger", model.TriggerScheduled)
		return false
	}

	c.state = StateWaiting
	if rearm {
		// Re-arm with the interval as it stands now, honoring updates
		// applied while the cycle ran.
		c.nextRunAt = c.now().Add(c.interval())
	} else {
		c.nextRunAt = savedNext
		if !c.nextRunAt.After(c.now()) {
			c.nextRunAt = c.now().Add(time.Second)
		}
	}
	c.persistLocked()
	return true
}

func (c *Controller) runCycle(ctx context.Context, cfg model.ScheduleConfig, trigger model.TriggerKind) (*orchestrator.Result, error) {
	res, err := c.runner.RunCycle(ctx, cfg, trigger)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("cycle failed", "trigger", trigger, "error", err)
	}
	c.mu.Lock()
	if res != nil {
		c.lastResult = res
	}
	c.mu.Unlock()
	return res, err
}

func (c *Controller) currentConfig() model.ScheduleConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) manualConfigLocked(segments []string) model.ScheduleConfig {
	cfg := c.cfg
	if len(segments) > 0 {
		valid := segments[:0:0]
		for _, s := range segments {
			if model.ValidSegment(s) {
				valid = append(valid, s)
			}
		}
		if len(valid) > 0 {
			cfg.Segments = valid
		}
	}
	return cfg
}

func (c *Controller) persistLocked() {
	if c.persist == nil {
		return
	}
	running := c.state == StateWaiting || c.state == StateCycleRunning || c.state == StateStopRequested
	var last, next *time.Time
	if !c.lastRunAt.IsZero() {
		t := c.lastRunAt
		last = &t
	}
	if c.state == StateWaiting {
		t := c.nextRunAt
		next = &t
	}
	c.persist(c.cfg, running, last, next)
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

func crossedMidnight(start, end time.Time) bool {
	return end.After(nextMidnight(start)) || end.Equal(nextMidnight(start))
}

// Describe renders a short operator-facing summary of a finished cycle.
func Describe(r *orchestrator.Result) string {
	if r == nil {
		return "no cycles run yet"
	}
	return fmt.Sprintf("%s: %d succeeded, %d failed, %d skipped", r.Status, r.Succeeded, r.Failed, r.Skipped)
}
