// Package scheduler runs the synchronizer periodically and on demand.
package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/metrics"
	"github.com/serbia-gov/followup/internal/syncer"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Run triggers
const (
	TriggerStartup   = "startup"
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

const runKey = "sync"

var (
	ErrAlreadyRunning  = stderrors.New("scheduler already running")
	ErrInvalidInterval = stderrors.New("interval must be positive")
)

// Runner performs one synchronization
type Runner interface {
	RunSync(ctx context.Context) (syncer.SyncReport, error)
}

// RunLog is the outcome of one synchronizer run
type RunLog struct {
	ID         ulid.ULID         `json:"id"`
	Trigger    string            `json:"trigger"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Report     syncer.SyncReport `json:"report"`
	Error      string            `json:"error,omitempty"`
}

// Status is a point-in-time view of the scheduler
type Status struct {
	Running       bool          `json:"running"`
	InFlight      bool          `json:"in_flight"`
	LastRunAt     *time.Time    `json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time    `json:"last_success_at,omitempty"`
	NextRunAt     *time.Time    `json:"next_run_at,omitempty"`
	Interval      time.Duration `json:"interval"`
	// RecentLogs is newest first.
	RecentLogs []RunLog `json:"recent_logs"`
}

// Scheduler serializes synchronizer runs. Scheduled and forced runs share
// one singleflight key, so at most one run is in flight and concurrent
// requests receive the in-flight run's result.
type Scheduler struct {
	runner Runner
	log    *zap.Logger
	group  singleflight.Group

	// forceLimit gates forced runs that would start a new run. Callers
	// joining an in-flight run never take a token.
	forceLimit *rate.Limiter

	mu            sync.Mutex
	running       bool
	inFlight      bool
	interval      time.Duration
	lastRunAt     time.Time
	lastSuccessAt time.Time
	nextRunAt     time.Time
	logs          *ring
	cancel        context.CancelFunc
	done          chan struct{}
	reset         chan struct{}
}

// New creates a stopped scheduler keeping the last logSize run logs
func New(runner Runner, logSize int, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		runner: runner,
		log:    log.With(zap.String("component", "scheduler")),
		logs:   newRing(logSize),
	}
}

// LimitForcedRuns caps how often ForceRunNow may start a new run. Call it
// before the scheduler is shared.
func (s *Scheduler) LimitForcedRuns(limit rate.Limit, burst int) {
	s.forceLimit = rate.NewLimiter(limit, burst)
}

// Start runs the synchronizer once immediately and then every interval
// until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.interval = interval
	s.cancel = cancel
	s.done = make(chan struct{})
	s.reset = make(chan struct{}, 1)

	go s.loop(loopCtx, s.done, s.reset)

	s.log.Info("scheduler started", zap.Duration("interval", interval))
	return nil
}

// Stop prevents further scheduled runs and waits for the loop to exit. An
// in-flight run is allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.nextRunAt = time.Time{}
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

// SetInterval changes the period. When running, the timer restarts from now.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.interval = d
	if s.running {
		select {
		case s.reset <- struct{}{}:
		default:
		}
	}
	s.log.Info("scheduler interval changed", zap.Duration("interval", d))
	return nil
}

// ForceRunNow runs the synchronizer now, or joins the run already in
// flight. The run is not cancelled when ctx is; the caller just stops
// waiting. Starting a new run above the forced-run limit fails with
// ErrRateLimited; joining never does.
func (s *Scheduler) ForceRunNow(ctx context.Context) (syncer.SyncReport, error) {
	ch := s.group.DoChan(runKey, func() (any, error) {
		if s.forceLimit != nil && !s.forceLimit.Allow() {
			return syncer.SyncReport{}, errors.RateLimited("forced sync run")
		}
		return s.execute(context.WithoutCancel(ctx), TriggerManual)
	})

	select {
	case res := <-ch:
		report, _ := res.Val.(syncer.SyncReport)
		return report, res.Err
	case <-ctx.Done():
		return syncer.SyncReport{}, ctx.Err()
	}
}

// Status returns the current scheduler state
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:    s.running,
		InFlight:   s.inFlight,
		Interval:   s.interval,
		RecentLogs: s.logs.snapshot(),
	}
	if !s.lastRunAt.IsZero() {
		t := s.lastRunAt
		st.LastRunAt = &t
	}
	if !s.lastSuccessAt.IsZero() {
		t := s.lastSuccessAt
		st.LastSuccessAt = &t
	}
	if !s.nextRunAt.IsZero() {
		t := s.nextRunAt
		st.NextRunAt = &t
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}, reset <-chan struct{}) {
	defer close(done)

	s.runScheduled(ctx, TriggerStartup)

	timer := time.NewTimer(s.armNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reset:
			timer.Reset(s.armNext())
		case <-timer.C:
			s.runScheduled(ctx, TriggerScheduled)
			timer.Reset(s.armNext())
		}
	}
}

// armNext records the next run time and returns the delay until it
func (s *Scheduler) armNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.nextRunAt = time.Now().Add(s.interval)
	}
	return s.interval
}

// runScheduled runs through singleflight. Errors end up in the run log.
func (s *Scheduler) runScheduled(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	s.group.Do(runKey, func() (any, error) {
		return s.execute(context.WithoutCancel(ctx), trigger)
	})
}

func (s *Scheduler) execute(ctx context.Context, trigger string) (syncer.SyncReport, error) {
	s.mu.Lock()
	s.inFlight = true
	s.mu.Unlock()

	started := time.Now()
	report, err := s.runner.RunSync(ctx)
	finished := time.Now()

	entry := RunLog{
		ID:         ulid.Make(),
		Trigger:    trigger,
		StartedAt:  started,
		FinishedAt: finished,
		Report:     report,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	s.mu.Lock()
	s.inFlight = false
	s.lastRunAt = started
	if err == nil {
		s.lastSuccessAt = started
	}
	s.logs.push(entry)
	s.mu.Unlock()

	metrics.RecordSyncRun(trigger, err, finished.Sub(started))
	if err != nil {
		s.log.Warn("sync run recorded as failed",
			zap.String("run_id", entry.ID.String()),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
	} else {
		s.log.Debug("sync run recorded",
			zap.String("run_id", entry.ID.String()),
			zap.String("trigger", trigger),
			zap.Duration("duration", finished.Sub(started)),
		)
	}

	return report, err
}
