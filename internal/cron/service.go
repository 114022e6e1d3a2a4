package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTickInterval is how often the scheduler checks for due jobs.
const DefaultTickInterval = 30 * time.Second

// RetryPolicy bounds execution retries within a single run.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

// ExecResult is what one execution reports back for the run log. On a
// failed run the executor may still fill the delivery fields so the log
// shows how far the run got.
type ExecResult struct {
	Summary    string
	SessionKey string
	Model      string
	Provider   string
	Usage      RunUsage

	Delivered      bool
	DeliveryStatus string
	DeliveryError  string
}

// ExecuteFunc performs one job run.
type ExecuteFunc func(ctx context.Context, job Job, runID string) (ExecResult, error)

// Service is the cron scheduler. Job execution happens outside the store
// lock, so List and Status stay responsive while runs are in flight.
type Service struct {
	store  *Store
	runLog *RunLog

	execute ExecuteFunc
	retry   RetryPolicy
	tick    time.Duration

	// requestHeartbeat triggers an immediate tick for wake-mode "now"
	// jobs. Optional.
	requestHeartbeat func()
	// afterRun fires after each completed run, outside all locks; the
	// session reaper hangs off this.
	afterRun func()

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// ServiceOptions wires a Service.
type ServiceOptions struct {
	Store            *Store
	RunLog           *RunLog
	Execute          ExecuteFunc
	Retry            RetryPolicy
	TickInterval     time.Duration
	RequestHeartbeat func()
	AfterRun         func()
}

func NewService(opts ServiceOptions) *Service {
	retry := opts.Retry
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Service{
		store:            opts.Store,
		runLog:           opts.RunLog,
		execute:          opts.Execute,
		retry:            retry,
		tick:             tick,
		requestHeartbeat: opts.RequestHeartbeat,
		afterRun:         opts.AfterRun,
		wake:             make(chan struct{}, 1),
		now:              time.Now,
	}
}

// Start launches the tick loop. Stop with Stop or by cancelling ctx.
func (s *Service) Start(ctx context.Context) error {
	// Clear singleton guards left behind by a crashed process and refresh
	// schedules before the first tick.
	if _, err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].State.RunningAtMs != 0 {
				slog.Warn("clearing stale running marker", "job", jobs[i].ID)
				jobs[i].State.RunningAtMs = 0
			}
		}
		recomputeNextRunsForMaintenance(jobs, s.now())
		return jobs, nil
	}); err != nil {
		return fmt.Errorf("cron startup maintenance: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)
	slog.Info("cron service started", "tick", s.tick.String())
	return nil
}

// Stop halts the loop and waits for in-flight runs.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		case <-s.wake:
			s.runDue(ctx)
		}
	}
}

// Wake requests an immediate tick.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runDue claims every due job under the store lock, then executes the
// claimed batch concurrently outside it.
func (s *Service) runDue(ctx context.Context) {
	nowMs := s.now().UnixMilli()
	var claimed []Job
	if _, err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		recomputeNextRunsForMaintenance(jobs, s.now())
		for i := range jobs {
			j := &jobs[i]
			if !j.Enabled || j.State.NextRunAtMs == 0 || j.State.NextRunAtMs > nowMs {
				continue
			}
			if j.State.RunningAtMs != 0 {
				continue // singleton: previous run still in flight
			}
			j.State.RunningAtMs = nowMs
			claimed = append(claimed, *j)
		}
		return jobs, nil
	}); err != nil {
		slog.Error("cron tick failed", "error", err)
		return
	}

	for _, job := range claimed {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(ctx, job)
		}()
	}
}

// runJob executes one claimed job with retries and records the outcome.
// The run log gets a "started" line up front and a "finished" line with
// the full outcome; a crash mid-run leaves only the former.
func (s *Service) runJob(ctx context.Context, job Job) {
	runID := uuid.NewString()
	startedAt := s.now().UnixMilli()
	slog.Info("cron job starting", "job", job.ID, "name", job.Name, "run_id", runID)

	if s.runLog != nil {
		if err := s.runLog.Append(RunRecord{
			RunID:     runID,
			JobID:     job.ID,
			Action:    RunActionStarted,
			StartedAt: startedAt,
			Status:    RunStatusRunning,
		}); err != nil {
			slog.Warn("cron run log append failed", "job", job.ID, "error", err)
		}
	}

	res, attempts, runErr := s.executeWithRetry(ctx, job, runID)

	status := RunStatusOK
	errText := ""
	if runErr != nil {
		status = RunStatusError
		errText = runErr.Error()
		slog.Error("cron job failed", "job", job.ID, "run_id", runID, "attempts", attempts, "error", runErr)
	} else {
		slog.Info("cron job finished", "job", job.ID, "run_id", runID, "attempts", attempts)
	}

	finishedAt := s.now().UnixMilli()
	if s.runLog != nil {
		rec := RunRecord{
			RunID:          runID,
			JobID:          job.ID,
			Action:         RunActionFinished,
			StartedAt:      startedAt,
			FinishedAt:     finishedAt,
			DurationMs:     finishedAt - startedAt,
			Status:         status,
			Error:          errText,
			Attempts:       attempts,
			Summary:        res.Summary,
			SessionKey:     res.SessionKey,
			Model:          res.Model,
			Provider:       res.Provider,
			Delivered:      res.Delivered,
			DeliveryStatus: res.DeliveryStatus,
			DeliveryError:  res.DeliveryError,
		}
		if res.Usage != (RunUsage{}) {
			usage := res.Usage
			rec.Usage = &usage
		}
		if err := s.runLog.Append(rec); err != nil {
			slog.Warn("cron run log append failed", "job", job.ID, "error", err)
		}
	}

	if _, err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID != job.ID {
				continue
			}
			j := &jobs[i]
			j.State.RunningAtMs = 0
			j.State.LastRunAtMs = finishedAt
			j.State.LastStatus = status
			j.State.LastError = errText

			if j.Sched.Kind == ScheduleAt {
				if j.DeleteAfterRun {
					return append(jobs[:i], jobs[i+1:]...), nil
				}
				j.Enabled = false
				j.State.NextRunAtMs = 0
				return jobs, nil
			}
			next, err := NextRun(j.Sched, s.now())
			if err != nil {
				slog.Warn("cron next-run recompute failed", "job", j.ID, "error", err)
				next = 0
			}
			j.State.NextRunAtMs = next
			return jobs, nil
		}
		return jobs, nil
	}); err != nil {
		slog.Error("cron outcome persist failed", "job", job.ID, "error", err)
	}

	if s.afterRun != nil {
		s.afterRun()
	}
}

func (s *Service) executeWithRetry(ctx context.Context, job Job, runID string) (ExecResult, int, error) {
	if s.execute == nil {
		return ExecResult{}, 0, errors.New("no executor configured")
	}
	var lastRes ExecResult
	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxRetries+1; attempt++ {
		res, err := s.execute(ctx, job, runID)
		if err == nil {
			return res, attempt, nil
		}
		lastRes, lastErr = res, err
		if ctx.Err() != nil || attempt > s.retry.MaxRetries {
			return lastRes, attempt, lastErr
		}

		delay := s.retry.BaseDelay << (attempt - 1)
		if delay > s.retry.MaxDelay {
			delay = s.retry.MaxDelay
		}
		slog.Warn("cron run attempt failed, retrying",
			"job", job.ID, "attempt", attempt, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return lastRes, attempt, lastErr
		case <-time.After(delay):
		}
	}
	return lastRes, s.retry.MaxRetries + 1, lastErr
}

// Add validates and persists a new job. Wake-mode "now" jobs that are
// already due trigger an immediate heartbeat.
func (s *Service) Add(job Job) (Job, error) {
	if err := ValidateSchedule(job.Sched); err != nil {
		return Job{}, err
	}
	if err := validatePayload(job.Payload); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, err := (&RunLog{}).pathFor(job.ID); err != nil {
		return Job{}, err
	}

	nowMs := s.now().UnixMilli()
	job.CreatedAtMs = nowMs
	job.UpdatedAtMs = nowMs
	job.State = JobState{}
	if job.Enabled {
		next, err := NextRun(job.Sched, s.now())
		if err != nil {
			return Job{}, err
		}
		if next == 0 && job.Sched.Kind == ScheduleAt {
			next = job.Sched.AtMs // already due; fire on the next tick
		}
		job.State.NextRunAtMs = next
	}

	if _, err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for _, existing := range jobs {
			if existing.ID == job.ID {
				return jobs, fmt.Errorf("cron job already exists: %s", job.ID)
			}
		}
		return append(jobs, job), nil
	}); err != nil {
		return Job{}, err
	}

	if job.WakeMode == WakeNow && job.State.NextRunAtMs != 0 && job.State.NextRunAtMs <= nowMs {
		s.Wake()
		if s.requestHeartbeat != nil {
			s.requestHeartbeat()
		}
	}
	return job, nil
}

// Update applies a mutation to a job and recomputes its schedule. An
// update that leaves the schedule invalid is rejected without persisting.
func (s *Service) Update(id string, mutate func(*Job)) (Job, error) {
	var out Job
	_, err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID != id {
				continue
			}
			j := jobs[i]
			mutate(&j)
			if err := ValidateSchedule(j.Sched); err != nil {
				return jobs, err
			}
			j.UpdatedAtMs = s.now().UnixMilli()
			if !j.Enabled {
				j.State.NextRunAtMs = 0
			} else if next, err := NextRun(j.Sched, s.now()); err == nil {
				j.State.NextRunAtMs = next
			}
			jobs[i] = j
			out = j
			return jobs, nil
		}
		return jobs, fmt.Errorf("cron job not found: %s", id)
	})
	if err != nil {
		return Job{}, err
	}
	return out, nil
}

// Remove deletes a job and its run log.
func (s *Service) Remove(id string) error {
	found := false
	if _, err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == id {
				found = true
				return append(jobs[:i], jobs[i+1:]...), nil
			}
		}
		return jobs, nil
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("cron job not found: %s", id)
	}
	if s.runLog != nil {
		if err := s.runLog.Remove(id); err != nil {
			slog.Warn("cron run log remove failed", "job", id, "error", err)
		}
	}
	return nil
}

// SetEnabled flips a job on or off, rescheduling as needed.
func (s *Service) SetEnabled(id string, enabled bool) (Job, error) {
	return s.Update(id, func(j *Job) { j.Enabled = enabled })
}

// List returns all jobs ordered by next run time (unscheduled last). It
// reads only the store, so it stays responsive during long runs.
func (s *Service) List() ([]Job, error) {
	jobs, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		na, nb := jobs[a].State.NextRunAtMs, jobs[b].State.NextRunAtMs
		if na == 0 {
			return false
		}
		if nb == 0 {
			return true
		}
		return na < nb
	})
	return jobs, nil
}

// Status returns one job plus its recent run history.
func (s *Service) Status(id string, historyLimit int) (Job, []RunRecord, error) {
	jobs, err := s.store.Load()
	if err != nil {
		return Job{}, nil, err
	}
	for _, j := range jobs {
		if j.ID != id {
			continue
		}
		var history []RunRecord
		if s.runLog != nil {
			history, _ = s.runLog.History(id, historyLimit)
		}
		return j, history, nil
	}
	return Job{}, nil, fmt.Errorf("cron job not found: %s", id)
}

// Manual run modes.
const (
	// RunModeForce fires regardless of schedule or enabled state.
	RunModeForce = "force"
	// RunModeIfDue fires only when the job is enabled and its next run
	// time has arrived; otherwise nothing happens.
	RunModeIfDue = "if-due"
)

// Run triggers a job manually. An empty mode means "if-due". Returns
// whether the job was actually triggered.
func (s *Service) Run(id, mode string) (bool, error) {
	switch mode {
	case RunModeForce:
		if err := s.RunNow(id); err != nil {
			return false, err
		}
		return true, nil
	case "", RunModeIfDue:
		jobs, err := s.store.Load()
		if err != nil {
			return false, err
		}
		for _, j := range jobs {
			if j.ID != id {
				continue
			}
			if !j.Enabled || j.State.NextRunAtMs == 0 || j.State.NextRunAtMs > s.now().UnixMilli() {
				return false, nil
			}
			s.Wake()
			if s.requestHeartbeat != nil {
				s.requestHeartbeat()
			}
			return true, nil
		}
		return false, fmt.Errorf("cron job not found: %s", id)
	default:
		return false, fmt.Errorf("unknown cron run mode: %q", mode)
	}
}

// RunNow marks a job due immediately and wakes the scheduler.
func (s *Service) RunNow(id string) error {
	if _, err := s.store.UpdateJob(id, func(j *Job) {
		j.Enabled = true
		j.State.NextRunAtMs = s.now().UnixMilli()
	}); err != nil {
		return err
	}
	s.Wake()
	if s.requestHeartbeat != nil {
		s.requestHeartbeat()
	}
	return nil
}

// History returns recent run records for a job.
func (s *Service) History(id string, limit int) ([]RunRecord, error) {
	if s.runLog == nil {
		return nil, nil
	}
	return s.runLog.History(id, limit)
}

func validatePayload(p Payload) error {
	switch p.Kind {
	case PayloadAgentTurn:
		if p.Message == "" {
			return errors.New("agentTurn payload requires a message")
		}
	case PayloadSystemEvent:
		if p.Event == "" {
			return errors.New("systemEvent payload requires an event")
		}
	default:
		return fmt.Errorf("unknown payload kind: %q", p.Kind)
	}
	return nil
}
