package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T, exec ExecuteFunc) *Service {
	t.Helper()
	dir := t.TempDir()
	svc := NewService(ServiceOptions{
		Store:        NewStore(filepath.Join(dir, "cron.json")),
		RunLog:       NewRunLog(filepath.Join(dir, "runs"), 0, 0),
		Execute:      exec,
		Retry:        RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		TickInterval: 10 * time.Millisecond,
	})
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func dueJob(id string) Job {
	return Job{
		ID:      id,
		Enabled: true,
		Sched:   Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(-time.Second).UnixMilli()},
		Payload: Payload{Kind: PayloadAgentTurn, Message: "go"},
	}
}

func TestServiceRunsDueJob(t *testing.T) {
	var runs int32
	svc := newTestService(t, func(ctx context.Context, job Job, runID string) (ExecResult, error) {
		atomic.AddInt32(&runs, 1)
		return ExecResult{
			Summary:    "did the thing",
			SessionKey: "cron:j1",
			Model:      "claude-opus-4",
			Usage:      RunUsage{Input: 10, Output: 5, Total: 15},
		}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := svc.Add(dueJob("j1")); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&runs) == 1 })

	waitFor(t, 2*time.Second, func() bool {
		job, _, err := svc.Status("j1", 10)
		return err == nil && job.State.LastStatus == RunStatusOK && job.State.RunningAtMs == 0
	})
	job, history, err := svc.Status("j1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if job.Enabled {
		t.Error("a finished one-shot should be disabled")
	}
	if len(history) != 1 || history[0].Status != RunStatusOK || history[0].Summary != "did the thing" {
		t.Errorf("history = %+v", history)
	}
	rec := history[0]
	if rec.Action != RunActionFinished || rec.SessionKey != "cron:j1" || rec.Model != "claude-opus-4" {
		t.Errorf("finished record = %+v", rec)
	}
	if rec.Usage == nil || rec.Usage.Total != 15 {
		t.Errorf("usage = %+v", rec.Usage)
	}

	// One-shot must not fire again.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("one-shot ran %d times", got)
	}
}

func TestServiceSingletonGuard(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs int32
	svc := newTestService(t, func(ctx context.Context, job Job, runID string) (ExecResult, error) {
		if atomic.AddInt32(&runs, 1) == 1 {
			close(started)
			<-release
		}
		return ExecResult{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := dueJob("j1")
	job.Sched = Schedule{Kind: ScheduleCron, Expr: "* * * * *"}
	if _, err := svc.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := svc.RunNow("j1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	<-started
	// While the first run is in flight, further ticks must not start another.
	svc.Wake()
	svc.Wake()
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("singleton guard breached: %d concurrent runs", got)
	}
	close(release)
	cancel()
	svc.Stop()
}

func TestServiceListResponsiveDuringRun(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	svc := newTestService(t, func(ctx context.Context, job Job, runID string) (ExecResult, error) {
		once.Do(func() { close(blocked) })
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		return ExecResult{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := svc.Add(dueJob("slow")); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	<-blocked
	start := time.Now()
	if _, err := svc.List(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Status("slow", 5); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("list/status blocked behind a running job: %s", elapsed)
	}
	close(release)
	cancel()
	svc.Stop()
}

func TestServiceRetriesAndRecordsFailure(t *testing.T) {
	var attempts int32
	dir := t.TempDir()
	svc := NewService(ServiceOptions{
		Store:        NewStore(filepath.Join(dir, "cron.json")),
		RunLog:       NewRunLog(filepath.Join(dir, "runs"), 0, 0),
		Retry:        RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		TickInterval: 10 * time.Millisecond,
		Execute: func(ctx context.Context, job Job, runID string) (ExecResult, error) {
			atomic.AddInt32(&attempts, 1)
			return ExecResult{SessionKey: "cron:j1"}, errors.New("provider exploded")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := svc.Add(dueJob("j1")); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	waitFor(t, 2*time.Second, func() bool {
		job, _, err := svc.Status("j1", 1)
		return err == nil && job.State.LastStatus == RunStatusError
	})

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	job, history, _ := svc.Status("j1", 1)
	if job.State.LastError == "" {
		t.Error("last error must be recorded")
	}
	if len(history) != 1 || history[0].Attempts != 3 || history[0].Error == "" {
		t.Errorf("history = %+v", history)
	}
	if history[0].SessionKey != "cron:j1" {
		t.Error("a failed run should still record what the executor reported")
	}
}

func TestServiceRecurringReschedules(t *testing.T) {
	var runs int32
	svc := newTestService(t, func(ctx context.Context, job Job, runID string) (ExecResult, error) {
		atomic.AddInt32(&runs, 1)
		return ExecResult{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := Job{
		ID:      "hourly",
		Enabled: true,
		Sched:   Schedule{Kind: ScheduleCron, Expr: "0 * * * *"},
		Payload: Payload{Kind: PayloadAgentTurn, Message: "tick"},
	}
	if _, err := svc.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := svc.RunNow("hourly"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	waitFor(t, 2*time.Second, func() bool {
		j, _, err := svc.Status("hourly", 1)
		return err == nil && j.State.LastRunAtMs != 0 && j.State.RunningAtMs == 0
	})

	j, _, _ := svc.Status("hourly", 1)
	if !j.Enabled {
		t.Error("recurring jobs stay enabled")
	}
	if j.State.NextRunAtMs <= time.Now().UnixMilli() {
		t.Errorf("next run must be in the future, got %d", j.State.NextRunAtMs)
	}
}

func TestServiceRunModes(t *testing.T) {
	var runs int32
	svc := newTestService(t, func(ctx context.Context, job Job, runID string) (ExecResult, error) {
		atomic.AddInt32(&runs, 1)
		return ExecResult{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := Job{
		ID:      "later",
		Enabled: true,
		Sched:   Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(time.Hour).UnixMilli()},
		Payload: Payload{Kind: PayloadAgentTurn, Message: "m"},
	}
	if _, err := svc.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	// Not due yet: if-due must be a no-op.
	triggered, err := svc.Run("later", RunModeIfDue)
	if err != nil {
		t.Fatal(err)
	}
	if triggered {
		t.Error("if-due fired a job that is not due")
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Errorf("runs = %d after a declined if-due", got)
	}

	// Force ignores the schedule.
	triggered, err = svc.Run("later", RunModeForce)
	if err != nil {
		t.Fatal(err)
	}
	if !triggered {
		t.Error("force must report triggered")
	}
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&runs) == 1 })

	if _, err := svc.Run("missing", RunModeIfDue); err == nil {
		t.Error("unknown job should fail")
	}
	if _, err := svc.Run("later", "sometimes"); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestServiceRunIfDueFiresWhenDue(t *testing.T) {
	var runs int32
	svc := newTestService(t, func(ctx context.Context, job Job, runID string) (ExecResult, error) {
		atomic.AddInt32(&runs, 1)
		return ExecResult{}, nil
	})

	job := dueJob("due")
	if _, err := svc.Add(job); err != nil {
		t.Fatal(err)
	}

	// An empty mode means if-due. Checked before Start so the initial tick
	// cannot consume the job first.
	if triggered, err := svc.Run("due", ""); err != nil || !triggered {
		t.Errorf("triggered=%v err=%v, want true", triggered, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&runs) >= 1 })
}

func TestServiceAddValidation(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context, job Job, runID string) (ExecResult, error) { return ExecResult{}, nil })

	bad := []Job{
		{Enabled: true, Sched: Schedule{Kind: ScheduleCron, Expr: "nope"}, Payload: Payload{Kind: PayloadAgentTurn, Message: "m"}},
		{Enabled: true, Sched: Schedule{Kind: ScheduleCron, Expr: "* * * * *"}, Payload: Payload{Kind: PayloadAgentTurn}},
		{Enabled: true, Sched: Schedule{Kind: ScheduleCron, Expr: "* * * * *"}, Payload: Payload{Kind: "mystery"}},
		{ID: "../sneaky", Enabled: true, Sched: Schedule{Kind: ScheduleCron, Expr: "* * * * *"}, Payload: Payload{Kind: PayloadAgentTurn, Message: "m"}},
	}
	for i, job := range bad {
		if _, err := svc.Add(job); err == nil {
			t.Errorf("job %d should be rejected", i)
		}
	}
}

func TestServiceRemove(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context, job Job, runID string) (ExecResult, error) { return ExecResult{}, nil })
	job := Job{
		ID:      "j1",
		Enabled: false,
		Sched:   Schedule{Kind: ScheduleCron, Expr: "* * * * *"},
		Payload: Payload{Kind: PayloadAgentTurn, Message: "m"},
	}
	if _, err := svc.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := svc.Remove("j1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Remove("j1"); err == nil {
		t.Error("removing twice should fail")
	}
	jobs, _ := svc.List()
	if len(jobs) != 0 {
		t.Errorf("jobs = %+v", jobs)
	}
}
