package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// maintenanceSkipAfter is how far past due a recurring job may be before a
// maintenance recompute abandons the missed run and schedules the next
// occurrence instead. Within the window the past-due time is preserved so
// the run still fires on the next tick.
const maintenanceSkipAfter = 48 * time.Hour

// ValidateSchedule checks a schedule at job-creation time.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression: %q", s.Expr)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid time zone %q: %w", s.TZ, err)
			}
		}
		return nil
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires a timestamp")
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
}

// NextRun computes the next fire time strictly after the reference.
// Returns 0 for a one-shot schedule already in the past.
func NextRun(s Schedule, after time.Time) (int64, error) {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs > after.UnixMilli() {
			return s.AtMs, nil
		}
		return 0, nil
	case ScheduleCron:
		ref := after
		if s.TZ != "" {
			loc, err := time.LoadLocation(s.TZ)
			if err != nil {
				return 0, fmt.Errorf("load time zone %q: %w", s.TZ, err)
			}
			ref = ref.In(loc)
		}
		next, err := gronx.NextTickAfter(s.Expr, ref, false)
		if err != nil {
			return 0, fmt.Errorf("compute next run for %q: %w", s.Expr, err)
		}
		return next.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
}

// recomputeNextRunsForMaintenance refreshes NextRunAtMs across the job
// list after loads and config edits. A past-due next-run is deliberately
// left alone so pending work survives restarts; only when the job is more
// than maintenanceSkipAfter overdue is the missed occurrence skipped.
// Returns true if any job changed.
func recomputeNextRunsForMaintenance(jobs []Job, now time.Time) bool {
	changed := false
	nowMs := now.UnixMilli()
	for i := range jobs {
		job := &jobs[i]
		if !job.Enabled {
			if job.State.NextRunAtMs != 0 {
				job.State.NextRunAtMs = 0
				changed = true
			}
			continue
		}

		if job.State.NextRunAtMs != 0 && job.State.NextRunAtMs <= nowMs {
			if nowMs-job.State.NextRunAtMs <= maintenanceSkipAfter.Milliseconds() {
				continue // due; the tick loop will pick it up
			}
			// Far past due (host slept, long downtime): skip the stale run.
		}

		next, err := NextRun(job.Sched, now)
		if err != nil {
			continue
		}
		// A one-shot that never ran keeps its past-due AtMs until executed,
		// unless it is beyond the skip window too.
		if job.Sched.Kind == ScheduleAt && next == 0 && job.State.LastRunAtMs == 0 &&
			nowMs-job.Sched.AtMs <= maintenanceSkipAfter.Milliseconds() {
			next = job.Sched.AtMs
		}
		if next != job.State.NextRunAtMs {
			job.State.NextRunAtMs = next
			changed = true
		}
	}
	return changed
}
