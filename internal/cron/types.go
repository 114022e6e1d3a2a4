// Package cron schedules recurring and one-shot agent work: a durable job
// store, a tick-driven scheduler with per-job singleton execution, and a
// JSONL run log per job.
package cron

// ScheduleKind selects the schedule variant.
type ScheduleKind string

const (
	// ScheduleCron is a recurring cron expression with an IANA time zone.
	ScheduleCron ScheduleKind = "cron"
	// ScheduleAt is a one-shot absolute timestamp.
	ScheduleAt ScheduleKind = "at"
)

// Schedule is the tagged schedule variant. Expr/TZ apply to "cron", AtMs
// to "at".
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	Expr string       `json:"expr,omitempty"`
	TZ   string       `json:"tz,omitempty"`
	AtMs int64        `json:"atMs,omitempty"`
}

// PayloadKind selects what a job run does.
type PayloadKind string

const (
	// PayloadAgentTurn runs an agent turn with the job's message.
	PayloadAgentTurn PayloadKind = "agentTurn"
	// PayloadSystemEvent injects a system event into the main session.
	PayloadSystemEvent PayloadKind = "systemEvent"
)

// Payload is the tagged work variant.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Message string      `json:"message,omitempty"`
	Event   string      `json:"event,omitempty"`
	Model   string      `json:"model,omitempty"`
}

// SessionTarget controls which session a job run executes in.
type SessionTarget string

const (
	// TargetIsolated runs each execution in a fresh cron-run session.
	TargetIsolated SessionTarget = "isolated"
	// TargetMain runs in the agent's main session.
	TargetMain SessionTarget = "main"
)

// WakeMode controls how eagerly a due job fires.
type WakeMode string

const (
	// WakeNextHeartbeat waits for the next scheduler tick.
	WakeNextHeartbeat WakeMode = "next-heartbeat"
	// WakeNow requests an immediate heartbeat when the job becomes due.
	WakeNow WakeMode = "now"
)

// Delivery controls where a run's output goes.
type Delivery struct {
	// Mode is "announce" or "direct" (deliver to a channel) or "none".
	Mode    string `json:"mode,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	// BestEffort downgrades a delivery failure from a run error to a
	// logged warning.
	BestEffort bool `json:"bestEffort,omitempty"`
}

// RunStatus values recorded in job state and the run log.
const (
	RunStatusOK      = "ok"
	RunStatusError   = "error"
	RunStatusSkipped = "skipped"
	RunStatusRunning = "running"
)

// Run log actions. A run writes a "started" line when it begins and a
// "finished" line when it completes; history reads skip unfinished lines.
const (
	RunActionStarted  = "started"
	RunActionFinished = "finished"
)

// JobState is the mutable scheduling state of a job.
type JobState struct {
	// NextRunAtMs is when the job is next due; 0 means unscheduled.
	NextRunAtMs int64 `json:"nextRunAtMs,omitempty"`
	// RunningAtMs is non-zero while an execution is in flight; it is the
	// per-job singleton guard.
	RunningAtMs int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Enabled bool     `json:"enabled"`
	AgentID string   `json:"agentId,omitempty"`
	Sched   Schedule `json:"schedule"`
	Payload Payload  `json:"payload"`

	SessionTarget SessionTarget `json:"sessionTarget,omitempty"`
	WakeMode      WakeMode      `json:"wakeMode,omitempty"`
	Delivery      Delivery      `json:"delivery,omitempty"`

	// TimeoutSeconds overrides the agent default; a pointer so an explicit
	// 0 (no timeout) survives the round trip.
	TimeoutSeconds *int `json:"timeoutSeconds,omitempty"`

	// DeleteAfterRun removes a one-shot job once it has executed.
	DeleteAfterRun bool `json:"deleteAfterRun,omitempty"`

	CreatedAtMs int64    `json:"createdAtMs,omitempty"`
	UpdatedAtMs int64    `json:"updatedAtMs,omitempty"`
	State       JobState `json:"state,omitempty"`
}

// RunUsage is the token accounting captured for a finished run.
type RunUsage struct {
	Input  int64 `json:"input,omitempty"`
	Output int64 `json:"output,omitempty"`
	Total  int64 `json:"total,omitempty"`
}

// RunRecord is one line of a job's run log.
type RunRecord struct {
	RunID      string `json:"runId"`
	JobID      string `json:"jobId"`
	Action     string `json:"action"`
	StartedAt  int64  `json:"startedAtMs"`
	FinishedAt int64  `json:"finishedAtMs,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Summary    string `json:"summary,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`

	Model    string    `json:"model,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Usage    *RunUsage `json:"usage,omitempty"`

	Delivered      bool   `json:"delivered,omitempty"`
	DeliveryStatus string `json:"deliveryStatus,omitempty"`
	DeliveryError  string `json:"deliveryError,omitempty"`
}
