package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent           = "agent"
	EventChat            = "chat"
	EventHealth          = "health"
	EventCron            = "cron"
	EventExecApprovalReq = "exec.approval.requested"
	EventExecApprovalRes = "exec.approval.resolved"
	EventPairingReq      = "pairing.requested"
	EventPairingRes      = "pairing.resolved"
	EventShutdown        = "shutdown"
	EventRestart         = "restart"
	EventHeartbeat       = "heartbeat"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
)

// Cron event subtypes (in payload.type).
const (
	CronEventJobStarted  = "job.started"
	CronEventJobFinished = "job.finished"
	CronEventJobSkipped  = "job.skipped"
)
