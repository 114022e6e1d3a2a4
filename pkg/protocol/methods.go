package protocol

// RPC method name constants for the gateway WebSocket surface.

// Agent execution and chat access.
const (
	MethodAgent       = "agent"
	MethodAgentWait   = "agent.wait"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"
	MethodSend        = "send"
)

// Session administration.
const (
	MethodSessionsList    = "sessions.list"
	MethodSessionsResolve = "sessions.resolve"
	MethodSessionsPreview = "sessions.preview"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsReset   = "sessions.reset"
)

// Cron administration.
const (
	MethodCronAdd     = "cron.add"
	MethodCronUpdate  = "cron.update"
	MethodCronRemove  = "cron.remove"
	MethodCronEnable  = "cron.enable"
	MethodCronDisable = "cron.disable"
	MethodCronList    = "cron.list"
	MethodCronStatus  = "cron.status"
	MethodCronRun     = "cron.run"
	MethodCronRuns    = "cron.runs"
)

// Pairing administration.
const (
	MethodPairingRequest = "pairing.request"
	MethodPairingApprove = "pairing.approve"
	MethodPairingList    = "pairing.list"
	MethodPairingRevoke  = "pairing.revoke"
)

// Exec approval gate.
const (
	MethodExecApprovalRequest = "exec.approval.request"
	MethodExecApprovalResolve = "exec.approval.resolve"
)

// Node registry (host-runtime collaborators).
const (
	MethodNodeList   = "node.list"
	MethodNodeInvoke = "node.invoke"
)

// System.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
	MethodRestart = "restart"
)
