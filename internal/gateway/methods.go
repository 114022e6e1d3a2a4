package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zwright8/openclaw-sub006/internal/agent"
	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/config"
	"github.com/zwright8/openclaw-sub006/internal/cron"
	dispatchpkg "github.com/zwright8/openclaw-sub006/internal/dispatch"
	"github.com/zwright8/openclaw-sub006/internal/pairing"
	"github.com/zwright8/openclaw-sub006/internal/restart"
	"github.com/zwright8/openclaw-sub006/internal/sessions"
	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

// DefaultMaxMessageChars caps inbound agent message length.
const DefaultMaxMessageChars = 32000

// AgentRunner runs one agent turn.
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (agent.RunResult, error)
}

// ChannelSender is the slice of the channel manager the RPC surface needs.
type ChannelSender interface {
	SendToChannel(ctx context.Context, msg bus.OutboundMessage) (bus.SendReceipt, error)
	GetStatus() map[string]interface{}
	AnyRunning() bool
}

// Restarter requests process restarts.
type Restarter interface {
	Request(reason string) bool
	Stats() restart.Stats
}

// Deps wires the method handlers to the rest of the gateway.
type Deps struct {
	Config      *config.Config
	Runner      AgentRunner
	Sessions    *sessions.Store
	Transcripts string // transcript directory for resets
	Cron        *cron.Service
	Pairing     *pairing.Store
	Channels    ChannelSender
	Restart     Restarter
	Approvals   *ApprovalManager
	Nodes       *NodeRegistry
}

// handlerFunc handles one RPC method.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// rpcError carries an RPC error code alongside the message.
type rpcError struct {
	code string
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &rpcError{code: protocol.ErrCodeBadRequest, msg: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...interface{}) error {
	return &rpcError{code: protocol.ErrCodeNotFound, msg: fmt.Sprintf(format, args...)}
}

// MethodRouter dispatches request frames to method handlers.
type MethodRouter struct {
	server    *Server
	deps      Deps
	handlers  map[string]handlerFunc
	startedAt time.Time

	// running agent turns, cancellable via chat.abort; finished outcomes
	// linger so agent.wait can join a run after it completed.
	runMu sync.Mutex
	runs  map[string]map[string]context.CancelFunc // sessionKey → runID → cancel
	waits map[string]*runRecord                    // runID → outcome
}

func NewMethodRouter(s *Server, deps Deps) *MethodRouter {
	r := &MethodRouter{
		server:    s,
		deps:      deps,
		handlers:  make(map[string]handlerFunc),
		startedAt: time.Now(),
		runs:      make(map[string]map[string]context.CancelFunc),
		waits:     make(map[string]*runRecord),
	}

	r.handlers[protocol.MethodConnect] = r.handleConnect
	r.handlers[protocol.MethodHealth] = r.handleHealth
	r.handlers[protocol.MethodStatus] = r.handleStatus
	r.handlers[protocol.MethodRestart] = r.handleRestart

	r.handlers[protocol.MethodAgent] = r.handleAgent
	r.handlers[protocol.MethodAgentWait] = r.handleAgentWait
	r.handlers[protocol.MethodChatHistory] = r.handleChatHistory
	r.handlers[protocol.MethodChatAbort] = r.handleChatAbort
	r.handlers[protocol.MethodSend] = r.handleSend

	r.handlers[protocol.MethodSessionsList] = r.handleSessionsList
	r.handlers[protocol.MethodSessionsResolve] = r.handleSessionsResolve
	r.handlers[protocol.MethodSessionsPreview] = r.handleChatHistory
	r.handlers[protocol.MethodSessionsPatch] = r.handleSessionsPatch
	r.handlers[protocol.MethodSessionsDelete] = r.handleSessionsDelete
	r.handlers[protocol.MethodSessionsReset] = r.handleSessionsReset

	r.handlers[protocol.MethodCronAdd] = r.handleCronAdd
	r.handlers[protocol.MethodCronUpdate] = r.handleCronUpdate
	r.handlers[protocol.MethodCronRemove] = r.handleCronRemove
	r.handlers[protocol.MethodCronEnable] = r.cronEnableHandler(true)
	r.handlers[protocol.MethodCronDisable] = r.cronEnableHandler(false)
	r.handlers[protocol.MethodCronList] = r.handleCronList
	r.handlers[protocol.MethodCronStatus] = r.handleCronStatus
	r.handlers[protocol.MethodCronRun] = r.handleCronRun
	r.handlers[protocol.MethodCronRuns] = r.handleCronRuns

	r.handlers[protocol.MethodPairingRequest] = r.handlePairingRequest
	r.handlers[protocol.MethodPairingApprove] = r.handlePairingApprove
	r.handlers[protocol.MethodPairingList] = r.handlePairingList
	r.handlers[protocol.MethodPairingRevoke] = r.handlePairingRevoke

	r.handlers[protocol.MethodExecApprovalRequest] = r.handleExecApprovalRequest
	r.handlers[protocol.MethodExecApprovalResolve] = r.handleExecApprovalResolve

	r.handlers[protocol.MethodNodeList] = r.handleNodeList
	r.handlers[protocol.MethodNodeInvoke] = r.handleNodeInvoke

	return r
}

// Register adds or replaces a handler; used by tests and embedders.
func (r *MethodRouter) Register(method string, h handlerFunc) {
	r.handlers[method] = h
}

// Dispatch routes one request frame. Handler panics become internal
// errors rather than dropped connections.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req protocol.RequestFrame) (res *protocol.ResponseFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("method handler panicked", "method", req.Method, "panic", rec)
			res = protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, "internal error")
		}
	}()

	handler, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return protocol.NewErrorResponse(req.ID, rpcErr.code, rpcErr.msg)
		}
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, result)
}

func (r *MethodRouter) broadcast(name string, payload interface{}) {
	if r.server != nil {
		r.server.BroadcastEvent(*protocol.NewEvent(name, payload))
	}
}

// --- system ---

type connectParams struct {
	MinProtocol int    `json:"minProtocol,omitempty"`
	Client      string `json:"client,omitempty"`
}

func (r *MethodRouter) handleConnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p connectParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badRequest("invalid connect params: %v", err)
		}
	}
	if p.MinProtocol > protocol.ProtocolVersion {
		return nil, badRequest("client requires protocol >= %d, server speaks %d", p.MinProtocol, protocol.ProtocolVersion)
	}
	return map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"server":   "openclaw",
	}, nil
}

func (r *MethodRouter) handleHealth(ctx context.Context, params json.RawMessage) (interface{}, error) {
	out := map[string]interface{}{
		"status":   "ok",
		"uptimeMs": time.Since(r.startedAt).Milliseconds(),
	}
	if r.deps.Channels != nil {
		out["channels"] = r.deps.Channels.GetStatus()
		out["transportReady"] = r.deps.Channels.AnyRunning()
	}
	return out, nil
}

func (r *MethodRouter) handleStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	out := map[string]interface{}{
		"uptimeMs": time.Since(r.startedAt).Milliseconds(),
		"protocol": protocol.ProtocolVersion,
	}
	if r.deps.Channels != nil {
		out["channels"] = r.deps.Channels.GetStatus()
	}
	if r.deps.Sessions != nil {
		if entries, err := r.deps.Sessions.List(); err == nil {
			out["sessions"] = len(entries)
		}
	}
	if r.deps.Cron != nil {
		if jobs, err := r.deps.Cron.List(); err == nil {
			out["cronJobs"] = len(jobs)
		}
	}
	if r.deps.Restart != nil {
		out["restart"] = r.deps.Restart.Stats()
	}
	if r.deps.Nodes != nil {
		out["nodes"] = len(r.deps.Nodes.List())
	}
	return out, nil
}

type restartParams struct {
	Reason string `json:"reason,omitempty"`
}

func (r *MethodRouter) handleRestart(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Restart == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "restart controller not configured"}
	}
	var p restartParams
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	reason := p.Reason
	if reason == "" {
		reason = "rpc"
	}
	accepted := r.deps.Restart.Request(reason)
	if accepted {
		r.broadcast(protocol.EventRestart, map[string]interface{}{"reason": reason})
	}
	return map[string]interface{}{"accepted": accepted}, nil
}

// --- agent ---

type agentParams struct {
	Message       string `json:"message"`
	SessionKey    string `json:"sessionKey,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	Channel       string `json:"channel,omitempty"`
	AccountID     string `json:"accountId,omitempty"`
	To            string `json:"to,omitempty"`
	ThreadID      string `json:"threadId,omitempty"`
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	Deliver       bool   `json:"deliver,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

func (r *MethodRouter) buildRunRequest(p agentParams) (agent.RunRequest, error) {
	if p.Message == "" {
		return agent.RunRequest{}, badRequest("message is required")
	}
	max := DefaultMaxMessageChars
	if r.deps.Config != nil && r.deps.Config.Gateway.MaxMessageChars > 0 {
		max = r.deps.Config.Gateway.MaxMessageChars
	}
	if len(p.Message) > max {
		return agent.RunRequest{}, badRequest("message exceeds %d characters", max)
	}

	agentID := p.AgentID
	if agentID == "" && r.deps.Config != nil {
		agentID = r.deps.Config.ResolveDefaultAgentID()
	}
	sessionKey := p.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildAgentMainSessionKey(agentID, "")
	}

	return agent.RunRequest{
		SessionKey:       sessionKey,
		AgentID:          agentID,
		Message:          p.Message,
		Channel:          p.Channel,
		AccountID:        p.AccountID,
		ChatID:           p.To,
		ThreadID:         p.ThreadID,
		ModelOverride:    p.Model,
		ThinkingOverride: p.ThinkingLevel,
		Timeout:          time.Duration(p.TimeoutMs) * time.Millisecond,
	}, nil
}

// runRecord is the joinable outcome of one accepted run.
type runRecord struct {
	sessionKey string
	done       chan struct{}

	// Set before done closes.
	status  string
	errText string
	result  agent.RunResult
}

// waitRecordTTL is how long a finished run stays joinable.
const waitRecordTTL = 10 * time.Minute

// trackRun registers a cancellable run so chat.abort can find it and
// agent.wait can join it.
func (r *MethodRouter) trackRun(sessionKey, runID string, cancel context.CancelFunc) func() {
	r.runMu.Lock()
	if r.runs[sessionKey] == nil {
		r.runs[sessionKey] = make(map[string]context.CancelFunc)
	}
	r.runs[sessionKey][runID] = cancel
	if r.waits[runID] == nil {
		r.waits[runID] = &runRecord{sessionKey: sessionKey, done: make(chan struct{})}
	}
	r.runMu.Unlock()

	return func() {
		r.runMu.Lock()
		delete(r.runs[sessionKey], runID)
		if len(r.runs[sessionKey]) == 0 {
			delete(r.runs, sessionKey)
		}
		r.runMu.Unlock()
	}
}

// finishRun records a run's outcome and releases waiters. The record is
// dropped after a grace period.
func (r *MethodRouter) finishRun(runID string, result agent.RunResult, err error) {
	r.runMu.Lock()
	rec, ok := r.waits[runID]
	r.runMu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		rec.status = "error"
		var abort *agent.AbortError
		if errors.As(err, &abort) {
			rec.status = "aborted"
		}
		rec.errText = err.Error()
	} else {
		rec.status = "ok"
		rec.result = result
	}
	close(rec.done)

	time.AfterFunc(waitRecordTTL, func() {
		r.runMu.Lock()
		delete(r.waits, runID)
		r.runMu.Unlock()
	})
}

// ActiveRuns reports in-flight agent turns; the restart controller defers
// behind this.
func (r *MethodRouter) ActiveRuns() int {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	n := 0
	for _, m := range r.runs {
		n += len(m)
	}
	return n
}

func (r *MethodRouter) executeRun(ctx context.Context, req agent.RunRequest, runID string, p agentParams) (agent.RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := r.trackRun(req.SessionKey, runID, cancel)
	defer done()
	defer cancel()

	r.broadcast(protocol.EventAgent, map[string]interface{}{
		"type":       protocol.AgentEventRunStarted,
		"runId":      runID,
		"sessionKey": req.SessionKey,
	})

	result, err := r.deps.Runner.Run(runCtx, req)
	r.finishRun(runID, result, err)
	if err != nil {
		r.broadcast(protocol.EventAgent, map[string]interface{}{
			"type":       protocol.AgentEventRunFailed,
			"runId":      runID,
			"sessionKey": req.SessionKey,
			"error":      err.Error(),
		})
		return agent.RunResult{}, err
	}

	r.broadcast(protocol.EventAgent, map[string]interface{}{
		"type":       protocol.AgentEventRunCompleted,
		"runId":      runID,
		"sessionKey": req.SessionKey,
		"model":      result.Meta.Model,
		"payloads":   len(result.Payloads),
	})

	if p.Deliver && p.Channel != "" && p.To != "" && r.deps.Channels != nil {
		d := dispatchpkg.NewDispatcher(r.deps.Channels)
		if _, err := d.Deliver(context.Background(), result.Payloads, dispatchpkg.Options{
			Channel:   p.Channel,
			AccountID: p.AccountID,
			ChatID:    p.To,
			ThreadID:  p.ThreadID,
		}); err != nil {
			slog.Warn("run delivery failed", "runId", runID, "channel", p.Channel, "error", err)
		}
	}
	return result, nil
}

// handleAgent starts a run and returns immediately; progress arrives as
// agent events.
func (r *MethodRouter) handleAgent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Runner == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "agent runner not configured"}
	}
	var p agentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, badRequest("invalid agent params: %v", err)
	}
	req, err := r.buildRunRequest(p)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	// Register the joinable record before accepting so an immediate
	// agent.wait cannot miss the run.
	r.runMu.Lock()
	r.waits[runID] = &runRecord{sessionKey: req.SessionKey, done: make(chan struct{})}
	r.runMu.Unlock()

	go func() {
		// Detached from the request context: the run outlives the frame.
		if _, err := r.executeRun(context.Background(), req, runID, p); err != nil {
			slog.Warn("agent run failed", "runId", runID, "session", req.SessionKey, "error", err)
		}
	}()

	return map[string]interface{}{
		"runId":      runID,
		"sessionKey": req.SessionKey,
		"status":     "accepted",
	}, nil
}

type agentWaitParams struct {
	RunID     string `json:"runId"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// handleAgentWait joins a run previously accepted by agent and blocks
// until it finishes, then reports its status.
func (r *MethodRouter) handleAgentWait(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p agentWaitParams
	if err := json.Unmarshal(params, &p); err != nil || p.RunID == "" {
		return nil, badRequest("runId is required")
	}

	r.runMu.Lock()
	rec, ok := r.waits[p.RunID]
	r.runMu.Unlock()
	if !ok {
		return nil, notFound("run %s not found", p.RunID)
	}

	waitCtx := ctx
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	select {
	case <-rec.done:
	case <-waitCtx.Done():
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: fmt.Sprintf("timed out waiting for run %s", p.RunID)}
	}

	out := map[string]interface{}{
		"runId":      p.RunID,
		"sessionKey": rec.sessionKey,
		"status":     rec.status,
	}
	if rec.errText != "" {
		out["error"] = rec.errText
	}
	if rec.status == "ok" {
		out["payloads"] = rec.result.Payloads
		out["meta"] = map[string]interface{}{
			"model":        rec.result.Meta.Model,
			"fallbackUsed": rec.result.Meta.FallbackUsed,
			"attempts":     rec.result.Meta.Attempts,
			"durationMs":   rec.result.Meta.Duration.Milliseconds(),
			"usage":        rec.result.Meta.Usage,
		}
	}
	return out, nil
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// handleChatHistory tails the session transcript. Also serves
// sessions.preview.
func (r *MethodRouter) handleChatHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Sessions == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "session store not configured"}
	}
	var p chatHistoryParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, badRequest("sessionKey is required")
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}

	entry, ok, err := r.deps.Sessions.Get(p.SessionKey, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("session %s not found", p.SessionKey)
	}

	lines, err := tailTranscript(entry.SessionFile, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessionKey": p.SessionKey,
		"sessionId":  entry.SessionID,
		"messages":   lines,
	}, nil
}

// tailTranscript returns the last limit JSONL records of a transcript.
// Malformed lines are skipped.
func tailTranscript(path string, limit int) ([]json.RawMessage, error) {
	if path == "" {
		return []json.RawMessage{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 || !json.Valid(raw) {
			continue
		}
		rec := make(json.RawMessage, len(raw))
		copy(rec, raw)
		lines = append(lines, rec)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if lines == nil {
		lines = []json.RawMessage{}
	}
	return lines, nil
}

type chatAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

func (r *MethodRouter) handleChatAbort(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p chatAbortParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, badRequest("sessionKey is required")
	}

	r.runMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.runs[p.SessionKey]))
	for _, cancel := range r.runs[p.SessionKey] {
		cancels = append(cancels, cancel)
	}
	r.runMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return map[string]interface{}{"aborted": len(cancels)}, nil
}

type sendParams struct {
	Channel   string                `json:"channel"`
	AccountID string                `json:"accountId,omitempty"`
	To        string                `json:"to"`
	Message   string                `json:"message"`
	ReplyToID string                `json:"replyToId,omitempty"`
	ThreadID  string                `json:"threadId,omitempty"`
	Media     []bus.MediaAttachment `json:"media,omitempty"`
}

func (r *MethodRouter) handleSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Channels == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "channel manager not configured"}
	}
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, badRequest("invalid send params: %v", err)
	}
	if p.Channel == "" || p.To == "" {
		return nil, badRequest("channel and to are required")
	}
	if p.Message == "" && len(p.Media) == 0 {
		return nil, badRequest("message or media is required")
	}

	receipt, err := r.deps.Channels.SendToChannel(ctx, bus.OutboundMessage{
		Channel:   p.Channel,
		AccountID: p.AccountID,
		ChatID:    p.To,
		Content:   p.Message,
		ReplyToID: p.ReplyToID,
		ThreadID:  p.ThreadID,
		Media:     p.Media,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messageId": receipt.MessageID, "chatId": receipt.ChatID}, nil
}

// --- sessions ---

type sessionSummary struct {
	Key   string         `json:"key"`
	Entry sessions.Entry `json:"entry"`
}

func (r *MethodRouter) handleSessionsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Sessions == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "session store not configured"}
	}
	entries, err := r.deps.Sessions.List()
	if err != nil {
		return nil, err
	}
	out := make([]sessionSummary, 0, len(entries))
	for k, e := range entries {
		out = append(out, sessionSummary{Key: k, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Entry.UpdatedAt > out[j].Entry.UpdatedAt
	})
	return map[string]interface{}{"sessions": out}, nil
}

type sessionsResolveParams struct {
	AgentID   string `json:"agentId,omitempty"`
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	PeerKind  string `json:"peerKind,omitempty"`
	ChatID    string `json:"chatId"`
}

func (r *MethodRouter) handleSessionsResolve(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sessionsResolveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, badRequest("invalid resolve params: %v", err)
	}
	if p.Channel == "" || p.ChatID == "" {
		return nil, badRequest("channel and chatId are required")
	}

	agentID := p.AgentID
	var scope, dmScope, mainKey string
	if r.deps.Config != nil {
		if agentID == "" {
			agentID = r.deps.Config.ResolveDefaultAgentID()
		}
		scope = r.deps.Config.Sessions.Scope
		dmScope = r.deps.Config.Sessions.DmScope
		mainKey = r.deps.Config.Sessions.MainKey
	}
	kind := sessions.PeerKind(p.PeerKind)
	if kind == "" {
		kind = sessions.PeerDirect
	}

	key := sessions.BuildScopedSessionKey(agentID, p.Channel, p.AccountID, kind, p.ChatID, scope, dmScope, mainKey)
	result := map[string]interface{}{"sessionKey": key}
	if r.deps.Sessions != nil {
		if entry, ok, err := r.deps.Sessions.Get(key, true); err == nil && ok {
			result["entry"] = entry
		}
	}
	return result, nil
}

type sessionsPatchParams struct {
	SessionKey    string  `json:"sessionKey"`
	ThinkingLevel *string `json:"thinkingLevel,omitempty"`
	VerboseLevel  *string `json:"verboseLevel,omitempty"`
	ModelOverride *string `json:"modelOverride,omitempty"`
	Label         *string `json:"label,omitempty"`
	TTSAuto       *string `json:"ttsAuto,omitempty"`
}

func (r *MethodRouter) handleSessionsPatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Sessions == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "session store not configured"}
	}
	var p sessionsPatchParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, badRequest("sessionKey is required")
	}

	entry, err := r.deps.Sessions.Update(p.SessionKey, func(e *sessions.Entry) {
		if p.ThinkingLevel != nil {
			e.ThinkingLevel = *p.ThinkingLevel
		}
		if p.VerboseLevel != nil {
			e.VerboseLevel = *p.VerboseLevel
		}
		if p.ModelOverride != nil {
			e.ModelOverride = *p.ModelOverride
		}
		if p.Label != nil {
			e.Label = *p.Label
		}
		if p.TTSAuto != nil {
			e.TTSAuto = *p.TTSAuto
		}
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessionKey": p.SessionKey, "entry": entry}, nil
}

type sessionsDeleteParams struct {
	SessionKeys []string `json:"sessionKeys"`
}

func (r *MethodRouter) handleSessionsDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Sessions == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "session store not configured"}
	}
	var p sessionsDeleteParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.SessionKeys) == 0 {
		return nil, badRequest("sessionKeys is required")
	}
	removed, err := r.deps.Sessions.Delete(p.SessionKeys...)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(removed))
	for k := range removed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return map[string]interface{}{"deleted": keys}, nil
}

type sessionsResetParams struct {
	SessionKey string `json:"sessionKey"`
}

func (r *MethodRouter) handleSessionsReset(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Sessions == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "session store not configured"}
	}
	var p sessionsResetParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, badRequest("sessionKey is required")
	}
	entry, err := sessions.Reset(r.deps.Sessions, r.deps.Transcripts, p.SessionKey)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessionKey": p.SessionKey, "sessionId": entry.SessionID}, nil
}

// --- cron ---

func (r *MethodRouter) requireCron() error {
	if r.deps.Cron == nil {
		return &rpcError{code: protocol.ErrCodeUnavailable, msg: "cron service not configured"}
	}
	return nil
}

func (r *MethodRouter) handleCronAdd(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requireCron(); err != nil {
		return nil, err
	}
	var job cron.Job
	if err := json.Unmarshal(params, &job); err != nil {
		return nil, badRequest("invalid job: %v", err)
	}
	added, err := r.deps.Cron.Add(job)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return map[string]interface{}{"job": added}, nil
}

type cronUpdateParams struct {
	ID             string         `json:"id"`
	Name           *string        `json:"name,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	Schedule       *cron.Schedule `json:"schedule,omitempty"`
	Payload        *cron.Payload  `json:"payload,omitempty"`
	Delivery       *cron.Delivery `json:"delivery,omitempty"`
	SessionTarget  *string        `json:"sessionTarget,omitempty"`
	WakeMode       *string        `json:"wakeMode,omitempty"`
	TimeoutSeconds *int           `json:"timeoutSeconds,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
}

func (r *MethodRouter) handleCronUpdate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requireCron(); err != nil {
		return nil, err
	}
	var p cronUpdateParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, badRequest("id is required")
	}
	job, err := r.deps.Cron.Update(p.ID, func(j *cron.Job) {
		if p.Name != nil {
			j.Name = *p.Name
		}
		if p.Enabled != nil {
			j.Enabled = *p.Enabled
		}
		if p.Schedule != nil {
			j.Sched = *p.Schedule
		}
		if p.Payload != nil {
			j.Payload = *p.Payload
		}
		if p.Delivery != nil {
			j.Delivery = *p.Delivery
		}
		if p.SessionTarget != nil {
			j.SessionTarget = cron.SessionTarget(*p.SessionTarget)
		}
		if p.WakeMode != nil {
			j.WakeMode = cron.WakeMode(*p.WakeMode)
		}
		if p.TimeoutSeconds != nil {
			j.TimeoutSeconds = p.TimeoutSeconds
		}
		if p.DeleteAfterRun != nil {
			j.DeleteAfterRun = *p.DeleteAfterRun
		}
	})
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return map[string]interface{}{"job": job}, nil
}

type cronIDParams struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

func parseCronID(params json.RawMessage) (cronIDParams, error) {
	var p cronIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return p, badRequest("id is required")
	}
	return p, nil
}

func (r *MethodRouter) handleCronRemove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requireCron(); err != nil {
		return nil, err
	}
	p, err := parseCronID(params)
	if err != nil {
		return nil, err
	}
	if err := r.deps.Cron.Remove(p.ID); err != nil {
		return nil, notFound("%v", err)
	}
	return map[string]interface{}{"removed": p.ID}, nil
}

func (r *MethodRouter) cronEnableHandler(enabled bool) handlerFunc {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		if err := r.requireCron(); err != nil {
			return nil, err
		}
		p, err := parseCronID(params)
		if err != nil {
			return nil, err
		}
		job, err := r.deps.Cron.SetEnabled(p.ID, enabled)
		if err != nil {
			return nil, notFound("%v", err)
		}
		return map[string]interface{}{"job": job}, nil
	}
}

func (r *MethodRouter) handleCronList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requireCron(); err != nil {
		return nil, err
	}
	jobs, err := r.deps.Cron.List()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"jobs": jobs}, nil
}

func (r *MethodRouter) handleCronStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requireCron(); err != nil {
		return nil, err
	}
	p, err := parseCronID(params)
	if err != nil {
		return nil, err
	}
	job, runs, err := r.deps.Cron.Status(p.ID, p.Limit)
	if err != nil {
		return nil, notFound("%v", err)
	}
	return map[string]interface{}{"job": job, "runs": runs}, nil
}

type cronRunParams struct {
	ID   string `json:"id"`
	Mode string `json:"mode,omitempty"` // "force" or "if-due" (default)
}

func (r *MethodRouter) handleCronRun(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requireCron(); err != nil {
		return nil, err
	}
	var p cronRunParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, badRequest("id is required")
	}
	switch p.Mode {
	case "", cron.RunModeForce, cron.RunModeIfDue:
	default:
		return nil, badRequest("mode must be %q or %q", cron.RunModeForce, cron.RunModeIfDue)
	}
	triggered, err := r.deps.Cron.Run(p.ID, p.Mode)
	if err != nil {
		return nil, notFound("%v", err)
	}
	return map[string]interface{}{"id": p.ID, "triggered": triggered}, nil
}

func (r *MethodRouter) handleCronRuns(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requireCron(); err != nil {
		return nil, err
	}
	p, err := parseCronID(params)
	if err != nil {
		return nil, err
	}
	runs, err := r.deps.Cron.History(p.ID, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"runs": runs}, nil
}

// --- pairing ---

func (r *MethodRouter) requirePairing() error {
	if r.deps.Pairing == nil {
		return &rpcError{code: protocol.ErrCodeUnavailable, msg: "pairing store not configured"}
	}
	return nil
}

type pairingRequestParams struct {
	Channel string            `json:"channel"`
	ID      string            `json:"id"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func (r *MethodRouter) handlePairingRequest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requirePairing(); err != nil {
		return nil, err
	}
	var p pairingRequestParams
	if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" || p.ID == "" {
		return nil, badRequest("channel and id are required")
	}
	code, err := r.deps.Pairing.RequestCode(p.Channel, p.ID, p.Meta)
	if err != nil {
		return nil, err
	}
	r.broadcast(protocol.EventPairingReq, map[string]interface{}{"channel": p.Channel, "id": p.ID})
	return map[string]interface{}{"code": code}, nil
}

type pairingApproveParams struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

func (r *MethodRouter) handlePairingApprove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requirePairing(); err != nil {
		return nil, err
	}
	var p pairingApproveParams
	if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" || p.Code == "" {
		return nil, badRequest("channel and code are required")
	}
	id, err := r.deps.Pairing.Approve(p.Channel, p.Code)
	if err != nil {
		return nil, notFound("%v", err)
	}
	r.broadcast(protocol.EventPairingRes, map[string]interface{}{"channel": p.Channel, "id": id})
	return map[string]interface{}{"approved": id}, nil
}

type pairingChannelParams struct {
	Channel string `json:"channel"`
}

func (r *MethodRouter) handlePairingList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requirePairing(); err != nil {
		return nil, err
	}
	var p pairingChannelParams
	if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" {
		return nil, badRequest("channel is required")
	}
	return map[string]interface{}{
		"allowFrom": r.deps.Pairing.AllowFrom(p.Channel),
		"pending":   r.deps.Pairing.ListPending(p.Channel),
	}, nil
}

type pairingRevokeParams struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

func (r *MethodRouter) handlePairingRevoke(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := r.requirePairing(); err != nil {
		return nil, err
	}
	var p pairingRevokeParams
	if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" || p.ID == "" {
		return nil, badRequest("channel and id are required")
	}
	if err := r.deps.Pairing.Revoke(p.Channel, p.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"revoked": p.ID}, nil
}

// --- exec approvals ---

type execApprovalRequestParams struct {
	Command    string `json:"command"`
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
}

func (r *MethodRouter) handleExecApprovalRequest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Approvals == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "approvals not configured"}
	}
	var p execApprovalRequestParams
	if err := json.Unmarshal(params, &p); err != nil || p.Command == "" {
		return nil, badRequest("command is required")
	}
	decision, err := r.deps.Approvals.Request(ctx, p.Command, p.SessionKey, p.AgentID)
	if err != nil {
		return nil, &rpcError{code: protocol.ErrCodeExecDenied, msg: err.Error()}
	}
	return map[string]interface{}{"decision": decision}, nil
}

type execApprovalResolveParams struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

func (r *MethodRouter) handleExecApprovalResolve(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Approvals == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "approvals not configured"}
	}
	var p execApprovalResolveParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, badRequest("id is required")
	}
	if err := r.deps.Approvals.Resolve(p.ID, p.Decision); err != nil {
		if errors.Is(err, ErrInvalidDecision) {
			return nil, badRequest("%v", err)
		}
		return nil, notFound("%v", err)
	}
	r.broadcast(protocol.EventExecApprovalRes, map[string]interface{}{"id": p.ID, "decision": p.Decision})
	return map[string]interface{}{"resolved": p.ID}, nil
}

// --- nodes ---

func (r *MethodRouter) handleNodeList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Nodes == nil {
		return map[string]interface{}{"nodes": []NodeInfo{}}, nil
	}
	return map[string]interface{}{"nodes": r.deps.Nodes.List()}, nil
}

type nodeInvokeParams struct {
	NodeID string          `json:"nodeId"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (r *MethodRouter) handleNodeInvoke(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Nodes == nil {
		return nil, &rpcError{code: protocol.ErrCodeUnavailable, msg: "node registry not configured"}
	}
	var p nodeInvokeParams
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" || p.Method == "" {
		return nil, badRequest("nodeId and method are required")
	}
	result, err := r.deps.Nodes.Invoke(ctx, p.NodeID, p.Method, p.Params)
	if err != nil {
		return nil, notFound("%v", err)
	}
	return map[string]interface{}{"result": result}, nil
}
