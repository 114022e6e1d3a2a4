package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/zwright8/openclaw-sub006/internal/agent"
	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/config"
	"github.com/zwright8/openclaw-sub006/internal/cron"
	"github.com/zwright8/openclaw-sub006/internal/pairing"
	"github.com/zwright8/openclaw-sub006/internal/sessions"
	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

type fakeRunner struct {
	lastReq agent.RunRequest
	result  agent.RunResult
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
	f.lastReq = req
	return f.result, f.err
}

type fakeSender struct {
	sent []bus.OutboundMessage
	err  error
}

func (f *fakeSender) SendToChannel(ctx context.Context, msg bus.OutboundMessage) (bus.SendReceipt, error) {
	if f.err != nil {
		return bus.SendReceipt{}, f.err
	}
	f.sent = append(f.sent, msg)
	return bus.SendReceipt{MessageID: fmt.Sprintf("m%d", len(f.sent))}, nil
}

func (f *fakeSender) GetStatus() map[string]interface{} {
	return map[string]interface{}{"telegram": map[string]interface{}{"running": true}}
}

func (f *fakeSender) AnyRunning() bool { return true }

func testRouter(t *testing.T, deps Deps) *MethodRouter {
	t.Helper()
	if deps.Config == nil {
		deps.Config = &config.Config{}
	}
	return NewMethodRouter(nil, deps)
}

func dispatch(t *testing.T, r *MethodRouter, method string, params interface{}) *protocol.ResponseFrame {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	return r.Dispatch(context.Background(), nil, protocol.RequestFrame{
		Kind:   protocol.FrameKindRequest,
		ID:     "t1",
		Method: method,
		Params: raw,
	})
}

func resultMap(t *testing.T, res *protocol.ResponseFrame) map[string]interface{} {
	t.Helper()
	if !res.OK {
		t.Fatalf("response not ok: %+v", res.Error)
	}
	m, ok := res.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result type %T", res.Result)
	}
	return m
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := testRouter(t, Deps{})
	res := dispatch(t, r, "definitely.not.a.method", nil)
	if res.OK || res.Error.Code != protocol.ErrCodeNotFound {
		t.Errorf("response = %+v", res)
	}
}

func TestConnect(t *testing.T) {
	r := testRouter(t, Deps{})

	res := dispatch(t, r, protocol.MethodConnect, map[string]interface{}{"client": "cli"})
	m := resultMap(t, res)
	if m["protocol"] != protocol.ProtocolVersion {
		t.Errorf("protocol = %v", m["protocol"])
	}

	res = dispatch(t, r, protocol.MethodConnect, map[string]interface{}{"minProtocol": protocol.ProtocolVersion + 1})
	if res.OK || res.Error.Code != protocol.ErrCodeBadRequest {
		t.Errorf("future protocol should be rejected: %+v", res)
	}
}

func TestAgentWaitJoinsRun(t *testing.T) {
	runner := &fakeRunner{result: agent.RunResult{
		Payloads: []agent.ReplyPayload{{Text: "hello"}},
		Meta:     agent.RunMeta{Model: "claude-opus-4", Attempts: 1},
	}}
	r := testRouter(t, Deps{Runner: runner})

	accepted := resultMap(t, dispatch(t, r, protocol.MethodAgent, map[string]interface{}{
		"message":    "hi",
		"sessionKey": "agent:main:cli:direct:me",
	}))
	runID, _ := accepted["runId"].(string)
	if runID == "" || accepted["status"] != "accepted" {
		t.Fatalf("accepted = %+v", accepted)
	}

	m := resultMap(t, dispatch(t, r, protocol.MethodAgentWait, map[string]interface{}{
		"runId":     runID,
		"timeoutMs": 2000,
	}))
	if m["status"] != "ok" || m["sessionKey"] != "agent:main:cli:direct:me" {
		t.Errorf("wait result = %+v", m)
	}
	if runner.lastReq.Message != "hi" {
		t.Errorf("runner got %+v", runner.lastReq)
	}
	payloads, ok := m["payloads"].([]agent.ReplyPayload)
	if !ok || len(payloads) != 1 || payloads[0].Text != "hello" {
		t.Errorf("payloads = %v", m["payloads"])
	}

	// A finished run stays joinable: a second wait returns immediately.
	again := resultMap(t, dispatch(t, r, protocol.MethodAgentWait, map[string]interface{}{
		"runId": runID,
	}))
	if again["status"] != "ok" {
		t.Errorf("rejoin = %+v", again)
	}
}

func TestAgentWaitReportsFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("provider down")}
	r := testRouter(t, Deps{Runner: runner})

	accepted := resultMap(t, dispatch(t, r, protocol.MethodAgent, map[string]interface{}{
		"message": "hi",
	}))
	m := resultMap(t, dispatch(t, r, protocol.MethodAgentWait, map[string]interface{}{
		"runId":     accepted["runId"],
		"timeoutMs": 2000,
	}))
	if m["status"] != "error" || m["error"] != "provider down" {
		t.Errorf("wait result = %+v", m)
	}
	if _, ok := m["payloads"]; ok {
		t.Error("failed runs carry no payloads")
	}
}

func TestAgentValidation(t *testing.T) {
	r := testRouter(t, Deps{Runner: &fakeRunner{}})

	res := dispatch(t, r, protocol.MethodAgent, map[string]interface{}{"message": ""})
	if res.OK || res.Error.Code != protocol.ErrCodeBadRequest {
		t.Errorf("empty message should be rejected: %+v", res)
	}

	long := make([]byte, DefaultMaxMessageChars+1)
	for i := range long {
		long[i] = 'a'
	}
	res = dispatch(t, r, protocol.MethodAgent, map[string]interface{}{"message": string(long)})
	if res.OK || res.Error.Code != protocol.ErrCodeBadRequest {
		t.Errorf("oversized message should be rejected: %+v", res)
	}
}

func TestAgentWaitValidation(t *testing.T) {
	r := testRouter(t, Deps{Runner: &fakeRunner{}})

	res := dispatch(t, r, protocol.MethodAgentWait, map[string]interface{}{})
	if res.OK || res.Error.Code != protocol.ErrCodeBadRequest {
		t.Errorf("missing runId should be rejected: %+v", res)
	}

	res = dispatch(t, r, protocol.MethodAgentWait, map[string]interface{}{"runId": "ghost"})
	if res.OK || res.Error.Code != protocol.ErrCodeNotFound {
		t.Errorf("unknown run should be not-found: %+v", res)
	}
}

func TestAgentWaitTimesOut(t *testing.T) {
	r := testRouter(t, Deps{})

	// A tracked run that never finishes.
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := r.trackRun("agent:main:cli:direct:me", "run-stuck", cancel)
	defer done()

	res := dispatch(t, r, protocol.MethodAgentWait, map[string]interface{}{
		"runId":     "run-stuck",
		"timeoutMs": 20,
	})
	if res.OK || res.Error.Code != protocol.ErrCodeUnavailable {
		t.Errorf("timed-out wait = %+v", res)
	}
}

func TestSend(t *testing.T) {
	sender := &fakeSender{}
	r := testRouter(t, Deps{Channels: sender})

	res := dispatch(t, r, protocol.MethodSend, map[string]interface{}{
		"channel": "telegram",
		"to":      "12345",
		"message": "ping",
	})
	m := resultMap(t, res)
	if m["messageId"] != "m1" {
		t.Errorf("messageId = %v", m["messageId"])
	}
	if len(sender.sent) != 1 || sender.sent[0].ChatID != "12345" {
		t.Errorf("sent = %+v", sender.sent)
	}

	res = dispatch(t, r, protocol.MethodSend, map[string]interface{}{"channel": "telegram"})
	if res.OK {
		t.Error("send without target should fail")
	}
}

func TestSessionsLifecycle(t *testing.T) {
	dir := t.TempDir()
	store := sessions.NewStore(filepath.Join(dir, "sessions.json"))
	r := testRouter(t, Deps{Sessions: store, Transcripts: dir})

	key := "agent:main:telegram:direct:42"
	if _, err := store.Update(key, func(e *sessions.Entry) {
		e.SessionID = "old"
	}); err != nil {
		t.Fatal(err)
	}

	t.Run("list", func(t *testing.T) {
		m := resultMap(t, dispatch(t, r, protocol.MethodSessionsList, nil))
		list, ok := m["sessions"].([]sessionSummary)
		if !ok || len(list) != 1 || list[0].Key != key {
			t.Errorf("sessions = %v", m["sessions"])
		}
	})

	t.Run("patch", func(t *testing.T) {
		m := resultMap(t, dispatch(t, r, protocol.MethodSessionsPatch, map[string]interface{}{
			"sessionKey":    key,
			"thinkingLevel": "high",
		}))
		entry := m["entry"].(sessions.Entry)
		if entry.ThinkingLevel != "high" {
			t.Errorf("entry = %+v", entry)
		}
	})

	t.Run("reset mints a new session id", func(t *testing.T) {
		m := resultMap(t, dispatch(t, r, protocol.MethodSessionsReset, map[string]interface{}{
			"sessionKey": key,
		}))
		if m["sessionId"] == "" || m["sessionId"] == "old" {
			t.Errorf("sessionId = %v", m["sessionId"])
		}
		entry, _, _ := store.Get(key, true)
		if entry.ThinkingLevel != "high" {
			t.Error("reset must keep behavior overrides")
		}
	})

	t.Run("delete", func(t *testing.T) {
		m := resultMap(t, dispatch(t, r, protocol.MethodSessionsDelete, map[string]interface{}{
			"sessionKeys": []string{key, "agent:main:missing"},
		}))
		deleted := m["deleted"].([]string)
		if len(deleted) != 1 || deleted[0] != key {
			t.Errorf("deleted = %v", deleted)
		}
	})
}

func TestSessionsResolve(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.List = map[string]config.AgentSpec{"main": {Default: true}}
	r := testRouter(t, Deps{Config: cfg})

	m := resultMap(t, dispatch(t, r, protocol.MethodSessionsResolve, map[string]interface{}{
		"channel": "telegram",
		"chatId":  "99",
	}))
	if m["sessionKey"] != "agent:main:telegram:direct:99" {
		t.Errorf("sessionKey = %v", m["sessionKey"])
	}
}

func TestChatHistoryMissingSession(t *testing.T) {
	store := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	r := testRouter(t, Deps{Sessions: store})

	res := dispatch(t, r, protocol.MethodChatHistory, map[string]interface{}{"sessionKey": "agent:main:nope"})
	if res.OK || res.Error.Code != protocol.ErrCodeNotFound {
		t.Errorf("response = %+v", res)
	}
}

func TestChatAbortCancelsTrackedRuns(t *testing.T) {
	r := testRouter(t, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := r.trackRun("agent:main:cli:direct:me", "run-1", cancel)
	defer done()

	m := resultMap(t, dispatch(t, r, protocol.MethodChatAbort, map[string]interface{}{
		"sessionKey": "agent:main:cli:direct:me",
	}))
	if m["aborted"] != 1 {
		t.Errorf("aborted = %v", m["aborted"])
	}
	if ctx.Err() == nil {
		t.Error("tracked run context should be cancelled")
	}

	if r.ActiveRuns() != 1 {
		t.Errorf("ActiveRuns = %d before cleanup", r.ActiveRuns())
	}
	done()
	if r.ActiveRuns() != 0 {
		t.Errorf("ActiveRuns = %d after cleanup", r.ActiveRuns())
	}
}

func TestCronRunRPC(t *testing.T) {
	dir := t.TempDir()
	svc := cron.NewService(cron.ServiceOptions{
		Store:  cron.NewStore(filepath.Join(dir, "cron.json")),
		RunLog: cron.NewRunLog(filepath.Join(dir, "runs"), 0, 0),
		Execute: func(ctx context.Context, job cron.Job, runID string) (cron.ExecResult, error) {
			return cron.ExecResult{}, nil
		},
	})
	r := testRouter(t, Deps{Cron: svc})

	job := cron.Job{
		ID:      "j1",
		Enabled: true,
		Sched:   cron.Schedule{Kind: cron.ScheduleAt, AtMs: time.Now().Add(time.Hour).UnixMilli()},
		Payload: cron.Payload{Kind: cron.PayloadAgentTurn, Message: "m"},
	}
	if _, err := svc.Add(job); err != nil {
		t.Fatal(err)
	}

	res := dispatch(t, r, protocol.MethodCronRun, map[string]interface{}{"id": "j1", "mode": "sometimes"})
	if res.OK || res.Error.Code != protocol.ErrCodeBadRequest {
		t.Errorf("bad mode response = %+v", res)
	}

	m := resultMap(t, dispatch(t, r, protocol.MethodCronRun, map[string]interface{}{"id": "j1"}))
	if m["triggered"] != false {
		t.Errorf("a job an hour out must not trigger if-due: %+v", m)
	}

	m = resultMap(t, dispatch(t, r, protocol.MethodCronRun, map[string]interface{}{"id": "j1", "mode": "force"}))
	if m["triggered"] != true {
		t.Errorf("force = %+v", m)
	}

	res = dispatch(t, r, protocol.MethodCronRun, map[string]interface{}{"id": "ghost"})
	if res.OK || res.Error.Code != protocol.ErrCodeNotFound {
		t.Errorf("unknown job response = %+v", res)
	}
}

func TestPairingFlow(t *testing.T) {
	store := pairing.NewStore(filepath.Join(t.TempDir(), "pairing.json"), 0)
	r := testRouter(t, Deps{Pairing: store})

	m := resultMap(t, dispatch(t, r, protocol.MethodPairingRequest, map[string]interface{}{
		"channel": "telegram",
		"id":      "u1",
	}))
	code, _ := m["code"].(string)
	if code == "" {
		t.Fatal("no pairing code issued")
	}

	m = resultMap(t, dispatch(t, r, protocol.MethodPairingApprove, map[string]interface{}{
		"channel": "telegram",
		"code":    code,
	}))
	if m["approved"] != "u1" {
		t.Errorf("approved = %v", m["approved"])
	}

	m = resultMap(t, dispatch(t, r, protocol.MethodPairingList, map[string]interface{}{"channel": "telegram"}))
	allow := m["allowFrom"].([]string)
	if len(allow) != 1 || allow[0] != "u1" {
		t.Errorf("allowFrom = %v", allow)
	}

	resultMap(t, dispatch(t, r, protocol.MethodPairingRevoke, map[string]interface{}{
		"channel": "telegram",
		"id":      "u1",
	}))
	m = resultMap(t, dispatch(t, r, protocol.MethodPairingList, map[string]interface{}{"channel": "telegram"}))
	if allow := m["allowFrom"].([]string); len(allow) != 0 {
		t.Errorf("allowFrom after revoke = %v", allow)
	}
}

func TestNodeInvoke(t *testing.T) {
	nodes := NewNodeRegistry()
	nodes.Register(NodeInfo{ID: "camera-1", Capabilities: []string{"snapshot"}}, func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return map[string]string{"method": method}, nil
	})
	r := testRouter(t, Deps{Nodes: nodes})

	m := resultMap(t, dispatch(t, r, protocol.MethodNodeList, nil))
	list := m["nodes"].([]NodeInfo)
	if len(list) != 1 || list[0].ID != "camera-1" {
		t.Errorf("nodes = %v", list)
	}

	m = resultMap(t, dispatch(t, r, protocol.MethodNodeInvoke, map[string]interface{}{
		"nodeId": "camera-1",
		"method": "snapshot",
	}))
	inner := m["result"].(map[string]string)
	if inner["method"] != "snapshot" {
		t.Errorf("result = %v", inner)
	}

	res := dispatch(t, r, protocol.MethodNodeInvoke, map[string]interface{}{
		"nodeId": "ghost",
		"method": "snapshot",
	})
	if res.OK || res.Error.Code != protocol.ErrCodeNotFound {
		t.Errorf("missing node response = %+v", res)
	}
}

func TestExecApprovalResolveViaRPC(t *testing.T) {
	m := NewApprovalManager(2*time.Second, nil)
	r := testRouter(t, Deps{Approvals: m})

	go m.Request(context.Background(), "echo", "", "")
	req := waitForPending(t, m)

	res := dispatch(t, r, protocol.MethodExecApprovalResolve, map[string]interface{}{
		"id":       req.ID,
		"decision": "not-a-decision",
	})
	if res.OK || res.Error.Code != protocol.ErrCodeBadRequest {
		t.Errorf("invalid decision response = %+v", res)
	}

	out := resultMap(t, dispatch(t, r, protocol.MethodExecApprovalResolve, map[string]interface{}{
		"id":       req.ID,
		"decision": DecisionAllowOnce,
	}))
	if out["resolved"] != req.ID {
		t.Errorf("resolved = %v", out["resolved"])
	}
}

func TestHealthAndStatus(t *testing.T) {
	r := testRouter(t, Deps{Channels: &fakeSender{}})

	m := resultMap(t, dispatch(t, r, protocol.MethodHealth, nil))
	if m["status"] != "ok" || m["transportReady"] != true {
		t.Errorf("health = %v", m)
	}

	m = resultMap(t, dispatch(t, r, protocol.MethodStatus, nil))
	if m["protocol"] != protocol.ProtocolVersion {
		t.Errorf("status = %v", m)
	}
}
