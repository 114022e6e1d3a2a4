package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultApprovalTimeout is how long an exec approval request waits for an
// operator decision before failing closed.
const DefaultApprovalTimeout = 60 * time.Second

// Approval decisions.
const (
	DecisionAllowOnce   = "allow-once"
	DecisionAllowAlways = "allow-always"
	DecisionDeny        = "deny"
)

// Fail-closed errors. The exec tool surfaces these verbatim.
var (
	ErrApprovalTimeout  = errors.New("exec denied: approval timed out")
	ErrInvalidDecision  = errors.New("exec denied: invalid approval decision")
	ErrUnknownApproval  = errors.New("unknown approval request")
	ErrApprovalResolved = errors.New("approval request already resolved")
)

// ApprovalRequest is a pending exec approval.
type ApprovalRequest struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	CreatedAt  int64  `json:"createdAtMs"`
}

type pendingApproval struct {
	req      ApprovalRequest
	decision chan string
}

// ApprovalManager brokers exec approvals between an agent run and the
// operator clients. Every path that is not an explicit valid decision
// denies the command.
type ApprovalManager struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval

	// onRequest broadcasts the request to connected clients.
	onRequest func(ApprovalRequest)
	timeout   time.Duration
}

func NewApprovalManager(timeout time.Duration, onRequest func(ApprovalRequest)) *ApprovalManager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &ApprovalManager{
		pending:   make(map[string]*pendingApproval),
		onRequest: onRequest,
		timeout:   timeout,
	}
}

// Request blocks until a decision arrives or the timeout fires. Returns
// the decision for allow-once/allow-always; every other outcome is an
// error and the command must not run.
func (m *ApprovalManager) Request(ctx context.Context, command, sessionKey, agentID string) (string, error) {
	p := &pendingApproval{
		req: ApprovalRequest{
			ID:         uuid.NewString(),
			Command:    command,
			SessionKey: sessionKey,
			AgentID:    agentID,
			CreatedAt:  time.Now().UnixMilli(),
		},
		decision: make(chan string, 1),
	}

	m.mu.Lock()
	m.pending[p.req.ID] = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, p.req.ID)
		m.mu.Unlock()
	}()

	if m.onRequest != nil {
		m.onRequest(p.req)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case decision := <-p.decision:
		switch decision {
		case DecisionAllowOnce, DecisionAllowAlways:
			return decision, nil
		case DecisionDeny:
			return "", errors.New("exec denied: operator rejected")
		default:
			return "", ErrInvalidDecision
		}
	case <-timer.C:
		return "", ErrApprovalTimeout
	case <-ctx.Done():
		return "", ErrApprovalTimeout
	}
}

// Resolve delivers a decision for a pending request. The decision string
// is validated here too so a malformed resolve leaves the requester to
// fail closed on its own validation.
func (m *ApprovalManager) Resolve(id, decision string) error {
	switch decision {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
	default:
		return ErrInvalidDecision
	}

	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownApproval
	}

	select {
	case p.decision <- decision:
		return nil
	default:
		return ErrApprovalResolved
	}
}

// Pending lists unresolved requests.
func (m *ApprovalManager) Pending() []ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	return out
}
