package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApprovalAllowOnce(t *testing.T) {
	var broadcasted []ApprovalRequest
	m := NewApprovalManager(2*time.Second, func(req ApprovalRequest) {
		broadcasted = append(broadcasted, req)
	})

	done := make(chan struct{})
	var decision string
	var err error
	go func() {
		decision, err = m.Request(context.Background(), "ls -la", "agent:main:cli", "main")
		close(done)
	}()

	req := waitForPending(t, m)
	if err := m.Resolve(req.ID, DecisionAllowOnce); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	<-done

	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if decision != DecisionAllowOnce {
		t.Errorf("decision = %q", decision)
	}
	if len(broadcasted) != 1 || broadcasted[0].Command != "ls -la" {
		t.Errorf("broadcast = %+v", broadcasted)
	}
	if len(m.Pending()) != 0 {
		t.Error("resolved request should leave pending")
	}
}

func TestApprovalDeny(t *testing.T) {
	m := NewApprovalManager(2*time.Second, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Request(context.Background(), "rm -rf /", "", "")
		done <- err
	}()

	req := waitForPending(t, m)
	if err := m.Resolve(req.ID, DecisionDeny); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := <-done; err == nil {
		t.Fatal("denied command must error")
	}
}

func TestApprovalTimeoutFailsClosed(t *testing.T) {
	m := NewApprovalManager(50*time.Millisecond, nil)

	_, err := m.Request(context.Background(), "curl evil.example", "", "")
	if err == nil {
		t.Fatal("timeout must deny")
	}
	if err.Error() != "exec denied: approval timed out" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestApprovalInvalidDecision(t *testing.T) {
	m := NewApprovalManager(2*time.Second, nil)

	if err := m.Resolve("nope", "allow-once"); !errors.Is(err, ErrUnknownApproval) {
		t.Errorf("unknown id error = %v", err)
	}
	if err := m.Resolve("whatever", "maybe"); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("invalid decision error = %v", err)
	}
	if ErrInvalidDecision.Error() != "exec denied: invalid approval decision" {
		t.Errorf("ErrInvalidDecision = %q", ErrInvalidDecision.Error())
	}
}

func TestApprovalDoubleResolve(t *testing.T) {
	m := NewApprovalManager(2*time.Second, nil)

	done := make(chan struct{})
	go func() {
		m.Request(context.Background(), "echo hi", "", "")
		close(done)
	}()

	req := waitForPending(t, m)
	if err := m.Resolve(req.ID, DecisionAllowAlways); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := m.Resolve(req.ID, DecisionDeny); err == nil {
		t.Error("second resolve before pickup should fail")
	}
	<-done
}

func waitForPending(t *testing.T, m *ApprovalManager) ApprovalRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := m.Pending(); len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pending approval appeared")
	return ApprovalRequest{}
}
