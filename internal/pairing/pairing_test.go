package pairing

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "pairing.json"), time.Hour)
}

func TestRequestCodeStableUntilRedeemed(t *testing.T) {
	s := newTestStore(t)

	code1, err := s.RequestCode("telegram", "u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(code1) < 8 {
		t.Errorf("code too short: %q", code1)
	}

	code2, err := s.RequestCode("telegram", "u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if code1 != code2 {
		t.Errorf("repeated request must reuse the open code: %q vs %q", code1, code2)
	}

	other, err := s.RequestCode("telegram", "u2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if other == code1 {
		t.Error("different senders must get different codes")
	}
}

func TestApproveMovesIntoAllowlist(t *testing.T) {
	s := newTestStore(t)

	code, err := s.RequestCode("telegram", "u1", map[string]string{"name": "Alice"})
	if err != nil {
		t.Fatal(err)
	}

	id, err := s.Approve("telegram", code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if id != "u1" {
		t.Errorf("approved id = %q", id)
	}

	allow := s.AllowFrom("telegram")
	if len(allow) != 1 || allow[0] != "u1" {
		t.Errorf("allowFrom = %v", allow)
	}
	if pending := s.ListPending("telegram"); len(pending) != 0 {
		t.Errorf("pending should be cleared, got %v", pending)
	}

	// A fresh request after redemption mints a new code.
	newCode, err := s.RequestCode("telegram", "u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if newCode == code {
		t.Error("redeemed code must not be reissued")
	}
}

func TestApproveDedupsAllowlist(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 2; i++ {
		code, err := s.RequestCode("telegram", "u1", nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Approve("telegram", code); err != nil {
			t.Fatal(err)
		}
	}
	if allow := s.AllowFrom("telegram"); len(allow) != 1 {
		t.Errorf("allowFrom should dedup, got %v", allow)
	}
}

func TestApproveUnknownCode(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Approve("telegram", "NOPE1234"); err == nil {
		t.Error("unknown code should fail")
	}
}

func TestExpiredCode(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	code, err := s.RequestCode("telegram", "u1", nil)
	if err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Hour) }

	if _, err := s.Approve("telegram", code); err == nil {
		t.Error("expired code must not redeem")
	}
	if pending := s.ListPending("telegram"); len(pending) != 0 {
		t.Errorf("expired pending should not be listed: %v", pending)
	}

	// A new request after expiry gets a fresh code.
	fresh, err := s.RequestCode("telegram", "u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == code {
		t.Error("expired code must not be reissued")
	}
}

func TestRevoke(t *testing.T) {
	s := newTestStore(t)

	code, _ := s.RequestCode("telegram", "u1", nil)
	if _, err := s.Approve("telegram", code); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke("telegram", "u1"); err != nil {
		t.Fatal(err)
	}
	if allow := s.AllowFrom("telegram"); len(allow) != 0 {
		t.Errorf("allowFrom after revoke = %v", allow)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	s := newTestStore(t)

	code, _ := s.RequestCode("telegram", "u1", nil)
	if _, err := s.Approve("telegram", code); err != nil {
		t.Fatal(err)
	}
	if allow := s.AllowFrom("discord"); len(allow) != 0 {
		t.Errorf("discord allowFrom should be empty, got %v", allow)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	s1 := NewStore(path, time.Hour)
	code, _ := s1.RequestCode("telegram", "u1", nil)
	if _, err := s1.Approve("telegram", code); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(path, time.Hour)
	if allow := s2.AllowFrom("telegram"); len(allow) != 1 || allow[0] != "u1" {
		t.Errorf("reopened store allowFrom = %v", allow)
	}
}
