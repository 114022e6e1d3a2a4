package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "sessions.json"))
}

func TestStoreUpdateAndGet(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Update("agent:main:telegram:direct:1", func(e *Entry) {
		e.SessionID = "sid-1"
		e.LastChannel = "telegram"
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.SessionID != "sid-1" {
		t.Errorf("SessionID = %q", entry.SessionID)
	}
	if entry.UpdatedAt == 0 {
		t.Error("Update must stamp UpdatedAt")
	}

	got, ok, err := s.Get("agent:main:telegram:direct:1", true)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.SessionID != "sid-1" || got.LastChannel != "telegram" {
		t.Errorf("got %+v", got)
	}

	if _, ok, _ := s.Get("missing", true); ok {
		t.Error("missing key should not be found")
	}
}

func TestStoreCrossInstanceVisibility(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	a := NewStore(path)
	b := NewStore(path)

	if _, err := a.Update("k", func(e *Entry) { e.SessionID = "one" }); err != nil {
		t.Fatal(err)
	}
	// Warm b's cache, then write through a again.
	if _, _, err := b.Get("k", false); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Update("k", func(e *Entry) { e.SessionID = "two" }); err != nil {
		t.Fatal(err)
	}

	got, ok, err := b.Get("k", true)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.SessionID != "two" {
		t.Errorf("skipCache read should see the other writer, got %q", got.SessionID)
	}
}

func TestStoreUpdateReadsFreshState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	a := NewStore(path)
	b := NewStore(path)

	if _, err := a.Update("k", func(e *Entry) { e.InputTokens = 10 }); err != nil {
		t.Fatal(err)
	}
	entry, err := b.Update("k", func(e *Entry) { e.InputTokens += 5 })
	if err != nil {
		t.Fatal(err)
	}
	if entry.InputTokens != 15 {
		t.Errorf("Update must mutate on-disk state, got %d", entry.InputTokens)
	}
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Update("a", func(e *Entry) { e.SessionID = "sa" }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update("b", func(e *Entry) { e.SessionID = "sb" }); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Delete("a", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed["a"].SessionID != "sa" {
		t.Errorf("removed = %v", removed)
	}

	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("remaining = %v", all)
	}
	if _, ok := all["b"]; !ok {
		t.Error("b should survive")
	}
}

func TestStoreSkipsCorruptRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	raw := `{"good": {"sessionId": "sid", "updatedAt": 1}, "bad": {"updatedAt": "not-a-number"}}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("corrupt record should be skipped, got %v", all)
	}
	if all["good"].SessionID != "sid" {
		t.Errorf("good record lost: %v", all)
	}
}

func TestStoreCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte("{{{"), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("corrupt file should yield empty store, got %v", all)
	}
	// And writes recover the file.
	if _, err := s.Update("k", func(e *Entry) { e.SessionID = "sid" }); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireFileLockStealsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	lockPath := path + ".lock"
	if err := os.WriteFile(lockPath, []byte("999999\n"), 0600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	unlock, err := acquireFileLock(path)
	if err != nil {
		t.Fatalf("stale lock should be stolen: %v", err)
	}
	unlock()
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("unlock should remove the lock file")
	}
}

func TestFormatTokens(t *testing.T) {
	if got := FormatTokens(999); got != "999" {
		t.Errorf("FormatTokens(999) = %q", got)
	}
	if got := FormatTokens(12345); got != "12.3k" {
		t.Errorf("FormatTokens(12345) = %q", got)
	}
}
