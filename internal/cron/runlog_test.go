package cron

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunLogAppendAndHistory(t *testing.T) {
	l := NewRunLog(t.TempDir(), 0, 0)

	for i, status := range []string{RunStatusOK, RunStatusError, RunStatusOK} {
		if err := l.Append(RunRecord{RunID: string(rune('a' + i)), JobID: "j1", Status: status}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := l.History("j1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[1].Status != RunStatusError {
		t.Fatalf("history = %+v", all)
	}

	limited, err := l.History("j1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].RunID != "b" {
		t.Errorf("limited = %+v", limited)
	}

	if hist, _ := l.History("other", 10); hist != nil {
		t.Errorf("unknown job should have no history, got %+v", hist)
	}
}

func TestRunLogHistorySkipsStartedLines(t *testing.T) {
	l := NewRunLog(t.TempDir(), 0, 0)

	// A run writes "started" up front and "finished" on completion; history
	// reports completed runs only.
	if err := l.Append(RunRecord{RunID: "r1", JobID: "j1", Action: RunActionStarted, Status: RunStatusRunning}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(RunRecord{RunID: "r1", JobID: "j1", Action: RunActionFinished, Status: RunStatusOK}); err != nil {
		t.Fatal(err)
	}
	// A crashed run leaves only the started line.
	if err := l.Append(RunRecord{RunID: "r2", JobID: "j1", Action: RunActionStarted, Status: RunStatusRunning}); err != nil {
		t.Fatal(err)
	}

	hist, err := l.History("j1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].RunID != "r1" || hist[0].Status != RunStatusOK {
		t.Errorf("history = %+v", hist)
	}
}

func TestRunLogSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	l := NewRunLog(dir, 0, 0)
	if err := l.Append(RunRecord{RunID: "r1", JobID: "j1", Status: RunStatusOK}); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "j1.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not json at all\n{\"runId\":\"r2\",\"jobId\":\"j1\",\"status\":\"ok\"}\n")
	f.Close()

	hist, err := l.History("j1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[1].RunID != "r2" {
		t.Errorf("history = %+v", hist)
	}
}

func TestRunLogPathSafety(t *testing.T) {
	l := NewRunLog(t.TempDir(), 0, 0)
	for _, id := range []string{"", "../escape", "a/b", `a\b`, "x..y"} {
		if err := l.Append(RunRecord{RunID: "r", JobID: id}); err == nil {
			t.Errorf("job id %q must be rejected", id)
		}
	}
}

func TestRunLogPrune(t *testing.T) {
	dir := t.TempDir()
	// Tiny cap so the second append triggers a prune down to 2 lines.
	l := NewRunLog(dir, 64, 2)

	for i := 0; i < 10; i++ {
		if err := l.Append(RunRecord{RunID: "r", JobID: "j1", Status: RunStatusOK, Summary: "padding text for size"}); err != nil {
			t.Fatal(err)
		}
	}

	hist, err := l.History("j1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) > 3 {
		t.Errorf("prune should cap history, got %d records", len(hist))
	}
}

func TestRunLogRemove(t *testing.T) {
	dir := t.TempDir()
	l := NewRunLog(dir, 0, 0)
	if err := l.Append(RunRecord{RunID: "r", JobID: "j1", Status: RunStatusOK}); err != nil {
		t.Fatal(err)
	}
	if err := l.Remove("j1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "j1.jsonl")); !os.IsNotExist(err) {
		t.Error("log file should be gone")
	}
	if err := l.Remove("j1"); err != nil {
		t.Error("removing a missing log must not error")
	}
}
