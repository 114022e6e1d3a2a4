package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// DefaultRunLogMaxBytes triggers a prune once a job's log grows past it.
	DefaultRunLogMaxBytes int64 = 5 * 1024 * 1024
	// DefaultRunLogKeepLines is how many recent records a prune keeps.
	DefaultRunLogKeepLines = 1000
)

// RunLog stores one JSONL file per job under a base directory.
type RunLog struct {
	dir       string
	maxBytes  int64
	keepLines int
	mu        sync.Mutex
}

func NewRunLog(dir string, maxBytes int64, keepLines int) *RunLog {
	if maxBytes <= 0 {
		maxBytes = DefaultRunLogMaxBytes
	}
	if keepLines <= 0 {
		keepLines = DefaultRunLogKeepLines
	}
	return &RunLog{dir: dir, maxBytes: maxBytes, keepLines: keepLines}
}

// Append writes one record to the job's log, pruning first if the file has
// outgrown the size cap.
func (l *RunLog) Append(rec RunRecord) error {
	path, err := l.pathFor(rec.JobID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if info, err := os.Stat(path); err == nil && info.Size() > l.maxBytes {
		if err := l.pruneLocked(path); err != nil {
			slog.Warn("cron run log prune failed", "path", path, "error", err)
		}
	}

	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(raw, '\n'))
	return err
}

// History returns up to limit most recent records, newest last. Malformed
// and unfinished ("started") lines are skipped.
func (l *RunLog) History(jobID string, limit int) ([]RunRecord, error) {
	path, err := l.pathFor(jobID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Action == RunActionStarted {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Remove deletes a job's log file.
func (l *RunLog) Remove(jobID string) error {
	path, err := l.pathFor(jobID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// pruneLocked rewrites the log keeping only the newest keepLines records.
func (l *RunLog) pruneLocked(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > l.keepLines {
		lines = lines[len(lines)-l.keepLines:]
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".runlog-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// pathFor maps a job id to its log file, rejecting ids that would escape
// the log directory.
func (l *RunLog) pathFor(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return "", fmt.Errorf("invalid cron job id for run log: %q", jobID)
	}
	return filepath.Join(l.dir, jobID+".jsonl"), nil
}
