package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const storeVersion = 1

// storeFile is the on-disk shape.
type storeFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Store is the durable job list. The mutex covers read-modify-write
// cycles; saves are atomic temp+rename.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads all jobs. A missing file is an empty store; a bare legacy
// job array (pre-versioning) is migrated transparently.
func (s *Store) Load() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]Job, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cron store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(raw, &file); err == nil && file.Version >= 1 {
		return file.Jobs, nil
	}

	// Legacy layout: a bare array of jobs with flat top-level fields.
	var legacy []json.RawMessage
	if err := json.Unmarshal(raw, &legacy); err == nil {
		jobs := make([]Job, 0, len(legacy))
		for _, rawJob := range legacy {
			job, err := migrateLegacyJob(rawJob)
			if err != nil {
				return nil, fmt.Errorf("parse cron store %s: %w", s.path, err)
			}
			jobs = append(jobs, job)
		}
		slog.Info("migrating legacy cron store", "path", s.path, "jobs", len(jobs))
		return jobs, nil
	}
	return nil, fmt.Errorf("parse cron store %s: unrecognized format", s.path)
}

// migrateLegacyJob lifts pre-versioning flat job fields into the nested
// payload and delivery shapes. Jobs that already carry a payload kind pass
// through untouched. timeoutSeconds stays top-level either way; the
// pointer keeps an explicit 0 (no timeout) distinct from unset.
func migrateLegacyJob(raw json.RawMessage) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, err
	}
	if job.Payload.Kind != "" {
		return job, nil
	}

	var flat struct {
		Message           string `json:"message"`
		Model             string `json:"model"`
		Deliver           string `json:"deliver"`
		Channel           string `json:"channel"`
		To                string `json:"to"`
		BestEffortDeliver bool   `json:"bestEffortDeliver"`
	}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return Job{}, err
	}

	job.Payload = Payload{Kind: PayloadAgentTurn, Message: flat.Message, Model: flat.Model}
	mode := flat.Deliver
	if mode == "" && flat.Channel != "" && flat.To != "" {
		mode = "announce"
	}
	if mode != "" {
		job.Delivery = Delivery{
			Mode:       mode,
			Channel:    flat.Channel,
			To:         flat.To,
			BestEffort: flat.BestEffortDeliver,
		}
	}
	return job, nil
}

// Mutate applies fn to the job list under the store lock and persists the
// result. fn returns the new list.
func (s *Store) Mutate(fn func(jobs []Job) ([]Job, error)) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	jobs, err = fn(jobs)
	if err != nil {
		return nil, err
	}
	if err := s.saveLocked(jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateJob mutates a single job by id. Returns the updated job.
func (s *Store) UpdateJob(id string, mutate func(*Job)) (Job, error) {
	var out Job
	found := false
	_, err := s.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == id {
				mutate(&jobs[i])
				out = jobs[i]
				found = true
				return jobs, nil
			}
		}
		return jobs, fmt.Errorf("cron job not found: %s", id)
	})
	if err != nil {
		return Job{}, err
	}
	if !found {
		return Job{}, fmt.Errorf("cron job not found: %s", id)
	}
	return out, nil
}

func (s *Store) saveLocked(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	raw, err := json.MarshalIndent(storeFile{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cron-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
