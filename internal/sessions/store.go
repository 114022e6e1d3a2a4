package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Entry is the durable per-session record. All mutation goes through
// Store.Update under the store file lock.
type Entry struct {
	SessionID      string `json:"sessionId"`
	UpdatedAt      int64  `json:"updatedAt"` // unix ms
	SystemSent     bool   `json:"systemSent,omitempty"`
	AbortedLastRun bool   `json:"abortedLastRun,omitempty"`

	// User-set behavior overrides; carried across resets.
	ThinkingLevel    string `json:"thinkingLevel,omitempty"`
	VerboseLevel     string `json:"verboseLevel,omitempty"`
	ReasoningLevel   string `json:"reasoningLevel,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`
	ProviderOverride string `json:"providerOverride,omitempty"`
	Label            string `json:"label,omitempty"`
	TTSAuto          string `json:"ttsAuto,omitempty"`

	// Usage counters; zeroed on reset.
	InputTokens      int64 `json:"inputTokens,omitempty"`
	OutputTokens     int64 `json:"outputTokens,omitempty"`
	TotalTokens      int64 `json:"totalTokens,omitempty"`
	CacheReadTokens  int64 `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64 `json:"cacheWriteTokens,omitempty"`
	ContextTokens    int64 `json:"contextTokens,omitempty"`
	CompactionCount  int   `json:"compactionCount,omitempty"`

	SessionFile      string `json:"sessionFile,omitempty"`
	ForkedFromParent bool   `json:"forkedFromParent,omitempty"`

	// Last observed delivery context.
	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastThreadID  string `json:"lastThreadId,omitempty"`
	ChatType      string `json:"chatType,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`

	// Recorded by the agent runner for status reporting.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Store is a file-backed map of SessionKey → Entry. Writes go through an
// OS-level lock file plus read/mutate/temp-rename so concurrent processes
// never interleave partial writes.
type Store struct {
	path string
	mu   sync.Mutex

	cache       map[string]Entry
	cacheLoaded bool

	now func() time.Time
}

// NewStore creates a session store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns the entry for key. With skipCache, the file is re-read so
// cross-process writes are observed.
func (s *Store) Get(key string, skipCache bool) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if skipCache || !s.cacheLoaded {
		data, err := s.loadFile()
		if err != nil {
			return Entry{}, false, err
		}
		s.cache = data
		s.cacheLoaded = true
	}
	e, ok := s.cache[key]
	return e, ok, nil
}

// List returns a snapshot of all entries.
func (s *Store) List() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadFile()
	if err != nil {
		return nil, err
	}
	s.cache = data
	s.cacheLoaded = true

	out := make(map[string]Entry, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out, nil
}

// Update is the sole write path: lock the store file, read fresh state,
// apply the mutator to the (possibly zero) entry, stamp updatedAt, and
// atomically persist. Returns the stored entry.
func (s *Store) Update(key string, mutate func(*Entry)) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := acquireFileLock(s.path)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	data, err := s.loadFile()
	if err != nil {
		return Entry{}, err
	}

	entry := data[key]
	mutate(&entry)
	entry.UpdatedAt = s.now().UnixMilli()
	data[key] = entry

	if err := s.saveFile(data); err != nil {
		return Entry{}, err
	}
	s.cache = data
	s.cacheLoaded = true
	return entry, nil
}

// Delete removes entries by key under the store lock. Missing keys are
// ignored. Returns the entries that were removed.
func (s *Store) Delete(keys ...string) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := acquireFileLock(s.path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := s.loadFile()
	if err != nil {
		return nil, err
	}

	removed := make(map[string]Entry)
	for _, key := range keys {
		if e, ok := data[key]; ok {
			removed[key] = e
			delete(data, key)
		}
	}
	if len(removed) == 0 {
		return removed, nil
	}
	if err := s.saveFile(data); err != nil {
		return nil, err
	}
	s.cache = data
	s.cacheLoaded = true
	return removed, nil
}

// loadFile reads and decodes the store. Corrupt individual records are
// skipped with a warning; a corrupt file yields an empty store plus a
// warning, never a crash.
func (s *Store) loadFile() (map[string]Entry, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}

	var partial map[string]json.RawMessage
	if err := json.Unmarshal(raw, &partial); err != nil {
		slog.Warn("session store corrupt, starting empty", "path", s.path, "error", err)
		return map[string]Entry{}, nil
	}

	out := make(map[string]Entry, len(partial))
	for key, rec := range partial {
		var e Entry
		if err := json.Unmarshal(rec, &e); err != nil {
			slog.Warn("skipping corrupt session record", "key", key, "error", err)
			continue
		}
		out[key] = e
	}
	return out, nil
}

func (s *Store) saveFile(data map[string]Entry) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*")
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

const (
	lockAcquireTimeout = 5 * time.Second
	lockRetryDelay     = 20 * time.Millisecond
	lockStaleAfter     = 30 * time.Second
)

// acquireFileLock takes an advisory lock file next to the store so
// multiple processes serialize their read-mutate-rename cycles. A lock
// older than lockStaleAfter is treated as abandoned and stolen.
func acquireFileLock(storePath string) (func(), error) {
	lockPath := storePath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(lockAcquireTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire store lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			slog.Warn("stealing stale store lock", "path", lockPath, "age", time.Since(info.ModTime()).Round(time.Second).String())
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire store lock: timed out after %s", lockAcquireTimeout)
		}
		time.Sleep(lockRetryDelay)
	}
}

// FormatTokens renders a token count for status output.
func FormatTokens(n int64) string {
	if n < 1000 {
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprintf("%.1fk", float64(n)/1000)
}
