package sessions

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultCronRunRetention is how long finished cron-run sessions are
	// kept before the reaper removes them.
	DefaultCronRunRetention = 24 * time.Hour

	// reapMinInterval throttles sweeps so hot paths can call MaybeReap
	// freely.
	reapMinInterval = 5 * time.Minute
)

// Reaper removes stale isolated cron-run sessions (agent:*:cron:{job}:run:{id})
// from a store. It runs outside any cron scheduler critical section: it only
// takes the store's own lock, so a sweep never delays job dispatch.
type Reaper struct {
	store     *Store
	retention time.Duration

	mu       sync.Mutex
	lastSwep time.Time

	now func() time.Time
}

// NewReaper creates a reaper for the given store. retention <= 0 disables
// reaping entirely.
func NewReaper(store *Store, retention time.Duration) *Reaper {
	return &Reaper{store: store, retention: retention, now: time.Now}
}

// MaybeReap sweeps at most once per reapMinInterval. Safe to call from any
// goroutine after each cron tick or inbound dispatch.
func (r *Reaper) MaybeReap() {
	if r.retention <= 0 {
		return
	}

	r.mu.Lock()
	if !r.lastSwep.IsZero() && r.now().Sub(r.lastSwep) < reapMinInterval {
		r.mu.Unlock()
		return
	}
	r.lastSwep = r.now()
	r.mu.Unlock()

	if n, err := r.Sweep(); err != nil {
		slog.Warn("cron session reap failed", "error", err)
	} else if n > 0 {
		slog.Info("reaped cron run sessions", "count", n)
	}
}

// Sweep removes every cron-run session older than the retention window and
// archives its orphaned transcript. Returns the number of sessions removed.
func (r *Reaper) Sweep() (int, error) {
	entries, err := r.store.List()
	if err != nil {
		return 0, err
	}

	cutoff := r.now().UnixMilli() - r.retention.Milliseconds()
	var stale []string
	for key, e := range entries {
		if _, _, ok := ParseCronRunKey(key); !ok {
			continue
		}
		if e.UpdatedAt > cutoff {
			continue
		}
		stale = append(stale, key)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed, err := r.store.Delete(stale...)
	if err != nil {
		return 0, err
	}
	for _, e := range removed {
		if e.SessionFile != "" {
			archiveTranscript(e.SessionFile)
		}
	}
	return len(removed), nil
}
