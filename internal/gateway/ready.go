package gateway

import (
	"context"
	"log/slog"
	"time"
)

// ReadyOptions configures WaitForTransportReady.
type ReadyOptions struct {
	// Check reports whether at least one transport is up.
	Check func() bool

	Timeout      time.Duration // 0 = wait forever
	LogAfter     time.Duration // start logging progress after this long
	LogInterval  time.Duration // progress log cadence
	PollInterval time.Duration
}

// WaitForTransportReady blocks until a channel transport is running, the
// timeout elapses, or ctx ends. It returns true when a transport came up.
// Agent work accepted before readiness would be dropped on delivery, so
// the serve path gates on this.
func WaitForTransportReady(ctx context.Context, opts ReadyOptions) bool {
	if opts.Check == nil {
		return true
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.LogAfter <= 0 {
		opts.LogAfter = 5 * time.Second
	}
	if opts.LogInterval <= 0 {
		opts.LogInterval = 10 * time.Second
	}

	if opts.Check() {
		return true
	}

	start := time.Now()
	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	lastLog := start

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			slog.Warn("transport not ready before timeout", "waited", time.Since(start).Round(time.Second).String())
			return false
		case <-ticker.C:
			if opts.Check() {
				return true
			}
			waited := time.Since(start)
			if waited >= opts.LogAfter && time.Since(lastLog) >= opts.LogInterval {
				slog.Info("waiting for channel transport", "waited", waited.Round(time.Second).String())
				lastLog = time.Now()
			}
		}
	}
}
