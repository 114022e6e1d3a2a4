// Package restart coalesces restart requests and hands the process back
// to its supervisor (launchd, systemd, or a plain supervisor loop).
package restart

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultCooldown absorbs repeated restart requests so a crash loop
	// cannot turn into a restart storm.
	DefaultCooldown = 30 * time.Second
	// DefaultMaxWait bounds how long a restart defers to in-flight work.
	DefaultMaxWait = 15 * time.Second

	pendingPollInterval = 250 * time.Millisecond
)

// Attempt describes one restart attempt.
type Attempt struct {
	OK     bool     `json:"ok"`
	Method string   `json:"method"` // "launchd", "systemd", "exit"
	Detail string   `json:"detail,omitempty"`
	Tried  []string `json:"tried,omitempty"`
}

// Stats reports the token counters: every request emits a token; one
// performed restart consumes all tokens emitted up to that point.
type Stats struct {
	Emitted   int64 `json:"emitted"`
	Consumed  int64 `json:"consumed"`
	Coalesced int64 `json:"coalesced"`
}

// Options wires a Controller.
type Options struct {
	Cooldown time.Duration
	MaxWait  time.Duration

	// LaunchdLabel selects launchctl kickstart on darwin; SystemdUnit
	// selects systemctl restart on linux. Without either, the controller
	// exits cleanly and relies on the supervisor's restart policy.
	LaunchdLabel string
	SystemdUnit  string
	SystemdUser  bool

	// PendingCount reports in-flight work to defer behind. Optional.
	PendingCount func() int

	// RunCommand and Exit are injectable for tests.
	RunCommand func(ctx context.Context, name string, args ...string) error
	Exit       func(code int)

	GOOS string
}

// Controller serializes restart requests.
type Controller struct {
	opts Options

	mu          sync.Mutex
	inFlight    bool
	lastAttempt time.Time
	stats       Stats
	last        Attempt

	onAttempt func(Attempt) // test hook
	now       func() time.Time
}

func NewController(opts Options) *Controller {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.RunCommand == nil {
		opts.RunCommand = func(ctx context.Context, name string, args ...string) error {
			out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s: %w (%s)", name, err, string(out))
			}
			return nil
		}
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &Controller{opts: opts, now: time.Now}
}

// Request asks for a restart. Returns true when this request will drive a
// new restart, false when it coalesced into one already pending or was
// absorbed by the cooldown.
func (c *Controller) Request(reason string) bool {
	c.mu.Lock()
	c.stats.Emitted++
	if c.inFlight {
		c.stats.Coalesced++
		c.mu.Unlock()
		slog.Debug("restart request coalesced into pending restart", "reason", reason)
		return false
	}
	if !c.lastAttempt.IsZero() && c.now().Sub(c.lastAttempt) < c.opts.Cooldown {
		c.stats.Coalesced++
		c.mu.Unlock()
		slog.Info("restart request absorbed by cooldown", "reason", reason)
		return false
	}
	c.inFlight = true
	c.mu.Unlock()

	slog.Info("restart requested", "reason", reason)
	go c.perform()
	return true
}

// Stats returns the token counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// LastAttempt returns the most recent attempt, if any.
func (c *Controller) LastAttempt() (Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.last.Method != ""
}

// NotifySignals restarts on SIGUSR1 until ctx ends. The signal is the
// out-of-band restart trigger for operators and the upgrade flow.
func (c *Controller) NotifySignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.Request("SIGUSR1")
			}
		}
	}()
}

func (c *Controller) perform() {
	c.waitForPending()

	attempt := c.attempt()

	c.mu.Lock()
	c.lastAttempt = c.now()
	c.inFlight = false
	c.stats.Consumed = c.stats.Emitted
	c.last = attempt
	onAttempt := c.onAttempt
	c.mu.Unlock()

	if onAttempt != nil {
		onAttempt(attempt)
	}
	if !attempt.OK {
		slog.Error("restart failed", "method", attempt.Method, "detail", attempt.Detail, "tried", attempt.Tried)
	}
}

// waitForPending defers the restart while work is in flight, up to MaxWait.
func (c *Controller) waitForPending() {
	if c.opts.PendingCount == nil {
		return
	}
	deadline := c.now().Add(c.opts.MaxWait)
	for c.now().Before(deadline) {
		n := c.opts.PendingCount()
		if n <= 0 {
			return
		}
		slog.Debug("restart deferred for pending work", "pending", n)
		time.Sleep(pendingPollInterval)
	}
	slog.Warn("restart proceeding with pending work", "waited", c.opts.MaxWait.String())
}

// attempt tries the platform supervisor first, then falls back to a clean
// exit under the expectation that the supervisor restarts the process.
func (c *Controller) attempt() Attempt {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var tried []string

	if c.opts.GOOS == "darwin" && c.opts.LaunchdLabel != "" {
		target := fmt.Sprintf("gui/%d/%s", os.Getuid(), c.opts.LaunchdLabel)
		tried = append(tried, "launchd")
		if err := c.opts.RunCommand(ctx, "launchctl", "kickstart", "-k", target); err == nil {
			return Attempt{OK: true, Method: "launchd", Detail: target, Tried: tried}
		} else {
			slog.Warn("launchctl kickstart failed", "target", target, "error", err)
		}
	}

	if c.opts.GOOS == "linux" && c.opts.SystemdUnit != "" {
		args := []string{"restart", c.opts.SystemdUnit}
		if c.opts.SystemdUser {
			args = append([]string{"--user"}, args...)
		}
		tried = append(tried, "systemd")
		if err := c.opts.RunCommand(ctx, "systemctl", args...); err == nil {
			return Attempt{OK: true, Method: "systemd", Detail: c.opts.SystemdUnit, Tried: tried}
		} else {
			slog.Warn("systemctl restart failed", "unit", c.opts.SystemdUnit, "error", err)
		}
	}

	tried = append(tried, "exit")
	slog.Info("exiting for supervisor restart")
	c.opts.Exit(0)
	// Only reached with an injected Exit.
	return Attempt{OK: true, Method: "exit", Tried: tried}
}
