package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zwright8/openclaw-sub006/internal/agent"
	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/channels"
	"github.com/zwright8/openclaw-sub006/internal/channels/discord"
	"github.com/zwright8/openclaw-sub006/internal/channels/feishu"
	"github.com/zwright8/openclaw-sub006/internal/channels/synology"
	"github.com/zwright8/openclaw-sub006/internal/channels/telegram"
	"github.com/zwright8/openclaw-sub006/internal/config"
	"github.com/zwright8/openclaw-sub006/internal/cron"
	"github.com/zwright8/openclaw-sub006/internal/gateway"
	"github.com/zwright8/openclaw-sub006/internal/pairing"
	"github.com/zwright8/openclaw-sub006/internal/restart"
	"github.com/zwright8/openclaw-sub006/internal/sessions"
	"github.com/zwright8/openclaw-sub006/internal/subagents"
	"github.com/zwright8/openclaw-sub006/internal/telemetry"
	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

// echoTTL is how long a sent message is recognized as our own echo.
const echoTTL = 5 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (channels, cron, WebSocket RPC)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	}
}

// gatewayRuntime holds everything runGateway wires together; the consumer
// and cron executor hang off it.
type gatewayRuntime struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	echo     *bus.EchoCache
	manager  *channels.Manager
	store    *sessions.Store
	runner   *agent.Runner
	pairing  *pairing.Store
	cron     *cron.Service
	reaper   *sessions.Reaper
	server   *gateway.Server
	restart  *restart.Controller
	registry *subagents.Registry
	history  *channels.GroupHistory
	leases   *sessions.Lease

	transcriptsDir string
}

func runGateway(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(shutdownCtx)
	}()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}

	// Config hot reload: secrets and policy fields apply in place; channel
	// enable/disable requires a restart, which the watcher logs.
	go func() {
		if err := config.Watch(ctx, resolveConfigPath(), cfg, func(fresh *config.Config) {
			slog.Info("config reloaded", "hash", fresh.Hash())
		}); err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	if err := rt.manager.StartAll(ctx); err != nil {
		slog.Warn("some channels failed to start", "error", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.manager.StopAll(stopCtx)
	}()

	// Hold cron and the consumer until the enabled transports are up, so
	// the first deliveries do not race adapter startup.
	ready := gateway.WaitForTransportReady(ctx, gateway.ReadyOptions{
		Check:   rt.transportsReady,
		Timeout: 30 * time.Second,
	})
	if !ready && ctx.Err() != nil {
		return ctx.Err()
	}
	if !ready {
		slog.Warn("transports not ready after timeout, continuing")
	}

	if err := rt.cron.Start(ctx); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	defer rt.cron.Stop()

	go rt.consumeInbound(ctx)
	rt.restart.NotifySignals(ctx)

	err = rt.server.Start(ctx)

	rt.server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
	rt.bus.Close()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// buildRuntime wires the stores, channels, agent runner, cron service, and
// the RPC server.
func buildRuntime(cfg *config.Config) (*gatewayRuntime, error) {
	storageDir := config.ExpandHome(cfg.Sessions.Storage)
	transcriptsDir := filepath.Join(storageDir, "transcripts")
	for _, dir := range []string{storageDir, transcriptsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	rt := &gatewayRuntime{
		cfg:            cfg,
		bus:            bus.NewMessageBus(),
		echo:           bus.NewEchoCache(echoTTL),
		store:          sessions.NewStore(filepath.Join(storageDir, "sessions.json")),
		leases:         sessions.NewLease(),
		transcriptsDir: transcriptsDir,
	}

	rt.manager = channels.NewManager(rt.bus, rt.echo)
	if err := rt.registerChannels(); err != nil {
		return nil, err
	}

	pairingPath := cfg.Pairing.Storage
	if pairingPath == "" {
		pairingPath = filepath.Join(config.StateDir(), "credentials", "pairing.json")
	}
	rt.pairing = pairing.NewStore(config.ExpandHome(pairingPath), time.Duration(cfg.Pairing.TTLHours)*time.Hour)

	rt.runner = agent.NewRunner(cfg.Agents.Defaults, rt.store, buildExecuteFunc(cfg))

	limits := subagents.DefaultLimits
	if sc := cfg.Agents.Defaults.Subagents; sc != nil {
		if sc.MaxConcurrent > 0 {
			limits.MaxConcurrent = sc.MaxConcurrent
		}
		if sc.MaxSpawnDepth > 0 {
			limits.MaxSpawnDepth = sc.MaxSpawnDepth
		}
		if sc.MaxChildrenPerAgent > 0 {
			limits.MaxChildrenPerAgent = sc.MaxChildrenPerAgent
		}
	}
	rt.registry = subagents.NewRegistry(limits)
	rt.history = channels.NewGroupHistory(resolveHistoryLimit(cfg))

	retention := time.Duration(cfg.Sessions.CronRetentionHours) * time.Hour
	if cfg.Sessions.CronRetentionHours < 0 {
		retention = 0 // reaping disabled
	}
	rt.reaper = sessions.NewReaper(rt.store, retention)

	if err := rt.buildCron(); err != nil {
		return nil, err
	}

	approvals := gateway.NewApprovalManager(gateway.DefaultApprovalTimeout, func(req gateway.ApprovalRequest) {
		rt.server.BroadcastEvent(*protocol.NewEvent(protocol.EventExecApprovalReq, req))
	})

	rt.restart = restart.NewController(restart.Options{
		Cooldown:     time.Duration(cfg.Restart.CooldownMs) * time.Millisecond,
		MaxWait:      time.Duration(cfg.Restart.MaxWaitMs) * time.Millisecond,
		LaunchdLabel: cfg.Restart.LaunchdLabel,
		SystemdUnit:  cfg.Restart.SystemdUnit,
		PendingCount: func() int {
			n := 0
			if rt.server != nil {
				n = rt.server.Router().ActiveRuns()
			}
			if rt.manager.AnyRunning() {
				n++
			}
			return n
		},
	})

	rt.server = gateway.NewServer(cfg, rt.bus, gateway.Deps{
		Config:      cfg,
		Runner:      rt.runner,
		Sessions:    rt.store,
		Transcripts: transcriptsDir,
		Cron:        rt.cron,
		Pairing:     rt.pairing,
		Channels:    rt.manager,
		Restart:     rt.restart,
		Approvals:   approvals,
		Nodes:       gateway.NewNodeRegistry(),
	})
	return rt, nil
}

// registerChannels builds each enabled adapter. A channel that fails to
// construct (bad credentials) aborts startup rather than running partial.
func (rt *gatewayRuntime) registerChannels() error {
	ch := rt.cfg.Channels
	if ch.Telegram.Enabled {
		c, err := telegram.New(ch.Telegram, rt.bus)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		rt.manager.RegisterChannel("telegram", c)
	}
	if ch.Discord.Enabled {
		c, err := discord.New(ch.Discord, rt.bus)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		rt.manager.RegisterChannel("discord", c)
	}
	if ch.Feishu.Enabled {
		c, err := feishu.New(ch.Feishu, rt.bus, nil)
		if err != nil {
			return fmt.Errorf("feishu: %w", err)
		}
		rt.manager.RegisterChannel("feishu", c)
	}
	if ch.Synology.Enabled {
		c, err := synology.New(ch.Synology, rt.bus)
		if err != nil {
			return fmt.Errorf("synology: %w", err)
		}
		rt.manager.RegisterChannel("synology", c)
	}
	return nil
}

// transportsReady reports whether every registered channel is running.
func (rt *gatewayRuntime) transportsReady() bool {
	names := rt.manager.GetEnabledChannels()
	for _, name := range names {
		ch, ok := rt.manager.GetChannel(name)
		if !ok || !ch.IsRunning() {
			return false
		}
	}
	return true
}

func (rt *gatewayRuntime) buildCron() error {
	cc := rt.cfg.Cron
	jobsPath := cc.Storage
	if jobsPath == "" {
		jobsPath = filepath.Join(config.StateDir(), "cron", "jobs.json")
	}
	runLogDir := cc.RunLogDir
	if runLogDir == "" {
		runLogDir = filepath.Join(config.StateDir(), "cron", "runs")
	}

	retry := cron.DefaultRetryPolicy
	retry.MaxRetries = cc.MaxRetries
	if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
		retry.BaseDelay = d
	}
	if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
		retry.MaxDelay = d
	}

	svc := cron.NewService(cron.ServiceOptions{
		Store:   cron.NewStore(config.ExpandHome(jobsPath)),
		RunLog:  cron.NewRunLog(config.ExpandHome(runLogDir), cc.RunLogMaxBytes, cc.RunLogKeepLines),
		Execute: rt.executeCronJob,
		Retry:   retry,
		// Wake-mode "now" jobs short-circuit the tick interval; surface
		// the heartbeat to RPC clients as well.
		RequestHeartbeat: func() {
			if rt.server != nil {
				rt.server.BroadcastEvent(*protocol.NewEvent(protocol.EventHeartbeat, nil))
			}
		},
		AfterRun: func() {
			rt.reaper.MaybeReap()
		},
	})
	rt.cron = svc
	return nil
}

// resolveHistoryLimit picks the largest configured per-channel group
// history window; per-chat rings are keyed by channel+chat so one buffer
// serves all adapters.
func resolveHistoryLimit(cfg *config.Config) int {
	limit := 0
	for _, v := range []int{
		cfg.Channels.Telegram.HistoryLimit,
		cfg.Channels.Discord.HistoryLimit,
		cfg.Channels.Feishu.HistoryLimit,
	} {
		if v > limit {
			limit = v
		}
	}
	if limit == 0 {
		limit = 50
	}
	return limit
}
