package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zwright8/openclaw-sub006/internal/agent"
	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/dispatch"
	"github.com/zwright8/openclaw-sub006/internal/sessions"
	"github.com/zwright8/openclaw-sub006/internal/subagents"
)

// handleControlCommand intercepts operator commands issued in-channel by
// command-authorized senders. Returns false when the message is not a
// recognized command, so reset triggers and ordinary text flow onward.
func (rt *gatewayRuntime) handleControlCommand(ctx context.Context, msg bus.InboundMessage) bool {
	fields := strings.Fields(strings.TrimSpace(msg.Content))
	if len(fields) == 0 {
		return false
	}

	reply := func(text string) {
		rt.manager.SendToChannel(ctx, bus.OutboundMessage{
			Channel: msg.Channel, ChatID: msg.ChatID, ThreadID: msg.ThreadID, Content: text,
		})
	}

	switch fields[0] {
	case "/restart":
		accepted := rt.restart.Request("operator command")
		if accepted {
			reply("Restart scheduled.")
		} else {
			reply("Restart not accepted (cooldown or already pending).")
		}
		return true

	case "/subagent":
		if len(fields) < 2 {
			reply("Usage: /subagent spawn <label> <task> | /subagent list | /subagent killall")
			return true
		}
		rt.handleSubagentCommand(ctx, msg, fields[1:], reply)
		return true
	}
	return false
}

func (rt *gatewayRuntime) handleSubagentCommand(ctx context.Context, msg bus.InboundMessage, args []string, reply func(string)) {
	agentID := rt.cfg.ResolveAgentForMessage(msg.Channel, msg.AccountID, msg.PeerKind, msg.ChatID, msg.Metadata["guild_id"])
	requesterKey := sessions.BuildScopedSessionKey(
		agentID, msg.Channel, msg.AccountID, sessions.PeerKind(msg.PeerKind), msg.ChatID,
		rt.cfg.Sessions.Scope, rt.cfg.Sessions.DmScope, rt.cfg.Sessions.MainKey)

	switch args[0] {
	case "spawn":
		if len(args) < 3 {
			reply("Usage: /subagent spawn <label> <task>")
			return
		}
		label, task := args[1], strings.Join(args[2:], " ")
		if err := rt.spawnSubagent(agentID, label, task, requesterKey); err != nil {
			reply("Spawn failed: " + err.Error())
			return
		}
		reply(fmt.Sprintf("Subagent %q started.", label))

	case "list":
		runs := rt.registry.ListForRequester(requesterKey)
		if len(runs) == 0 {
			reply("No subagents.")
			return
		}
		var b strings.Builder
		for _, r := range runs {
			fmt.Fprintf(&b, "%s: %s (%s)\n", r.Label, r.Status, r.ID[:8])
		}
		fmt.Fprintf(&b, "active (including nested): %d", rt.registry.CountActiveDescendantRuns(requesterKey))
		reply(strings.TrimSpace(b.String()))

	case "killall":
		killed := rt.registry.KillAll(requesterKey)
		reply(fmt.Sprintf("Killed %d subagent(s).", len(killed)))

	default:
		reply("Usage: /subagent spawn <label> <task> | /subagent list | /subagent killall")
	}
}

// spawnSubagent registers and launches one subagent run. Completion is
// announced back into the requester session; the requester's last reply is
// delivered to wherever that session last talked.
func (rt *gatewayRuntime) spawnSubagent(agentID, label, task, requesterKey string) error {
	runCtx, cancel := context.WithCancel(context.Background())

	run, err := rt.registry.Spawn(agentID, label, task, requesterKey, cancel)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		defer cancel()

		res, runErr := rt.runner.Run(runCtx, agent.RunRequest{
			SessionKey: run.SessionKey,
			AgentID:    agentID,
			Message:    task,
			Channel:    "subagent",
		})

		var finished subagents.Run
		var ok bool
		if runErr != nil {
			finished, ok = rt.registry.Fail(run.ID, runErr.Error())
		} else {
			finished, ok = rt.registry.Complete(run.ID, lastPayloadText(res.Payloads))
		}
		if !ok {
			// Killed while running; nothing to announce.
			return
		}

		announcer := &subagents.Announcer{
			Run:      rt.runner.Run,
			Deliver:  rt.deliverToRequester(requesterKey),
			MaxTurns: rt.maxPingPongTurns(),
		}
		announceCtx, cancelAnnounce := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancelAnnounce()
		announcer.Announce(announceCtx, finished)
	}()
	return nil
}

func (rt *gatewayRuntime) maxPingPongTurns() int {
	if sc := rt.cfg.Agents.Defaults.Subagents; sc != nil && sc.MaxPingPongTurns > 0 {
		return sc.MaxPingPongTurns
	}
	return subagents.DefaultMaxPingPongTurns
}

// deliverToRequester targets the requester session's last observed
// delivery context.
func (rt *gatewayRuntime) deliverToRequester(requesterKey string) subagents.DeliverFunc {
	return func(ctx context.Context, payloads []agent.ReplyPayload) error {
		entry, ok, err := rt.store.Get(requesterKey, true)
		if err != nil {
			return err
		}
		if !ok || entry.LastChannel == "" || entry.LastTo == "" {
			return fmt.Errorf("requester session %s has no delivery target", requesterKey)
		}

		n, err := dispatch.NewDispatcher(rt.manager).Deliver(ctx, payloads, dispatch.Options{
			Channel:    entry.LastChannel,
			AccountID:  entry.LastAccountID,
			ChatID:     entry.LastTo,
			ThreadID:   entry.LastThreadID,
			ChunkLimit: rt.chunkLimitFor(entry.LastChannel),
		})
		if err != nil {
			return err
		}
		if n == 0 {
			slog.Debug("subagent announcement produced no deliverable output", "session", requesterKey)
		}
		return nil
	}
}

func lastPayloadText(payloads []agent.ReplyPayload) string {
	for i := len(payloads) - 1; i >= 0; i-- {
		if payloads[i].IsReasoning {
			continue
		}
		if t := strings.TrimSpace(payloads[i].Text); t != "" {
			return t
		}
	}
	return ""
}
