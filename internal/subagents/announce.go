package subagents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zwright8/openclaw-sub006/internal/agent"
)

// DefaultMaxPingPongTurns caps the requester/subagent exchange after a run
// finishes.
const DefaultMaxPingPongTurns = 2

// RunFunc executes one agent turn in a session.
type RunFunc func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error)

// DeliverFunc pushes payloads to the requester's user-facing channel.
type DeliverFunc func(ctx context.Context, payloads []agent.ReplyPayload) error

// Announcer hands a finished subagent run back to its requester session.
// The requester may answer the announcement, bouncing one more exchange to
// the subagent, bounded by MaxTurns. Everything here is best-effort: a
// failed announcement is logged, never escalated.
type Announcer struct {
	Run      RunFunc
	Deliver  DeliverFunc
	MaxTurns int
}

// Announce runs the ping-pong exchange for a finished run and delivers the
// requester's last deliverable reply to the user. A NO_REPLY from either
// side ends the exchange silently.
func (a *Announcer) Announce(ctx context.Context, run Run) {
	maxTurns := a.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxPingPongTurns
	}

	message := formatAnnouncement(run)
	// Even turns run in the requester session, odd turns in the subagent's.
	keys := [2]string{run.RequesterSessionKey, run.SessionKey}

	var deliverable []agent.ReplyPayload
	for turn := 0; turn < maxTurns; turn++ {
		res, err := a.Run(ctx, agent.RunRequest{
			SessionKey: keys[turn%2],
			Message:    message,
			Channel:    "subagent",
		})
		if err != nil {
			slog.Warn("subagent announce turn failed",
				"run_id", run.ID, "turn", turn, "error", err)
			break
		}

		reply := lastText(res.Payloads)
		if reply == "" || agent.IsSilentReply(reply) {
			break
		}
		if turn%2 == 0 {
			deliverable = res.Payloads
		}
		message = reply
	}

	if len(deliverable) == 0 || a.Deliver == nil {
		return
	}
	if err := a.Deliver(ctx, deliverable); err != nil {
		slog.Warn("subagent announce delivery failed", "run_id", run.ID, "error", err)
	}
}

func formatAnnouncement(run Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Subagent %s %s]", run.Label, run.Status)
	if run.Result != "" {
		b.WriteString("\n")
		b.WriteString(run.Result)
	}
	b.WriteString("\nReply NO_REPLY if nothing needs to be relayed to the user.")
	return b.String()
}

func lastText(payloads []agent.ReplyPayload) string {
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
