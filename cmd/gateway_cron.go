package cmd

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zwright8/openclaw-sub006/internal/agent"
	"github.com/zwright8/openclaw-sub006/internal/cron"
	"github.com/zwright8/openclaw-sub006/internal/dispatch"
	"github.com/zwright8/openclaw-sub006/internal/sessions"
	"github.com/zwright8/openclaw-sub006/internal/telemetry"
)

// cronSummaryLimit caps what lands in the run log per execution.
const cronSummaryLimit = 500

// executeCronJob runs one due job: session targeting (isolated run session
// by default, main session for systemEvent-style jobs), model override,
// and optional announce/direct delivery of the output.
func (rt *gatewayRuntime) executeCronJob(ctx context.Context, job cron.Job, runID string) (cron.ExecResult, error) {
	agentID := job.AgentID
	if agentID == "" {
		agentID = rt.cfg.ResolveDefaultAgentID()
	}

	sessionKey := sessions.BuildCronSessionKey(agentID, job.ID, runID)
	if job.SessionTarget == cron.TargetMain {
		sessionKey = sessions.BuildAgentMainSessionKey(agentID, rt.cfg.Sessions.MainKey)
	}

	message := job.Payload.Message
	if job.Payload.Kind == cron.PayloadSystemEvent {
		// System events always land in the main session so the agent sees
		// them in its ongoing context.
		sessionKey = sessions.BuildAgentMainSessionKey(agentID, rt.cfg.Sessions.MainKey)
		message = fmt.Sprintf("[system event] %s", job.Payload.Event)
	}
	if message == "" {
		return cron.ExecResult{}, fmt.Errorf("job %s has no message", job.ID)
	}

	// A job-level timeout overrides the agent default; an explicit 0
	// disables the timeout entirely.
	timeout := time.Duration(rt.cfg.ResolveAgent(agentID).TimeoutSeconds) * time.Second
	noTimeout := false
	if job.TimeoutSeconds != nil {
		if *job.TimeoutSeconds == 0 {
			timeout = 0
			noTimeout = true
		} else {
			timeout = time.Duration(*job.TimeoutSeconds) * time.Second
		}
	}

	runCtx, span := telemetry.Tracer("cron").Start(ctx, "cron.run")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("run.id", runID),
		attribute.String("agent.id", agentID),
	)
	defer span.End()

	res, err := rt.runner.Run(runCtx, agent.RunRequest{
		SessionKey:    sessionKey,
		AgentID:       agentID,
		Message:       message,
		Channel:       "cron",
		ModelOverride: job.Payload.Model,
		Timeout:       timeout,
		NoTimeout:     noTimeout,
	})
	if err != nil {
		span.RecordError(err)
		return cron.ExecResult{SessionKey: sessionKey}, err
	}

	summary := lastPayloadText(res.Payloads)
	if len(summary) > cronSummaryLimit {
		summary = summary[:cronSummaryLimit]
	}
	out := cron.ExecResult{
		Summary:    summary,
		SessionKey: sessionKey,
		Model:      res.Meta.Model,
		Provider:   res.Meta.Provider,
		Usage: cron.RunUsage{
			Input:  res.Meta.Usage.Input,
			Output: res.Meta.Usage.Output,
			Total:  res.Meta.Usage.Total(),
		},
	}

	mode := job.Delivery.Mode
	if (mode == "announce" || mode == "direct") && job.Delivery.Channel != "" && job.Delivery.To != "" {
		n, deliverErr := dispatch.NewDispatcher(rt.manager).Deliver(runCtx, res.Payloads, dispatch.Options{
			Channel:    job.Delivery.Channel,
			ChatID:     job.Delivery.To,
			ChunkLimit: rt.chunkLimitFor(job.Delivery.Channel),
			BestEffort: job.Delivery.BestEffort,
		})
		out.Delivered = n > 0
		if deliverErr != nil {
			out.DeliveryStatus = cron.RunStatusError
			out.DeliveryError = deliverErr.Error()
			span.RecordError(deliverErr)
			return out, fmt.Errorf("job %s delivery: %w", job.ID, deliverErr)
		}
		out.DeliveryStatus = cron.RunStatusOK
	}
	return out, nil
}
