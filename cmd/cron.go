package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zwright8/openclaw-sub006/internal/cron"
	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs on a running gateway",
	}
	cmd.AddCommand(
		cronAddCmd(),
		cronUpdateCmd(),
		cronRemoveCmd(),
		cronEnableCmd(true),
		cronEnableCmd(false),
		cronListCmd(),
		cronStatusCmd(),
		cronRunCmd(),
		cronHistoryCmd(),
	)
	return cmd
}

func cronAddCmd() *cobra.Command {
	var (
		name      string
		expr      string
		tz        string
		at        string
		message   string
		event     string
		agentID   string
		model     string
		session   string
		channel   string
		to        string
		oneShot   bool
		wakeNow   bool
		timeoutS  int
		disabled  bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			job := cron.Job{
				Name:           name,
				Enabled:        !disabled,
				AgentID:        agentID,
				DeleteAfterRun: oneShot,
			}
			switch {
			case expr != "" && at != "":
				return userErr("use either --cron or --at, not both")
			case expr != "":
				job.Sched = cron.Schedule{Kind: cron.ScheduleCron, Expr: expr, TZ: tz}
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return userErr("--at must be RFC3339: %v", err)
				}
				job.Sched = cron.Schedule{Kind: cron.ScheduleAt, AtMs: t.UnixMilli()}
			default:
				return userErr("--cron or --at is required")
			}
			switch {
			case message != "" && event != "":
				return userErr("use either --message or --event, not both")
			case message != "":
				job.Payload = cron.Payload{Kind: cron.PayloadAgentTurn, Message: message, Model: model}
			case event != "":
				job.Payload = cron.Payload{Kind: cron.PayloadSystemEvent, Event: event}
			default:
				return userErr("--message or --event is required")
			}
			if session == "main" {
				job.SessionTarget = cron.TargetMain
			}
			if wakeNow {
				job.WakeMode = cron.WakeNow
			}
			if channel != "" {
				job.Delivery = cron.Delivery{Mode: "announce", Channel: channel, To: to}
			}
			if cmd.Flags().Changed("timeout-seconds") {
				job.TimeoutSeconds = &timeoutS
			}

			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					Job cron.Job `json:"job"`
				}
				if err := c.call(ctx, protocol.MethodCronAdd, job, &out); err != nil {
					return err
				}
				fmt.Printf("Added job %s (%s)\n", out.Job.ID, out.Job.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression (e.g. \"0 9 * * *\")")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone for --cron")
	cmd.Flags().StringVar(&at, "at", "", "one-shot RFC3339 timestamp")
	cmd.Flags().StringVar(&message, "message", "", "agent-turn message")
	cmd.Flags().StringVar(&event, "event", "", "system event injected into the main session")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default: the default agent)")
	cmd.Flags().StringVar(&model, "model", "", "model override for this job")
	cmd.Flags().StringVar(&session, "session", "isolated", "session target: isolated or main")
	cmd.Flags().StringVar(&channel, "channel", "", "announce output to this channel")
	cmd.Flags().StringVar(&to, "to", "", "announce recipient (chat id)")
	cmd.Flags().BoolVar(&oneShot, "delete-after-run", false, "remove the job after one execution")
	cmd.Flags().BoolVar(&wakeNow, "wake-now", false, "fire immediately when due instead of on the next tick")
	cmd.Flags().IntVar(&timeoutS, "timeout-seconds", 0, "per-run timeout override")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	return cmd
}

func cronUpdateCmd() *cobra.Command {
	var (
		name    string
		expr    string
		tz      string
		message string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{"id": args[0]}
			if cmd.Flags().Changed("name") {
				params["name"] = name
			}
			if cmd.Flags().Changed("cron") {
				params["schedule"] = cron.Schedule{Kind: cron.ScheduleCron, Expr: expr, TZ: tz}
			}
			if cmd.Flags().Changed("message") {
				params["payload"] = cron.Payload{Kind: cron.PayloadAgentTurn, Message: message}
			}
			if len(params) == 1 {
				return userErr("nothing to update")
			}
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					Job cron.Job `json:"job"`
				}
				if err := c.call(ctx, protocol.MethodCronUpdate, params, &out); err != nil {
					return err
				}
				fmt.Printf("Updated job %s\n", out.Job.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone for --cron")
	cmd.Flags().StringVar(&message, "message", "", "agent-turn message")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				if err := c.call(ctx, protocol.MethodCronRemove, map[string]string{"id": args[0]}, nil); err != nil {
					return err
				}
				fmt.Println("Removed", args[0])
				return nil
			})
		},
	}
}

func cronEnableCmd(enable bool) *cobra.Command {
	use, method := "enable <id>", protocol.MethodCronEnable
	if !enable {
		use, method = "disable <id>", protocol.MethodCronDisable
	}
	return &cobra.Command{
		Use:   use,
		Short: "Enable or disable a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					Job cron.Job `json:"job"`
				}
				if err := c.call(ctx, method, map[string]string{"id": args[0]}, &out); err != nil {
					return err
				}
				fmt.Printf("Job %s enabled=%v\n", out.Job.ID, out.Job.Enabled)
				return nil
			})
		},
	}
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					Jobs []cron.Job `json:"jobs"`
				}
				if err := c.call(ctx, protocol.MethodCronList, nil, &out); err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tENABLED\tSCHEDULE\tNEXT RUN\tLAST STATUS")
				for _, j := range out.Jobs {
					fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
						j.ID, j.Name, j.Enabled, formatSchedule(j.Sched),
						formatMs(j.State.NextRunAtMs), j.State.LastStatus)
				}
				return w.Flush()
			})
		},
	}
}

func cronStatusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job with its recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					Job  cron.Job         `json:"job"`
					Runs []cron.RunRecord `json:"runs"`
				}
				params := map[string]interface{}{"id": args[0], "limit": limit}
				if err := c.call(ctx, protocol.MethodCronStatus, params, &out); err != nil {
					return err
				}
				j := out.Job
				fmt.Printf("%s (%s)\n  enabled:  %v\n  schedule: %s\n  next run: %s\n  last:     %s %s\n",
					j.ID, j.Name, j.Enabled, formatSchedule(j.Sched),
					formatMs(j.State.NextRunAtMs), j.State.LastStatus, j.State.LastError)
				printRuns(out.Runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	return cmd
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id> [force]",
		Short: "Trigger a job (force fires regardless of schedule; default only runs a due job)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := cron.RunModeIfDue
			if len(args) == 2 {
				if args[1] != "force" {
					return userErr("second argument must be \"force\"")
				}
				mode = cron.RunModeForce
			}
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					Triggered bool `json:"triggered"`
				}
				params := map[string]string{"id": args[0], "mode": mode}
				if err := c.call(ctx, protocol.MethodCronRun, params, &out); err != nil {
					return err
				}
				if out.Triggered {
					fmt.Println("Triggered", args[0])
				} else {
					fmt.Println("Not due:", args[0])
				}
				return nil
			})
		},
	}
}

func cronHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a job's run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					Runs []cron.RunRecord `json:"runs"`
				}
				params := map[string]interface{}{"id": args[0], "limit": limit}
				if err := c.call(ctx, protocol.MethodCronRuns, params, &out); err != nil {
					return err
				}
				printRuns(out.Runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func printRuns(runs []cron.RunRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tSTATUS\tSUMMARY")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.RunID, formatMs(r.StartedAt), r.Status, r.Summary)
	}
	w.Flush()
}

func formatSchedule(s cron.Schedule) string {
	if s.Kind == cron.ScheduleAt {
		return "at " + formatMs(s.AtMs)
	}
	if s.TZ != "" {
		return fmt.Sprintf("%s (%s)", s.Expr, s.TZ)
	}
	return s.Expr
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
