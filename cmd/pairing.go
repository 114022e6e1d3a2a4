package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Approve, list, and revoke paired senders",
	}
	cmd.AddCommand(pairingApproveCmd(), pairingListCmd(), pairingRevokeCmd())
	return cmd
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Redeem a pairing code and allowlist the sender",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					Approved string `json:"approved"`
				}
				params := map[string]string{"channel": args[0], "code": args[1]}
				if err := c.call(ctx, protocol.MethodPairingApprove, params, &out); err != nil {
					return err
				}
				fmt.Printf("Approved %s on %s\n", out.Approved, args[0])
				return nil
			})
		},
	}
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <channel>",
		Short: "Show the allowlist and pending codes for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					AllowFrom []string `json:"allowFrom"`
					Pending   map[string]struct {
						Code      string            `json:"code"`
						CreatedAt time.Time         `json:"createdAt"`
						Meta      map[string]string `json:"meta"`
					} `json:"pending"`
				}
				if err := c.call(ctx, protocol.MethodPairingList, map[string]string{"channel": args[0]}, &out); err != nil {
					return err
				}

				fmt.Println("Allowed:")
				if len(out.AllowFrom) == 0 {
					fmt.Println("  (none)")
				}
				for _, id := range out.AllowFrom {
					fmt.Println("  " + id)
				}

				fmt.Println("Pending:")
				if len(out.Pending) == 0 {
					fmt.Println("  (none)")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "  SENDER\tCODE\tREQUESTED")
				for id, p := range out.Pending {
					fmt.Fprintf(w, "  %s\t%s\t%s\n", id, p.Code, p.CreatedAt.Local().Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
}

func pairingRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <channel> <id>",
		Short: "Remove a sender from the allowlist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				params := map[string]string{"channel": args[0], "id": args[1]}
				if err := c.call(ctx, protocol.MethodPairingRevoke, params, nil); err != nil {
					return err
				}
				fmt.Printf("Revoked %s on %s\n", args[1], args[0])
				return nil
			})
		},
	}
}
