package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

func restartCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Ask a running gateway to restart itself",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, c *rpcClient) error {
				var out struct {
					Accepted bool `json:"accepted"`
				}
				params := map[string]string{"reason": reason}
				if err := c.call(ctx, protocol.MethodRestart, params, &out); err != nil {
					return err
				}
				if out.Accepted {
					fmt.Println("Restart scheduled.")
				} else {
					fmt.Println("Restart not accepted (cooldown or already pending).")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cli", "reason recorded for the restart")
	return cmd
}
