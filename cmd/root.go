// Package cmd wires the openclaw CLI: the gateway process plus admin
// subcommands that talk to it over the WebSocket RPC.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zwright8/openclaw-sub006/internal/config"
	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/zwright8/openclaw-sub006/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "openclaw is a multi-channel agent gateway",
	Long:  "openclaw runs agents behind chat channels (Telegram, Discord, Feishu, Synology Chat)\nand exposes a WebSocket RPC for control and automation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd.Context())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.openclaw/config.json or $OPENCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cobra.OnInitialize(func() {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	})

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(restartCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openclaw %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("OPENCLAW_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(config.StateDir(), "config.json")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, userErr("load config: %v", err)
	}
	return cfg, nil
}

// usageError marks failures caused by bad input rather than the system.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func userErr(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// Execute runs the root cobra command.
// Exit codes: 0 ok, 1 user error, 2 system error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
