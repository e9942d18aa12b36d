package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brianmichel/planter/internal/config"
	"github.com/brianmichel/planter/internal/daemon"
)

func main() {
	var (
		socketFlag      string
		sandboxModeFlag string
		stateDirFlag    string
		logLevelFlag    string
		logFileFlag     string
	)

	root := &cobra.Command{
		Use:           "planterd",
		Short:         "Planter daemon",
		Long:          "Runs shell commands and interactive sessions inside per-cell sandboxes, serving typed RPC over a Unix socket.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("socket") {
				cfg.Socket = socketFlag
			}
			if cmd.Flags().Changed("sandbox-mode") {
				cfg.SandboxMode = sandboxModeFlag
			}
			if cmd.Flags().Changed("state-dir") {
				cfg.StateDir = stateDirFlag
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevelFlag
			}
			if cmd.Flags().Changed("log-file") {
				cfg.LogFile = logFileFlag
			}
			return daemon.Run(cfg)
		},
	}

	defaults := config.Default()
	root.Flags().StringVar(&socketFlag, "socket", defaults.Socket, "Unix socket path for the RPC server")
	root.Flags().StringVar(&sandboxModeFlag, "sandbox-mode", defaults.SandboxMode, "Sandbox mode: disabled, permissive, or enforced")
	root.Flags().StringVar(&stateDirFlag, "state-dir", defaults.StateDir, "State directory root")
	root.Flags().StringVar(&logLevelFlag, "log-level", defaults.LogLevel, "Log level: debug, info, warn, or error")
	root.Flags().StringVar(&logFileFlag, "log-file", "", "Optional log file (in addition to stderr)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "planterd error: %v\n", err)
		os.Exit(1)
	}
}
