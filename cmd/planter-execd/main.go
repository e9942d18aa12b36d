package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brianmichel/planter/internal/execd"
	"github.com/brianmichel/planter/internal/logger"
	"github.com/brianmichel/planter/internal/platform"
)

func main() {
	var (
		controlFD int
		authToken string
		cellID    string
		stateRoot string
	)

	root := &cobra.Command{
		Use:           "planter-execd",
		Short:         "Planter sandboxed execution worker",
		Long:          "Owns the job processes and PTY sessions of one cell, serving the daemon's control protocol on an inherited socket.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(os.Getenv("PLANTER_LOG_LEVEL"), ""); err != nil {
				return err
			}

			// The daemon hands its own sandbox mode down; a worker started
			// by hand defaults to plain launches.
			mode := platform.ModeDisabled
			if value := os.Getenv("PLANTER_SANDBOX_MODE"); value != "" {
				parsed, err := platform.ParseSandboxMode(value)
				if err != nil {
					return err
				}
				mode = parsed
			}

			conn, err := execd.ControlConnFromFD(controlFD)
			if err != nil {
				return err
			}
			defer conn.Close()

			logger.Info("starting planter-execd", "cell_id", cellID, "state_root", stateRoot)
			return execd.Serve(context.Background(), conn, execd.Config{
				CellID:      cellID,
				AuthToken:   authToken,
				StateRoot:   stateRoot,
				SandboxMode: mode,
			})
		},
	}

	root.Flags().IntVar(&controlFD, "control-fd", -1, "Inherited Unix socket fd for daemon control RPC")
	root.Flags().StringVar(&authToken, "auth-token", "", "Shared auth token expected in the hello request")
	root.Flags().StringVar(&cellID, "cell-id", "", "Logical cell id assigned by the daemon")
	root.Flags().StringVar(&stateRoot, "state-root", "", "Root state directory for worker data")
	for _, flag := range []string{"control-fd", "auth-token", "cell-id", "state-root"} {
		root.MarkFlagRequired(flag)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "planter-execd error: %v\n", err)
		os.Exit(1)
	}
}
