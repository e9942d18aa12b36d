// Package daemon wires the planter state store, worker manager, and RPC
// server into the long-lived planterd process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/brianmichel/planter/internal/config"
	"github.com/brianmichel/planter/internal/events"
	"github.com/brianmichel/planter/internal/ipc"
	"github.com/brianmichel/planter/internal/logger"
	"github.com/brianmichel/planter/internal/platform"
	"github.com/brianmichel/planter/internal/protocol"
)

// Run starts the daemon with the given configuration and serves until a
// termination signal arrives.
func Run(cfg config.Config) error {
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	mode, err := platform.ParseSandboxMode(cfg.SandboxMode)
	if err != nil {
		return err
	}

	if err := ipc.PrepareSocketPath(cfg.Socket); err != nil {
		return fmt.Errorf("prepare socket path: %w", err)
	}

	ops := platform.New(cfg.StateDir, mode)
	workers := NewManager(cfg.StateDir, mode)

	var journal *events.Journal
	if j, err := events.Open(filepath.Join(cfg.StateDir, "planter.db")); err != nil {
		logger.Warn("event journal unavailable", "error", err)
	} else {
		journal = j
		defer journal.Close()
	}

	state, err := NewStateStore(cfg.StateDir, ops, workers, journal)
	if err != nil {
		return err
	}
	state.Reconcile()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info("starting planterd",
		"socket", cfg.Socket,
		"state_dir", cfg.StateDir,
		"sandbox_mode", mode.String(),
		"daemon", protocol.Version,
		"protocol", protocol.ProtocolVersion,
	)

	err = ipc.ServeUnix(ctx, cfg.Socket, NewHandler(state))

	workers.StopAll()
	os.Remove(cfg.Socket)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("planterd stopped")
	return nil
}
