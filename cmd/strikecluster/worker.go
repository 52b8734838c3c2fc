package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ligun0805/strike-cluster/internal/logging"
	"github.com/ligun0805/strike-cluster/internal/metrics"
	"github.com/ligun0805/strike-cluster/internal/supervisor"
	"github.com/ligun0805/strike-cluster/internal/worker"
)

type workerOptions struct {
	ID       string
	Role     string
	Index    int
	Restarts int
}

// newWorkerCommand is the entry point the supervisor re-executes for each
// worker. stdout carries IPC, so nothing else may write to it.
func newWorkerCommand(root *rootOptions) *cobra.Command {
	opts := &workerOptions{}
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process (spawned by the supervisor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			role, err := supervisor.ParseRole(opts.Role)
			if err != nil {
				return err
			}
			st, err := loadSettings(cmd, root)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logging.New(os.Stderr, st.LogLevel, st.LogPretty)
			return worker.Run(ctx, worker.Options{
				ID:       opts.ID,
				Role:     role,
				Index:    opts.Index,
				Restarts: opts.Restarts,
				Settings: st,
				In:       os.Stdin,
				Out:      os.Stdout,
				Metrics:  metrics.New(),
				Log:      log,
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "worker id")
	cmd.Flags().StringVar(&opts.Role, "role", "", "listener or striker")
	cmd.Flags().IntVar(&opts.Index, "index", 0, "worker slot index")
	cmd.Flags().IntVar(&opts.Restarts, "restarts", 0, "times this slot has been respawned")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
