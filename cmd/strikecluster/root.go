package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ligun0805/strike-cluster/internal/config"
	"github.com/ligun0805/strike-cluster/internal/fanout"
	"github.com/ligun0805/strike-cluster/internal/logging"
	"github.com/ligun0805/strike-cluster/internal/metrics"
	"github.com/ligun0805/strike-cluster/internal/sequence"
	"github.com/ligun0805/strike-cluster/internal/signer"
	"github.com/ligun0805/strike-cluster/internal/supervisor"
	"github.com/ligun0805/strike-cluster/internal/worker"
)

type rootOptions struct {
	ConfigFile  string
	Workers     int
	BootDelay   time.Duration
	MetricsAddr string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "strikecluster",
		Short:         "Supervise a cluster of listener and striker workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := loadSettings(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, st, opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML configuration file")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "number of worker processes (overrides config)")
	cmd.Flags().DurationVar(&opts.BootDelay, "boot-delay", 0, "delay between initial worker spawns (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve supervisor metrics on this address")

	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

func loadSettings(cmd *cobra.Command, opts *rootOptions) (config.Settings, error) {
	st, err := config.Load(opts.ConfigFile)
	if err != nil {
		return config.Settings{}, err
	}
	if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
		st.WorkerCount = opts.Workers
	}
	if f := cmd.Flags().Lookup("boot-delay"); f != nil && f.Changed {
		st.BootDelayMs = opts.BootDelay.Milliseconds()
	}
	return st, nil
}

func runSupervisor(ctx context.Context, st config.Settings, opts *rootOptions) error {
	if err := st.Validate(); err != nil {
		return err
	}
	log := logging.New(os.Stderr, st.LogLevel, st.LogPretty).With().Str("role", "supervisor").Logger()
	m := metrics.New()

	rt, err := worker.NewRouter(st, m, log)
	if err != nil {
		return err
	}
	sgn, err := signer.FromHex(st.PrivateKeyHex)
	if err != nil {
		return err
	}
	broker := sequence.NewBroker(
		sequence.RouterSource{Router: rt, Address: sgn.Address(), Tag: st.NonceTag},
		sequence.Options{RetryDelay: st.BootstrapRetry(), BootstrapTimeout: 2 * st.RequestTimeout(), Metrics: m},
		log,
	)
	hub := fanout.NewHub(st.WorkerCount*4, m, log)

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	spawner := supervisor.ExecSpawner{Command: exe, Stderr: os.Stderr}
	if opts.ConfigFile != "" {
		spawner.Args = []string{"--config", opts.ConfigFile}
	}

	sup := supervisor.New(supervisor.Options{
		WorkerCount:           st.WorkerCount,
		BootDelay:             st.BootDelayDuration(),
		RespawnBackoff:        st.RespawnBackoff(),
		ListenerEvery:         st.ListenerEvery,
		LeaseTimeout:          st.LeaseTimeout(),
		ExitAfterFirstSuccess: st.ExitAfterFirstSuccess,
		Metrics:               m,
	}, spawner, broker, hub, log)

	log.Info().
		Str("identity", sgn.Address().Hex()).
		Strs("pools", st.PoolNames()).
		Int64("chain_id", st.ChainID).
		Msg("starting cluster")

	if opts.MetricsAddr != "" {
		go serveMetrics(ctx, opts.MetricsAddr, m, log)
	}
	return sup.Start(ctx)
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}
