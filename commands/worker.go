package commands

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/contentflow/runner"
	"github.com/dshills/contentflow/worker"
)

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	var sweepInterval time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the async worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger(flags.logLevel)

			st, err := buildStore(cfg)
			if err != nil {
				return err
			}
			q, err := buildQueue(cfg, logger)
			if err != nil {
				return err
			}
			defer q.Close()
			deps, err := buildDeps(cfg, st, logger)
			if err != nil {
				return err
			}

			pool := worker.NewPool(q, st, deps, worker.Config{
				Concurrency:  cfg.Worker.Concurrency,
				StartRate:    cfg.Worker.StartRate,
				DrainTimeout: cfg.Worker.DrainTimeout,
			}, runner.Options{Logger: logger})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sweeper := worker.NewSweeper(st, q, sweepInterval, logger)
			go func() { _ = sweeper.Run(ctx) }()

			return pool.Run(ctx)
		},
	}

	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 30*time.Second,
		"how often to re-enqueue pending tasks that lost their queue job")
	return cmd
}
