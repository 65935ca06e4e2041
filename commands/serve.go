package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dshills/contentflow/api"
	"github.com/dshills/contentflow/runner"
	"github.com/dshills/contentflow/scheduler"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
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

			sched := scheduler.New(st, q, logger)
			exec := runner.NewExecutor(st, deps, "sync-"+uuid.NewString(), runner.Options{Logger: logger})
			srv := &http.Server{
				Addr:    cfg.Server.Addr,
				Handler: api.NewServer(st, sched, exec, logger),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", "addr", cfg.Server.Addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("http server: %w", err)
			case <-ctx.Done():
			}

			logger.Info("shutting down http server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	return cmd
}
