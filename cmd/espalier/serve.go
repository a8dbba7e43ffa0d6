package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aretw0/espalier/internal/cli"
	httpAdapter "github.com/aretw0/espalier/pkg/adapters/http"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP request gateway",
	Long: `Starts the agent behind the HTTP gateway. Runs are accepted on POST /runs
and their lifecycle events stream on GET /runs/{id}/events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closeLog, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closeLog.Close()
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		ctx := cli.NewSignalContext(context.Background())
		defer ctx.Cancel()

		rt, err := cli.Build(ctx, cfg, logger, cli.BuildOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.Agent.Ready(ctx); err != nil {
			// /ready keeps reporting 503 until the backbone answers.
			logger.Warn("starting without a reachable backbone", "err", err)
		}

		handler := httpAdapter.NewHandler(rt.Agent,
			httpAdapter.WithStreams(rt.Streams),
			httpAdapter.WithAuditLog(rt.Audit),
			httpAdapter.WithMetrics(rt.Registry),
			httpAdapter.WithRateLimit(cfg.Server.RateLimit, cfg.Server.Burst),
			httpAdapter.WithLogger(logger),
		)
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("espalier gateway listening", "addr", srv.Addr)
			serverErrors <- srv.ListenAndServe()
		}()

		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down", "signal", ctx.Signal())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown did not complete", "err", err, "timeout", cfg.Server.ShutdownTimeout)
			_ = srv.Close()
		}
		// Active runs observe cancellation and record their termination.
		if err := rt.Agent.Shutdown(shutdownCtx); err != nil {
			logger.Error("runs did not terminate in time", "err", err)
			return err
		}
		logger.Info("espalier gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Override server.addr")
}
