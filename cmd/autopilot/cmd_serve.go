package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"autopilot/internal/api"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd hosts sessions over HTTP
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	Long: `Opens the session store, loads every knowledge tier, parks sessions left
running by a previous process, and serves the HTTP API until interrupted.

On SIGINT or SIGTERM every running session is paused at its next turn
boundary before the process exits.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (default: server.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	if err := a.watchKnowledge(ctx); err != nil {
		logger.Warn("Knowledge watcher unavailable", zap.Error(err))
	}
	a.reindexAsync(ctx)

	parked, err := a.orch.Recover(ctx)
	if err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("recover sessions: %w", err)
	}

	listen, _ := cmd.Flags().GetString("listen")
	if listen == "" {
		listen = cfg.Server.Listen
	}
	srv := api.NewServer(a.orch)
	if err := srv.Start(ctx, listen); err != nil {
		_ = a.close(context.Background())
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("autopilot serving on "+srv.Addr()))
	if parked > 0 {
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d session(s) parked after restart; resume them explicitly", parked)))
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	fmt.Fprintln(out, dimStyle.Render("shutting down: pausing running sessions"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return a.close(shutdownCtx)
}
