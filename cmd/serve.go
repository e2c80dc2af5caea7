package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genqueue/api"
	"genqueue/config"
	"genqueue/falclient"
	"genqueue/history"
	"genqueue/logger"
	"genqueue/task"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.New(cfg.LogLevel, os.Stdout)

	client, err := falclient.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize fal client: %w", err)
	}
	taskManager, err := task.NewManager(cfg, client, log)
	if err != nil {
		return fmt.Errorf("failed to initialize task manager: %w", err)
	}
	store := history.NewStore(cfg.HistoryLimit, log)
	taskManager.AddListener(store.Listener())

	router, err := api.SetupRouter(taskManager, store, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to set up router: %w", err)
	}
	// Event streams only end when their request context does, so request
	// contexts are cancelled once shutdown begins.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskManager.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		taskManager.Stop()
		return fmt.Errorf("listen: %w", err)
	}

	// Restore default behavior on the interrupt signal.
	stop()
	log.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	taskManager.Stop()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exiting")
	return nil
}
