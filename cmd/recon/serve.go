package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apexmediation/revenue-recon/api"
)

// serveFlags override scheduler and port settings.
type serveFlags struct {
	port        string
	noScheduler bool
}

func serveCmd(flags *rootFlags) *cobra.Command {
	sf := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the window scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(a *app) error {
				return serve(a, sf)
			})
		},
	}

	cmd.Flags().StringVar(&sf.port, "port", "", "HTTP server port (default from HTTP_PORT)")
	cmd.Flags().BoolVar(&sf.noScheduler, "no-scheduler", false, "Disable the window scheduler")

	return cmd
}

func serve(a *app, sf *serveFlags) error {
	port := a.settings.HTTPPort
	if sf.port != "" {
		port = sf.port
	}

	scheduler := api.NewWindowScheduler(a.service, a.checkpoints, a.logger)
	scheduler.Enabled = a.settings.SchedulerEnabled && !sf.noScheduler
	scheduler.Interval = a.settings.SchedulerInterval
	scheduler.Step = a.settings.SchedulerStep
	scheduler.Lag = a.settings.SchedulerLag

	handler := api.NewHandler(a.service, a.logger)
	handler.Scheduler = scheduler
	router := api.NewRouter(handler, a.metrics.Gatherer())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.String("addr", server.Addr), zap.String("backend", a.settings.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	scheduler.Start()
	defer scheduler.Stop()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		a.logger.Info("shutting down server", zap.Stringer("signal", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}
