package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/genmediator/internal/router"
)

// NewServeCommand creates the monitoring server command
func NewServeCommand(ctx context.Context) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and status endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close()

			if addr == "" {
				addr = app.Config.Monitoring.Addr
			}
			return serve(cmd.Context(), app, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default monitoring.addr)")
	return cmd
}

func serve(ctx context.Context, app *App, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         addr,
		Handler:      router.NewMonitoringRouter(app.Config, app.Log, app.Orchestrator, app.Optimizer),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Log.Info("Monitoring server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("monitoring server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	app.Log.Info("Shutting down monitoring server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	app.Log.Info("Monitoring server exited")
	return nil
}
