package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadflow/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var withScheduler bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP server",
	RunE:  run,
}

func init() {
	runCmd.Flags().BoolVar(&withScheduler, "scheduler", false, "run the in-process job scheduler (overrides jobs.scheduler.enabled)")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.Logger
	cfg := a.Config

	shutdownTracing, err := observability.SetupTracing(cmd.Context(), cfg)
	if err != nil {
		log.Warnf("tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	if withScheduler {
		cfg.Jobs.Scheduler.Enabled = true
	}
	scheduler, err := a.Scheduler()
	if err != nil {
		return err
	}
	if scheduler != nil {
		scheduler.Start()
	}

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if scheduler != nil {
		scheduler.Stop(ctx)
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Warnf("tracing shutdown: %v", err)
	}
	log.Info("Server exited")
	return nil
}
