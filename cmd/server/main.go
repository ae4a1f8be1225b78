package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/socsahar/Vapes-Shop-sub001/internal/api"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "server",
		Short:         "General order automation and notification queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand(), newTickCommand(), newMigrateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trigger, enqueue API and metrics servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before serving")
	return cmd
}

func newTickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one automation pass and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.wire(ctx); err != nil {
				return err
			}

			sum := a.orchestrator.RunOnce(ctx, time.Now())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return err
			}
			if len(sum.Errors) > 0 {
				return fmt.Errorf("tick finished with %d errors", len(sum.Errors))
			}
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.log.Info("migrations applied", zap.String("driver", a.store.Driver))
			return nil
		},
	}
}

func serve(parent context.Context, migrate bool) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.log

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if migrate {
		if err := a.store.Migrate(ctx); err != nil {
			return err
		}
	}
	if err := a.wire(ctx); err != nil {
		return err
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + a.cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", a.cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
			cancel()
		}
	}()

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Queue:      a.store,
		Automation: a.orchestrator,
		Orders:     a.machine,
		Runs:       a.store,
		Health:     a.store,
		Log:        logger.Named("api"),
		CronSecret: a.cfg.CronSecret,
	}

	apiServer := &http.Server{
		Addr:              ":" + a.cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// a tick may use its whole budget before answering
		WriteTimeout: a.cfg.TickBudget + 10*time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", a.cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", zap.Error(err))
			cancel()
		}
	}()

	// ------------------------------------------------
	// Optional in-process trigger
	// ------------------------------------------------
	var scheduler *cron.Cron
	if a.cfg.TickSchedule != "" {
		scheduler = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		_, err := scheduler.AddFunc(a.cfg.TickSchedule, func() {
			a.orchestrator.RunOnce(ctx, time.Now())
		})
		if err != nil {
			return fmt.Errorf("invalid TICK_SCHEDULE %q: %w", a.cfg.TickSchedule, err)
		}
		scheduler.Start()
		logger.Info("tick schedule started", zap.String("schedule", a.cfg.TickSchedule))
	}

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	if scheduler != nil {
		// wait for a running tick to finish its in-flight work
		<-scheduler.Stop().Done()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.TickBudget+5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
	return nil
}
