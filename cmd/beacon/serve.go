package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"

	"github.com/yirzhou/beacon"
	"github.com/yirzhou/beacon/httpapi"
	"github.com/yirzhou/beacon/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func setupMetrics(service string) error {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	// SIGUSR1 dumps the current metrics to stderr.
	metrics.DefaultInmemSignal(sink)
	conf := metrics.DefaultConfig(service)
	conf.EnableHostname = false
	_, err := metrics.NewGlobal(conf, sink)
	return err
}

func serve(ctx context.Context) error {
	if err := setupMetrics("beacon"); err != nil {
		return err
	}
	oc := cfg.Orchestrator

	jobStore, closer, err := store.Open(oc.Store.Kind, oc.Store.Path)
	if err != nil {
		return err
	}
	defer closer.Close()

	repo, err := beacon.NewBufferedRepository(ctx, jobStore, beacon.RepositoryOptions{
		UpdateBuffer: oc.UpdateBuffer,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Error("flushing jobs on shutdown failed", "error", err)
		}
	}()

	orch, err := beacon.NewJobOrchestrator(repo, beacon.OrchestratorOptions{
		JobStaleTime: oc.JobStaleTime,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	scheduler := beacon.NewJobScheduler(repo, logger)

	api := httpapi.NewServer(orch, scheduler, httpapi.ServerOptions{APIToken: oc.APIToken, Logger: logger})
	srv := &http.Server{
		Addr:              oc.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator listening", "addr", oc.Listen, "store", oc.Store.Kind, "stale_time", oc.JobStaleTime)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
