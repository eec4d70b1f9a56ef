package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/serbia-gov/followup/internal/adapters/health/heliant"
	"github.com/serbia-gov/followup/internal/ops"
	"github.com/serbia-gov/followup/internal/scheduler"
	"github.com/serbia-gov/followup/internal/syncer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Forced runs that start a new sync hit the hospital source; allow one
// every 30s with a small burst.
const (
	forcedRunEvery = 30 * time.Second
	forcedRunBurst = 2
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the synchronizer on its schedule and serve the ops endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(parent context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.migrate(ctx); err != nil {
		return err
	}
	a.openPublisher(ctx)

	source, err := heliant.Connect(a.sourceConfig(), a.log)
	if err != nil {
		return err
	}
	defer source.Close()
	if err := source.Health(ctx); err != nil {
		a.log.Warn("hospital source not reachable yet, runs will fail until it is", zap.Error(err))
	}

	synchronizer := syncer.New(source, a.store, a.syncConfig(), a.emitter, a.log)
	sched := scheduler.New(synchronizer, a.cfg.Sync.LogSize, a.log)
	sched.LimitForcedRuns(rate.Every(forcedRunEvery), forcedRunBurst)
	if err := sched.Start(ctx, a.cfg.Sync.Interval); err != nil {
		return err
	}
	defer sched.Stop()

	handler := ops.NewHandler(a.store, source, synchronizer, sched, a.log)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // POST /sync/run waits for a whole run
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("ops server listening",
			zap.Int("port", a.cfg.Server.Port),
			zap.String("env", a.cfg.Server.Env),
			zap.Duration("sync_interval", a.cfg.Sync.Interval),
			zap.String("event_sink", a.cfg.Events.Sink),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("ops server shutdown", zap.Error(err))
	}

	return nil
}
