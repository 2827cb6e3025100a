package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bozzfozz/harmony-sub003/internal/activity"
	"github.com/bozzfozz/harmony-sub003/internal/backoff"
	"github.com/bozzfozz/harmony-sub003/internal/config"
	"github.com/bozzfozz/harmony-sub003/internal/observability"
	"github.com/bozzfozz/harmony-sub003/internal/scheduler"
	"github.com/bozzfozz/harmony-sub003/internal/slskd"
	"github.com/bozzfozz/harmony-sub003/internal/store"
	"github.com/bozzfozz/harmony-sub003/internal/store/downloads"
	"github.com/bozzfozz/harmony-sub003/internal/store/jobs"
	"github.com/bozzfozz/harmony-sub003/internal/store/settings"
	"github.com/bozzfozz/harmony-sub003/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker pool and retry scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.LogJSON)
	metrics := observability.NewMetrics()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()

	downloadStore := downloads.New(db, cfg.Database.Driver)
	if err := downloadStore.Migrate(ctx); err != nil {
		return err
	}
	settingStore := settings.New(db, cfg.Database.Driver)
	if err := settingStore.Migrate(ctx); err != nil {
		return err
	}

	jobStore, err := jobs.Open(cfg.JobsDBPath)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	recorder, closeRecorder, err := buildRecorder(cfg, log)
	if err != nil {
		return err
	}
	defer closeRecorder()

	client, err := slskd.NewHTTPClient(cfg.Slskd)
	if err != nil {
		return err
	}

	policies := backoff.NewPolicyProvider(settingStore, cfg.Retry)
	calc := backoff.NewCalculator(policies, nil)

	applySettingOverrides(ctx, settingStore, cfg, log)

	pool := worker.New(worker.Deps{
		Jobs:      jobStore,
		Downloads: downloadStore,
		Client:    client,
		Activity:  recorder,
		Policies:  policies,
		Backoff:   calc,
		Logger:    log,
		Metrics:   metrics,
	}, cfg.Worker)

	retries := scheduler.New(downloadStore, pool, policies, calc, recorder, log, metrics, cfg.Retry)

	if err := pool.Start(ctx); err != nil {
		return err
	}
	retries.Start(ctx)

	srv := serveHTTP(cfg.ListenAddr, metrics, log)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info("shutting down", "signal", received.String())

	retries.Stop()
	if err := pool.Stop(); err != nil {
		log.Error("worker pool stop failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", "error", err)
	}
	return nil
}

func buildRecorder(cfg *config.Config, log observability.Logger) (activity.Recorder, func(), error) {
	if cfg.Activity.Sink == "amqp" {
		recorder, err := activity.NewAMQPRecorder(cfg.Activity.AMQPURL, cfg.Activity.Exchange, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect activity sink: %w", err)
		}
		return recorder, func() { recorder.Close() }, nil
	}
	return activity.NewLogRecorder(log), func() {}, nil
}

// applySettingOverrides resolves operator-tunable values from the settings
// table. Missing keys keep their environment or default values.
func applySettingOverrides(ctx context.Context, st *settings.Store, cfg *config.Config, log observability.Logger) {
	if raw, ok, err := st.Lookup(ctx, config.KeyConcurrency); err == nil && ok {
		if v, err := strconv.Atoi(raw); err == nil && v >= 1 {
			cfg.Worker.Concurrency = v
		}
	}
	if raw, ok, err := st.Lookup(ctx, config.KeyScanInterval); err == nil && ok {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Retry.ScanInterval = d
		}
	}
	if raw, ok, err := st.Lookup(ctx, config.KeyBatchLimit); err == nil && ok {
		if v, err := strconv.Atoi(raw); err == nil && v >= 1 {
			cfg.Retry.BatchLimit = v
		}
	}
	log.Info("effective settings",
		"concurrency", cfg.Worker.Concurrency,
		"scan_interval", cfg.Retry.ScanInterval.String(),
		"batch_limit", cfg.Retry.BatchLimit)
}

func serveHTTP(addr string, metrics *observability.Metrics, log observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()
	return srv
}
