// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

// hearth-queue-runner watches the orchestrator database for queued
// builds, expands them into build steps, and publishes runnable steps
// for the build machines.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"hearth.build/pkg/hearthstore"
	"hearth.build/pkg/internal/queue"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "hearth-queue-runner",
		Short:         "hearth queue runner",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	var configPaths []string
	rootCommand.PersistentFlags().StringArrayVar(&configPaths, "config", nil, "`path` to configuration file (can be passed multiple times)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(
		newRunCommand(&configPaths, showDebug),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

type runOptions struct {
	statusAddr string
	buildOne   int32
}

func newRunCommand(configPaths *[]string, showDebug *bool) *cobra.Command {
	c := &cobra.Command{
		Use:                   "run [options]",
		Short:                 "run the queue monitor",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(runOptions)
	c.Flags().StringVar(&opts.statusAddr, "status-addr", "", "`address` to serve status and metrics on (overrides configuration)")
	c.Flags().Int32Var(&opts.buildOne, "build-one", 0, "only process the build with the given `id` (for debugging)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(*configPaths)
		if err != nil {
			return err
		}
		if *showDebug {
			cfg.Debug = true
		}
		initLogging(cfg.Debug)
		if opts.statusAddr != "" {
			cfg.StatusAddress = opts.statusAddr
		}
		return runQueueRunner(cmd.Context(), cfg, opts)
	}
	return c
}

func runQueueRunner(ctx context.Context, cfg *config, opts *runOptions) error {
	db, err := queue.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf(ctx, "closing database: %v", err)
		}
	}()
	if err := db.Ping(ctx); err != nil {
		return err
	}

	store := hearthstore.NewLocalStore(cfg.StoreDirectory, cfg.RealStoreDirectory)
	openStore := func(ctx context.Context) (hearthstore.Store, error) {
		return store, nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	runnable := queue.NewStepQueue()
	state := queue.New(db, openStore, runnable, &queue.Options{
		LocalPlatforms:    cfg.LocalPlatforms,
		BuildOne:          queue.BuildID(opts.buildOne),
		MetricsRegisterer: registry,
	})
	machines, err := cfg.machines()
	if err != nil {
		return err
	}
	state.SetMachines(machines)

	grp, grpCtx := errgroup.WithContext(ctx)

	if cfg.StatusAddress != "" {
		l, err := net.Listen("tcp", cfg.StatusAddress)
		if err != nil {
			return err
		}
		closer := xcontext.CloseWhenDone(grpCtx, l)
		defer closer.Close()
		log.Infof(ctx, "serving status on %v", l.Addr())
		grp.Go(func() error {
			err := http.Serve(l, newStatusHandler(registry, runnable))
			if grpCtx.Err() != nil {
				return nil
			}
			return err
		})
	}

	grp.Go(func() error {
		return state.QueueMonitor(grpCtx)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf(ctx, "systemd notify: %v", err)
	} else if sent {
		log.Debugf(ctx, "notified systemd of readiness")
	}

	err = grp.Wait()
	if ctx.Err() != nil {
		log.Infof(ctx, "shutting down (signal received)")
		return nil
	}
	return err
}

func newStatusHandler(registry *prometheus.Registry, runnable *queue.StepQueue) http.Handler {
	mux := http.NewServeMux()
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	mux.Handle("/metrics", handlers.MethodHandler{
		http.MethodGet:  metricsHandler,
		http.MethodHead: metricsHandler,
	})
	mux.Handle("/status", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			json.NewEncoder(w).Encode(map[string]any{
				"runnable": runnable.Len(),
			})
		}),
	})
	mux.Handle("/healthz", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("ok\n"))
		}),
	})
	return mux
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "hearth-queue-runner: ", log.StdFlags, nil),
		})
	})
}
