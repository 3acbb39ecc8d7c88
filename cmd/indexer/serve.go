package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/weisyn/indexer/internal/log"
)

const shutdownTimeout = 10 * time.Second

var metricsAddr string

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9102", "listen address for the /metrics endpoint")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexer daemon: register every known index and tail the node until stopped",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	env, _ := cmd.Flags().GetString("env")
	ctx := cmd.Context()

	a, err := newApp(ctx, env)
	if err != nil {
		return err
	}
	defer a.close()

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", log.F("err", err.Error()))
		}
	}()

	sup, rt, err := a.buildSupervisor(ctx, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		sup.Run(runCtx)
	}()

	if err := registerFromRegistry(runCtx, sup, a.registry, a.logger); err != nil {
		a.logger.Error("startup registration failed", log.F("err", err.Error()))
	}
	a.logger.Info("indexer daemon started", log.F("metrics_addr", metricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	a.logger.Info("shutdown signal received, stopping")

	cancel()
	<-supDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("metrics server shutdown error", log.F("err", err.Error()))
	}
	if err := rt.Close(shutdownCtx); err != nil {
		a.logger.Warn("wasm runtime close error", log.F("err", err.Error()))
	}

	a.logger.Info("indexer daemon stopped")
	return nil
}
