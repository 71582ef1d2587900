package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/venustools/tankbridge/internal/buildinfo"
	"github.com/venustools/tankbridge/internal/bus"
	"github.com/venustools/tankbridge/internal/config"
	"github.com/venustools/tankbridge/internal/metrics"
	"github.com/venustools/tankbridge/internal/service"
	"github.com/venustools/tankbridge/internal/settings"
	"github.com/venustools/tankbridge/internal/status"
	"github.com/venustools/tankbridge/internal/utils"
)

func main() {
	buildinfo.PrintBuildInfo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.New()
	logger := cfg.Logger
	defer logger.Sync()

	logger.Infof("Bridge config: StatusAddr=%s, SettingsPath=%q, PollInterval=%ds, TickInterval=%ds, WatchdogTicks=%d",
		cfg.StatusAddr,
		cfg.SettingsPath,
		cfg.PollInterval,
		cfg.TickInterval,
		cfg.WatchdogTicks,
	)

	if err := os.MkdirAll(filepath.Dir(cfg.SettingsPath), 0755); err != nil {
		logger.Fatal(err)
	}
	store, err := settings.NewFileStore(cfg.SettingsPath, service.Specs(), logger)
	if err != nil {
		logger.Fatal(err)
	}
	if err := store.Watch(ctx); err != nil {
		logger.Fatal(err)
	}

	var conn *bus.DBusConn
	err = utils.WithRetry(ctx, func() error {
		var err error
		conn, err = bus.ConnectDBus(logger)
		return err
	})
	if err != nil {
		logger.Fatal(err)
	}
	defer conn.Close()

	met := metrics.New(prometheus.DefaultRegisterer)
	svc, err := service.New(conn, store, service.Config{
		PollInterval:  time.Duration(cfg.PollInterval) * time.Second,
		TickInterval:  time.Duration(cfg.TickInterval) * time.Second,
		WatchdogTicks: cfg.WatchdogTicks,
		FallbackPolls: cfg.FallbackPolls,
		ScanEvery:     cfg.ScanEvery,
	}, logger, met)
	if err != nil {
		logger.Fatal(err)
	}

	statusSrv := status.NewServer(svc, prometheus.DefaultGatherer, cfg.StatusAddr, logger)
	go func() {
		if err := statusSrv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("status server stopped: %v", err)
		}
	}()

	if err := svc.Run(ctx); err != nil {
		logger.Fatal(err)
	}
}
