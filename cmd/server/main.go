package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mqttbroker/lighthouse-server/internal/audit"
	"github.com/mqttbroker/lighthouse-server/internal/broker"
	"github.com/mqttbroker/lighthouse-server/internal/config"
	"github.com/mqttbroker/lighthouse-server/internal/logging"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("configuration loaded",
		zap.String("path", *configPath),
		zap.String("bind", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Uint8("max_qos", cfg.QoS.MaxQoS),
	)

	// The audit journal is a forensic side-channel, not broker state;
	// a failure to open it should not prevent the broker from serving
	// clients.
	var journal *audit.Journal
	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Warn("failed to create audit storage directory", zap.Error(err))
		}
	}
	journal, err = audit.Open(cfg.Storage.Path)
	if err != nil {
		log.Warn("audit journal disabled", zap.Error(err))
		journal = nil
	} else {
		defer journal.Close()
	}

	srv, err := broker.New(cfg, log, journal)
	if err != nil {
		log.Fatal("failed to create broker", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("metrics server starting", zap.String("addr", addr), zap.String("path", cfg.Metrics.Path))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Error("broker stopped", zap.Error(err))
		}
	}()

	log.Info("mqtt broker started",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if err := srv.Stop(); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}
	log.Info("broker stopped gracefully")
}
