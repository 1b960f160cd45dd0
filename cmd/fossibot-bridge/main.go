// Command fossibot-bridge connects to the Fossibot/Sydpower cloud backend,
// polls device state over MQTT, and exposes it via a health endpoint and
// Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fossibot-bridge/pkg/config"
	"fossibot-bridge/pkg/connector"
	"fossibot-bridge/pkg/coordinator"
	"fossibot-bridge/pkg/httpapi"
	"fossibot-bridge/pkg/logger"
	"fossibot-bridge/pkg/metrics"
)

const version = "0.1.0"

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewSmartLogger(logger.NewLogger(&cfg.Logging))

	conn := connector.New(cfg.Username, cfg.Password, cfg.DeveloperMode, log)

	coord := coordinator.NewCoordinator(conn,
		coordinator.WithPollInterval(cfg.PollInterval()),
		coordinator.WithHealthCheckInterval(cfg.HealthCheckInterval()),
		coordinator.WithStaleThreshold(cfg.StaleAfter()),
		coordinator.WithLogger(log),
	)
	coord.OnDisconnect(func(reasonCode byte) {
		log.Warn("connection dropped, reason code %d", reasonCode)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	startCtx, startCancel := context.WithTimeout(ctx, 45*time.Second)
	defer startCancel()
	if err := coord.Start(startCtx); err != nil {
		log.Error("failed to start: %v", err)
		os.Exit(1)
	}
	log.Info("fossibot-bridge started, polling every %v", cfg.PollInterval())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go reportMetricsLoop(ctx, coord, m, cfg.Username)

	healthHandler := httpapi.NewHealthHandler(coord, version)
	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler)
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server stopped: %v", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped: %v", err)
		}
	}()

	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = healthServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error: %v", err)
	}
	log.Info("fossibot-bridge stopped")
}

// reportMetricsLoop mirrors the coordinator's online/offline verdict into
// the connection gauge until ctx is cancelled.
func reportMetricsLoop(ctx context.Context, coord *coordinator.Coordinator, m *metrics.Metrics, account string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(account, coord.IsOnline())
		}
	}
}
