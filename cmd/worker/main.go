package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EcrTech/insync-automation/internal/app"
	"github.com/EcrTech/insync-automation/internal/config"
	"github.com/EcrTech/insync-automation/internal/metrics"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9091", "address for the /metrics listener; empty disables it")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Redact()); err != nil {
		log.Fatalf("Failed to configure logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Storage.Type == "memory" {
		log.Fatalf("The worker needs shared storage; memory mode runs the dispatcher inside the server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer stores.Close()

	sink, closeSink := app.NewDecisionSink(cfg.Kafka)
	if closeSink != nil {
		defer closeSink()
	}

	_, dispatcher, err := stores.Automation(cfg.Automation, sink)
	if err != nil {
		log.Fatalf("Invalid automation config: %v", err)
	}

	snd, err := app.NewSender(ctx, cfg.SES)
	if err != nil {
		log.Fatalf("Failed to create sender: %v", err)
	}

	metrics.RegisterWorkerMetrics()
	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("[Worker] metrics listener failed", "error", err)
			}
		}()
	}

	workers := app.StartWorkers(ctx, cfg.Automation, stores, dispatcher, snd)
	logger.Info("[Worker] running",
		"poll_interval", cfg.Automation.PollInterval().String(),
		"lease_ttl", cfg.Automation.LeaseTTL().String(),
		"redis", stores.Redis != nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("[Worker] shutting down")
	cancel()
	workers.Wait()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("[Worker] stopped")
}
