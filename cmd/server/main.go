package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/EcrTech/insync-automation/internal/api"
	"github.com/EcrTech/insync-automation/internal/app"
	"github.com/EcrTech/insync-automation/internal/config"
	"github.com/EcrTech/insync-automation/internal/intake"
	"github.com/EcrTech/insync-automation/internal/metrics"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
	"github.com/EcrTech/insync-automation/internal/service/suppression"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Redact()); err != nil {
		log.Fatalf("Failed to configure logger: %v", err)
	}
	defer logger.Sync()

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

	engine, dispatcher, err := stores.Automation(cfg.Automation, sink)
	if err != nil {
		log.Fatalf("Invalid automation config: %v", err)
	}
	suppressions := suppression.NewService(stores.Suppression)

	metrics.RegisterEngineMetrics()

	var consumers []*intake.Consumer
	if cfg.SQS.EventsQueueURL != "" || cfg.SQS.FeedbackQueueURL != "" {
		client, err := app.NewSQSClient(ctx, cfg.SQS.Region)
		if err != nil {
			log.Fatalf("Failed to create SQS client: %v", err)
		}
		if cfg.SQS.EventsQueueURL != "" {
			consumers = append(consumers, intake.NewConsumer("events", client, cfg.SQS.EventsQueueURL, intake.NewEventHandler(engine)))
		}
		if cfg.SQS.FeedbackQueueURL != "" {
			consumers = append(consumers, intake.NewConsumer("ses-feedback", client, cfg.SQS.FeedbackQueueURL, intake.NewFeedbackHandler(suppressions)))
		}
	}
	for _, c := range consumers {
		c.Start(ctx)
	}

	// Memory storage cannot be shared with a separate worker process, so
	// the dispatch loop runs here.
	var workers *sync.WaitGroup
	if stores.Memory != nil {
		metrics.RegisterWorkerMetrics()
		snd, err := app.NewSender(ctx, cfg.SES)
		if err != nil {
			log.Fatalf("Failed to create sender: %v", err)
		}
		workers = app.StartWorkers(ctx, cfg.Automation, stores, dispatcher, snd)
		logger.Info("[Server] dispatch worker running in-process")
	}

	server := api.NewServer(cfg.Server, api.Deps{
		Engine:       engine,
		Dispatcher:   dispatcher,
		Ledger:       stores.Ledger,
		Rules:        stores.Rules,
		Suppressions: suppressions,
		DB:           stores.DB,
		Redis:        stores.Redis,
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("[Server] listening", "addr", cfg.Server.Addr(), "storage", cfg.Storage.Type)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	logger.Info("[Server] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] shutdown error", "error", err)
	}

	cancel()
	for _, c := range consumers {
		c.Stop()
	}
	if workers != nil {
		workers.Wait()
	}
	logger.Info("[Server] stopped")
}
