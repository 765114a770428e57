// Worker forwards session events from Kafka to Loki and, when INACTIVITY_SWEEP_INTERVAL is set,
// revokes sessions idle for longer than the configured inactivity window.
// Set KAFKA_BROKERS, SESSION_EVENTS_TOPIC, KAFKA_GROUP_ID and LOKI_URL for forwarding.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"devicegate/internal/app"
	"devicegate/internal/config"
	"devicegate/internal/logging"
	"devicegate/internal/session/sweep"
	"devicegate/internal/telemetry/loki"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("worker")

	brokers := cfg.KafkaBrokersList()
	forward := len(brokers) > 0 && cfg.LokiURL != ""
	interval := cfg.SweepInterval()
	if !forward && interval <= 0 {
		logger.Fatal("nothing to do: set KAFKA_BROKERS and LOKI_URL, or INACTIVITY_SWEEP_INTERVAL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if forward {
		client, err := loki.NewClient(cfg.LokiURL, nil)
		if err != nil {
			logger.Fatal("loki", zap.Error(err))
		}
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          cfg.SessionEventsTopic,
			GroupID:        cfg.KafkaGroupID,
			MinBytes:       1,
			MaxBytes:       10e6, // 10MB
			MaxWait:        time.Second,
			CommitInterval: time.Second,
		})
		defer reader.Close()

		logger.Info("forwarding session events",
			zap.String("topic", cfg.SessionEventsTopic),
			zap.String("group", cfg.KafkaGroupID),
			zap.String("loki", cfg.LokiURL))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loki.Forward(ctx, reader, client, logger)
		}()
	}

	if interval > 0 {
		core, err := app.New(cfg, logger, app.Options{Source: "sweep"})
		if err != nil {
			logger.Fatal("core", zap.Error(err))
		}
		defer core.Close()

		sweeper := sweep.New(core.Sessions, core.Settings, core.Events, interval, logger.Named("sweep"))
		logger.Info("inactivity sweep enabled", zap.Duration("interval", interval))
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	logger.Info("stopped")
}
