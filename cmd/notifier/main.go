package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/fooddash/internal/config"
	"github.com/jogardn/fooddash/internal/events"
	"github.com/jogardn/fooddash/internal/notify"
	"github.com/sirupsen/logrus"
)

func main() {
	replay := flag.Bool("replay-dlq", false, "move dead-lettered notifications back onto order.notifications")
	replayDelay := flag.Duration("replay-delay", 30*time.Second, "wait before replaying each dead letter")
	statsInterval := flag.Duration("stats-interval", time.Minute, "how often to log consumer counters")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load(logger)
	logger.SetLevel(cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *replay {
		runReplayer(ctx, cfg, *replayDelay, *statsInterval, logger)
		return
	}

	var sender notify.Sender = notify.LogSender{Logger: logger}
	if cfg.SMTPAddr != "" {
		sender = notify.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)
	}

	consumer, err := events.NewNotificationConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, events.SenderHandler{Sender: sender}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create notification consumer")
	}
	defer consumer.Close()

	go logEvery(ctx, *statsInterval, func() {
		m := consumer.Metrics()
		logger.WithFields(logrus.Fields{
			"processed": m.ProcessedCount,
			"succeeded": m.SuccessCount,
			"retried":   m.RetryCount,
			"failed":    m.FailureCount,
			"dlq":       m.DLQCount,
		}).Info("Notification consumer stats")
	})

	logger.WithField("group_id", cfg.KafkaGroupID).Info("Notifier started - consuming order.notifications")
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Error("Notification consumer stopped")
	}
	logger.Info("Shutting down notifier...")
}

func runReplayer(ctx context.Context, cfg config.Config, delay, statsInterval time.Duration, logger *logrus.Logger) {
	replayer, err := events.NewDLQReplayer(cfg.KafkaBrokers, cfg.KafkaGroupID+"-dlq", delay, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ replayer")
	}
	defer replayer.Close()

	go logEvery(ctx, statsInterval, func() {
		s := replayer.Stats()
		logger.WithFields(logrus.Fields{
			"replayed": s.Replayed,
			"parked":   s.Parked,
			"failed":   s.Failed,
		}).Info("DLQ replayer stats")
	})

	logger.Info("DLQ replayer started - replaying order.notifications.dlq")
	if err := replayer.Run(ctx); err != nil {
		logger.WithError(err).Error("DLQ replayer stopped")
	}
	logger.Info("Shutting down DLQ replayer...")
}

func logEvery(ctx context.Context, interval time.Duration, log func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log()
		}
	}
}
