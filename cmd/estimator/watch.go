package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rewardScope/internal/observability/metrics"
	"rewardScope/internal/publish"
	"rewardScope/internal/scheduler"
)

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	manager := scheduler.NewManager(a.service, a.cfg.Interval, a.logger)
	server := metrics.Init(a.cfg.MetricsPort, manager, a.logger)

	var publisher *publish.KafkaPublisher
	if len(a.cfg.KafkaBrokers) > 0 {
		publisher = publish.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.logger)
	}

	var wg sync.WaitGroup
	for _, subject := range a.cfg.Subjects {
		feed, err := manager.Watch(ctx, subject)
		if err != nil {
			manager.Stop()
			return err
		}
		if publisher != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				publisher.Forward(ctx, feed)
			}()
		}
	}

	a.logger.Info("watching subjects",
		zap.Int("subjects", len(a.cfg.Subjects)),
		zap.Duration("interval", a.cfg.Interval),
		zap.Int("metrics_port", a.cfg.MetricsPort),
		zap.Bool("kafka", publisher != nil),
	)

	<-ctx.Done()
	a.logger.Info("shutting down")

	manager.Stop()
	wg.Wait()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			a.logger.Warn("close kafka writer", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("metrics server shutdown", zap.Error(err))
	}
	return nil
}
