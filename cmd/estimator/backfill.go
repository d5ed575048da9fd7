package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rewardScope/internal/service"
	"rewardScope/internal/storage"
)

func runBackfill(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var exporter *storage.EventExporter
	if path, _ := cmd.Flags().GetString("export"); path != "" {
		exporter = storage.NewEventExporter(path)
	}

	for _, subject := range a.cfg.Subjects {
		target, err := service.Target(subject)
		if err != nil {
			return err
		}

		result, err := a.engine.Run(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("backfill failed", zap.String("subject", subject.ID()), zap.Error(err))
			continue
		}

		a.logger.Info("subject backfilled",
			zap.String("subject", subject.ID()),
			zap.Uint64("from", result.Cursor.FromBlock),
			zap.Uint64("to", result.Cursor.ToBlock),
			zap.Int("chunks", result.Chunks),
			zap.Int("failed_chunks", result.FailedChunks),
			zap.Int("fetched", result.Fetched),
			zap.Int("cached", len(result.Record.Events)),
		)

		if exporter != nil {
			written, err := exporter.Export(result.New)
			if err != nil {
				return err
			}
			a.logger.Info("events exported", zap.String("subject", subject.ID()), zap.Int("written", written))
		}
	}
	return nil
}
