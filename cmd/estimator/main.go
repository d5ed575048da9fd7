package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rewardScope/internal/backfill"
	"rewardScope/internal/scheduler"
)

func init() {
	// .env is optional
	_ = godotenv.Load()
}

func main() {
	root := &cobra.Command{
		Use:          "estimator",
		Short:        "Reward event backfill and APY estimation",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfill reward events for the configured subjects",
		RunE:  runBackfill,
	}
	addCommonFlags(backfillCmd)
	backfillCmd.Flags().String("export", "", "append newly fetched reward events to this JSONL file")
	root.AddCommand(backfillCmd)

	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Backfill and print one APY estimate per subject as JSON",
		RunE:  runEstimate,
	}
	addCommonFlags(estimateCmd)
	root.AddCommand(estimateCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Refresh estimates periodically and serve them",
		RunE:  runWatch,
	}
	addCommonFlags(watchCmd)
	watchCmd.Flags().Duration("interval", scheduler.DefaultInterval, "refresh interval (1m to 1h)")
	watchCmd.Flags().Int("metrics-port", 2112, "port serving /metrics and /estimates")
	watchCmd.Flags().StringSlice("kafka-brokers", nil, "Kafka brokers (comma-separated); publishing is disabled when empty")
	watchCmd.Flags().String("kafka-topic", "reward-estimates", "Kafka topic for estimates")
	root.AddCommand(watchCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "RPC URL")
	cmd.Flags().String("store-backend", "file", "event cache backend (memory, file, redis, postgres)")
	cmd.Flags().String("store-dir", "./data/cache", "directory of the file backend")
	cmd.Flags().String("redis-addr", "localhost:6379", "redis address")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN")
	cmd.Flags().Uint64("chunk-size", backfill.DefaultChunkSize, "blocks per log query")
	cmd.Flags().Uint64("lookback", backfill.DefaultInitialLookback, "blocks scanned on cold start")
	cmd.Flags().Int("concurrency", backfill.DefaultConcurrency, "log queries in flight per batch")
	cmd.Flags().Duration("chunk-timeout", 30*time.Second, "timeout of a single log query")
	cmd.Flags().Int("max-retries", backfill.DefaultMaxRetries, "retries per chain call")
	cmd.Flags().Duration("retry-backoff", backfill.DefaultRetryBackoff, "initial retry backoff")
	cmd.Flags().String("price-api-key", "", "price API key")
	cmd.Flags().String("policy", "rolling-window", "default estimate policy")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
