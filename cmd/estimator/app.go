package main

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rewardScope/internal/backfill"
	"rewardScope/internal/cache"
	"rewardScope/internal/chain"
	"rewardScope/internal/config"
	"rewardScope/internal/estimate"
	"rewardScope/internal/price"
	"rewardScope/internal/service"
	"rewardScope/internal/storage"
	"rewardScope/internal/storage/postgres"
	"rewardScope/internal/valuation"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	chain   *chain.Client
	engine  *backfill.Engine
	service *service.Service
	closers []func()
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	a.chain = chainClient
	a.closers = append(a.closers, chainClient.Close)

	kv, err := a.openKV(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	store := cache.NewStore(kv, cache.Config{
		KeyPrefix: cfg.CachePrefix,
		Retention: cfg.Retention,
	}, logger)

	a.engine = backfill.NewEngine(backfill.Config{
		ChunkSize:       cfg.ChunkSize,
		InitialLookback: cfg.InitialLookback,
		Concurrency:     cfg.Concurrency,
		ChunkTimeout:    cfg.ChunkTimeout,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
	}, chainClient, store, logger)

	oracle := price.NewOracle(price.Config{
		BaseURL:           cfg.PriceBaseURL,
		APIKey:            cfg.PriceAPIKey,
		RequestsPerSecond: cfg.PriceRPS,
		RetryMax:          cfg.PriceRetries,
		Defaults:          cfg.PriceDefaults,
	}, logger)

	decimals := chain.NewDecimalsCache(chainClient)

	a.service = service.New(service.Deps{
		Cache:    store,
		Backfill: a.engine,
		Prices:   oracle,
		Valuer:   valuation.NewChainValuer(chainClient, decimals, oracle, logger),
		Decimals: decimals,
		Inputs:   kv,
	}, estimate.Options{
		Window:     cfg.Window,
		MinDaySpan: cfg.MinDaySpan,
		Retention:  cfg.Retention,
		Snapshots:  estimate.NewKVSnapshots(kv, estimate.DefaultSnapshotPrefix),
	}, logger)

	logger.Info("estimator ready",
		zap.String("rpc", cfg.RPCURL),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Int("subjects", len(cfg.Subjects)),
		zap.Uint64("chunk_size", cfg.ChunkSize),
		zap.Uint64("lookback", cfg.InitialLookback),
		zap.Int("concurrency", cfg.Concurrency),
	)
	return a, nil
}

func (a *app) openKV(ctx context.Context) (storage.KV, error) {
	switch a.cfg.StoreBackend {
	case config.StoreMemory:
		return storage.NewMemoryKV(), nil
	case config.StoreFile:
		return storage.NewFileKV(a.cfg.StoreDir)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return storage.NewRedisKV(client), nil
	case config.StorePostgres:
		store, err := postgres.NewStore(ctx, a.cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", a.cfg.StoreBackend)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
