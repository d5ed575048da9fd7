package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rewardScope/internal/chain"
	"rewardScope/internal/model"
	"rewardScope/internal/observability/metrics"
)

const (
	DefaultChunkSize       uint64 = 20_000
	DefaultInitialLookback uint64 = 259_200
	DefaultConcurrency            = 5
	DefaultChunkTimeout           = 30 * time.Second
	DefaultMaxRetries             = 2
	DefaultRetryBackoff           = 500 * time.Millisecond
)

// Config holds backfill settings. Zero values fall back to the defaults.
type Config struct {
	ChunkSize       uint64
	InitialLookback uint64
	Concurrency     int
	ChunkTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.InitialLookback == 0 {
		c.InitialLookback = DefaultInitialLookback
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// LogSource is the part of the chain client the engine reads from.
type LogSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestampMs(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, filter chain.LogFilter) ([]types.Log, error)
}

// EventCache is the event store the engine merges into.
type EventCache interface {
	Load(ctx context.Context, subject string) model.EventCacheRecord
	Merge(ctx context.Context, subject string, events []model.RewardEvent) (model.EventCacheRecord, error)
}

// Target selects the reward transfers attributed to a subject.
type Target struct {
	SubjectID string
	Token     common.Address
	Receiver  common.Address
	// Sender optionally restricts transfers to a single emitter of rewards.
	Sender *common.Address
}

func (t Target) filter(r BlockRange) chain.LogFilter {
	var from []common.Hash
	if t.Sender != nil {
		from = []common.Hash{chain.AddressTopic(*t.Sender)}
	}
	return chain.LogFilter{
		Addresses:      []common.Address{t.Token},
		EventSignature: chain.TransferTopic(),
		IndexedArgs:    [][]common.Hash{from, {chain.AddressTopic(t.Receiver)}},
		FromBlock:      r.From,
		ToBlock:        r.To,
	}
}

// Result summarizes a backfill run.
type Result struct {
	Record       model.EventCacheRecord
	Cursor       model.BackfillCursor
	Chunks       int
	FailedChunks int
	Fetched      int
	Dropped      int
	// New holds the events fetched by this run, ascending.
	New []model.RewardEvent
}

// Engine fetches the reward events missing from the cache and merges them in.
type Engine struct {
	cfg    Config
	source LogSource
	cache  EventCache
	logger *zap.Logger
}

func NewEngine(cfg Config, source LogSource, cache EventCache, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		source: source,
		cache:  cache,
		logger: logger,
	}
}

// Run backfills target up to the current chain head.
// Failed chunks and timestamp lookups degrade to missing events; only cancellation
// and an unreachable chain head are returned as errors. On a head failure the
// cached record is still returned.
func (e *Engine) Run(ctx context.Context, target Target) (Result, error) {
	if e.source == nil || e.cache == nil {
		return Result{}, fmt.Errorf("backfill engine is not configured")
	}

	record := e.cache.Load(ctx, target.SubjectID)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	result := Result{Record: record}

	head, err := callWithRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, e.logger, func() (uint64, error) {
		return e.source.LatestBlockNumber(ctx)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return result, fmt.Errorf("get latest block: %w", err)
	}

	var lastCached uint64
	last, hasCache := record.LastEvent()
	if hasCache {
		lastCached = last.BlockNumber
	}
	result.Cursor = Cursor(target.SubjectID, lastCached, hasCache, head, e.cfg.InitialLookback)
	if result.Cursor.Empty() {
		e.logger.Debug("nothing to backfill",
			zap.String("subject", target.SubjectID),
			zap.Uint64("last_cached", lastCached),
			zap.Uint64("head", head),
		)
		return result, nil
	}

	ranges, err := SplitRange(result.Cursor.FromBlock, result.Cursor.ToBlock, e.cfg.ChunkSize)
	if err != nil {
		return result, err
	}
	result.Chunks = len(ranges)

	e.logger.Info("backfill start",
		zap.String("subject", target.SubjectID),
		zap.Uint64("from", result.Cursor.FromBlock),
		zap.Uint64("to", result.Cursor.ToBlock),
		zap.Int("chunks", len(ranges)),
	)

	logs, failed, err := e.fetchChunks(ctx, target, ranges)
	if err != nil {
		return Result{}, err
	}
	result.FailedChunks = failed

	events, dropped := e.decode(target, logs)
	events, unresolved, err := e.resolveTimestamps(ctx, target.SubjectID, events)
	if err != nil {
		return Result{}, err
	}
	result.Dropped = dropped + unresolved
	result.Fetched = len(events)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
	result.New = events

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	merged, err := e.cache.Merge(ctx, target.SubjectID, events)
	if err != nil {
		e.logger.Warn("persist event cache failed",
			zap.String("subject", target.SubjectID),
			zap.Error(err),
		)
	}
	merged.Recovered = merged.Recovered || record.Recovered
	result.Record = merged
	metrics.RecordBackfillEvents(len(events))

	e.logger.Info("backfill complete",
		zap.String("subject", target.SubjectID),
		zap.Int("events", len(events)),
		zap.Int("cached", len(merged.Events)),
		zap.Int("failed_chunks", failed),
		zap.Int("dropped", result.Dropped),
	)
	return result, nil
}

type chunkResult struct {
	blocks BlockRange
	logs   []types.Log
	err    error
}

// fetchChunks queries ranges in batches of cfg.Concurrency, awaiting each batch before starting the next.
func (e *Engine) fetchChunks(ctx context.Context, target Target, ranges []BlockRange) ([]types.Log, int, error) {
	var (
		logs   []types.Log
		failed int
	)

	for start := 0; start < len(ranges); start += e.cfg.Concurrency {
		end := min(start+e.cfg.Concurrency, len(ranges))

		p := pool.NewWithResults[chunkResult]().WithMaxGoroutines(e.cfg.Concurrency)
		for _, blocks := range ranges[start:end] {
			p.Go(func() chunkResult {
				return e.fetchChunk(ctx, target, blocks)
			})
		}
		results := p.Wait()

		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		for _, res := range results {
			if res.err != nil {
				failed++
				metrics.RecordBackfillChunk(metrics.Error)
				e.logger.Warn("chunk fetch failed, skipping",
					zap.String("subject", target.SubjectID),
					zap.Uint64("from", res.blocks.From),
					zap.Uint64("to", res.blocks.To),
					zap.Error(res.err),
				)
				continue
			}
			metrics.RecordBackfillChunk(metrics.Success)
			logs = append(logs, res.logs...)
		}
	}

	return logs, failed, nil
}

func (e *Engine) fetchChunk(ctx context.Context, target Target, blocks BlockRange) chunkResult {
	filter := target.filter(blocks)
	logs, err := callWithRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, e.logger, func() ([]types.Log, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		defer cancel()
		logs, err := e.source.FilterLogs(attemptCtx, filter)
		if err == nil {
			return logs, nil
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("chunk %d-%d timed out after %s: %w", blocks.From, blocks.To, e.cfg.ChunkTimeout, err)
		}
		return nil, err
	})
	return chunkResult{blocks: blocks, logs: logs, err: err}
}

// decode re-validates logs against the target and converts them to reward events.
func (e *Engine) decode(target Target, logs []types.Log) ([]model.RewardEvent, int) {
	events := make([]model.RewardEvent, 0, len(logs))
	dropped := 0

	for _, log := range logs {
		if log.Removed || log.Address != target.Token {
			dropped++
			continue
		}
		transfer, err := chain.DecodeTransfer(log)
		if err != nil {
			e.logger.Debug("skip undecodable log",
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err),
			)
			dropped++
			continue
		}
		if transfer.To != target.Receiver || (target.Sender != nil && transfer.From != *target.Sender) {
			dropped++
			continue
		}
		if transfer.Value == nil || transfer.Value.Sign() <= 0 {
			dropped++
			continue
		}

		events = append(events, model.RewardEvent{
			SubjectID:   target.SubjectID,
			From:        transfer.From.Hex(),
			To:          transfer.To.Hex(),
			AmountRaw:   transfer.Value,
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash.Hex(),
			LogIndex:    uint64(log.Index),
		})
	}

	return events, dropped
}

// resolveTimestamps looks up each distinct block once, in batches of cfg.Concurrency.
// Events whose block could not be resolved are dropped.
func (e *Engine) resolveTimestamps(ctx context.Context, subject string, events []model.RewardEvent) ([]model.RewardEvent, int, error) {
	if len(events) == 0 {
		return events, 0, nil
	}

	seen := make(map[uint64]struct{}, len(events))
	blocks := make([]uint64, 0, len(events))
	for _, event := range events {
		if _, ok := seen[event.BlockNumber]; ok {
			continue
		}
		seen[event.BlockNumber] = struct{}{}
		blocks = append(blocks, event.BlockNumber)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	var mu sync.Mutex
	stamps := make(map[uint64]uint64, len(blocks))

	for start := 0; start < len(blocks); start += e.cfg.Concurrency {
		end := min(start+e.cfg.Concurrency, len(blocks))

		var g errgroup.Group
		for _, number := range blocks[start:end] {
			g.Go(func() error {
				ts, err := callWithRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, e.logger, func() (uint64, error) {
					return e.source.BlockTimestampMs(ctx, number)
				})
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return ctxErr
					}
					e.logger.Warn("block timestamp lookup failed, dropping events",
						zap.String("subject", subject),
						zap.Uint64("block_number", number),
						zap.Error(err),
					)
					return nil
				}
				mu.Lock()
				stamps[number] = ts
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, 0, err
		}
	}

	out := events[:0]
	unresolved := 0
	for _, event := range events {
		ts, ok := stamps[event.BlockNumber]
		if !ok {
			unresolved++
			continue
		}
		event.TimestampMs = ts
		out = append(out, event)
	}
	return out, unresolved, nil
}
