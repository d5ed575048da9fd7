package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rewardScope/internal/model"
	"rewardScope/internal/storage"
)

const (
	DefaultKeyPrefix = "reward-events:"
	DefaultRetention = 365 * 24 * time.Hour
)

// ErrCorrupt marks a stored record that could not be decoded.
var ErrCorrupt = errors.New("event cache record corrupt")

// Config controls key naming and retention.
type Config struct {
	KeyPrefix string
	// Retention drops events older than now-Retention on merge. Zero keeps everything.
	Retention time.Duration
}

// Store persists per-subject event history in a KV backend.
type Store struct {
	kv     storage.KV
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(kv storage.KV, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{
		kv:     kv,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock used for retention and LastFetchMs.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Key returns the storage key of subject.
func (s *Store) Key(subject string) string {
	return s.cfg.KeyPrefix + strings.ToLower(strings.TrimSpace(subject))
}

// Load returns the cached record of subject. Unreadable data is treated as absent.
func (s *Store) Load(ctx context.Context, subject string) model.EventCacheRecord {
	record, err := s.read(ctx, subject)
	if err != nil {
		s.logger.Warn("event cache unreadable, starting empty",
			zap.String("subject", subject),
			zap.Error(err),
		)
		record = model.EmptyCacheRecord()
		record.Recovered = true
	}
	return record
}

// Merge appends events to the cached record of subject and persists the result.
// The merged record is returned even when persisting fails.
func (s *Store) Merge(ctx context.Context, subject string, events []model.RewardEvent) (model.EventCacheRecord, error) {
	lock := s.lockFor(subject)
	lock.Lock()
	defer lock.Unlock()

	current, readErr := s.read(ctx, subject)
	if readErr != nil {
		s.logger.Warn("event cache unreadable, replacing",
			zap.String("subject", subject),
			zap.Error(readErr),
		)
		current = model.EmptyCacheRecord()
	}

	now := s.now()
	merged := mergeEvents(current.Events, events)
	if s.cfg.Retention > 0 {
		cutoff := now.Add(-s.cfg.Retention).UnixMilli()
		merged = prune(merged, cutoff)
	}

	record := model.EventCacheRecord{
		Events:                merged,
		FirstEventTimestampMs: firstTimestamp(merged),
		LastFetchMs:           now.UnixMilli(),
		Recovered:             readErr != nil,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return record, fmt.Errorf("marshal event cache: %w", err)
	}
	if err := s.kv.Set(ctx, s.Key(subject), string(data)); err != nil {
		return record, fmt.Errorf("persist event cache: %w", err)
	}
	return record, nil
}

func (s *Store) read(ctx context.Context, subject string) (model.EventCacheRecord, error) {
	value, ok, err := s.kv.Get(ctx, s.Key(subject))
	if err != nil {
		return model.EventCacheRecord{}, fmt.Errorf("read event cache: %w", err)
	}
	if !ok || strings.TrimSpace(value) == "" {
		return model.EmptyCacheRecord(), nil
	}

	var record model.EventCacheRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return model.EventCacheRecord{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if record.Events == nil {
		record.Events = []model.RewardEvent{}
	}
	return record, nil
}

func (s *Store) lockFor(subject string) *sync.Mutex {
	key := s.Key(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// mergeEvents dedups by event key with incoming copies replacing existing ones, then sorts ascending.
func mergeEvents(existing, incoming []model.RewardEvent) []model.RewardEvent {
	index := make(map[string]int, len(existing)+len(incoming))
	out := make([]model.RewardEvent, 0, len(existing)+len(incoming))

	for _, batch := range [][]model.RewardEvent{existing, incoming} {
		for _, event := range batch {
			key := event.Key()
			if i, ok := index[key]; ok {
				out[i] = event
				continue
			}
			index[key] = len(out)
			out = append(out, event)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Before(out[j])
	})
	return out
}

// prune drops events with a known timestamp older than cutoffMs.
func prune(events []model.RewardEvent, cutoffMs int64) []model.RewardEvent {
	if cutoffMs <= 0 {
		return events
	}
	out := events[:0]
	for _, event := range events {
		if event.TimestampMs != 0 && int64(event.TimestampMs) < cutoffMs {
			continue
		}
		out = append(out, event)
	}
	return out
}

func firstTimestamp(events []model.RewardEvent) *uint64 {
	var first *uint64
	for _, event := range events {
		if event.TimestampMs == 0 {
			continue
		}
		if first == nil || event.TimestampMs < *first {
			ts := event.TimestampMs
			first = &ts
		}
	}
	return first
}
