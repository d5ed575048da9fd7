package cache

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardScope/internal/model"
	"rewardScope/internal/storage"
)

const subject = "0x1111111111111111111111111111111111111111"

var baseTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(kv storage.KV) *Store {
	return NewStore(kv, Config{Retention: DefaultRetention}, nil).WithClock(func() time.Time { return baseTime })
}

func event(block, logIndex uint64, amount int64, ts time.Time) model.RewardEvent {
	return model.RewardEvent{
		SubjectID:   subject,
		AmountRaw:   big.NewInt(amount),
		BlockNumber: block,
		TxHash:      "0xabc",
		LogIndex:    logIndex,
		TimestampMs: uint64(ts.UnixMilli()),
	}
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	store := newTestStore(storage.NewMemoryKV())

	record := store.Load(context.Background(), subject)
	assert.Empty(t, record.Events)
	assert.Nil(t, record.FirstEventTimestampMs)
	assert.Zero(t, record.LastFetchMs)
	assert.False(t, record.Recovered)
}

func TestLoadCorruptReturnsEmpty(t *testing.T) {
	kv := storage.NewMemoryKV()
	store := newTestStore(kv)
	require.NoError(t, kv.Set(context.Background(), store.Key(subject), "{not json"))

	record := store.Load(context.Background(), subject)
	assert.Empty(t, record.Events)
	assert.True(t, record.Recovered)

	_, err := store.read(context.Background(), subject)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestMergeDedupIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(storage.NewMemoryKV())
	e := event(100, 1, 5, baseTime.Add(-time.Hour))

	once, err := store.Merge(ctx, subject, []model.RewardEvent{e})
	require.NoError(t, err)
	twice, err := store.Merge(ctx, subject, []model.RewardEvent{e})
	require.NoError(t, err)

	require.Len(t, twice.Events, 1)
	assert.Equal(t, once.Events[0].Key(), twice.Events[0].Key())
	assert.Equal(t, 0, once.Events[0].AmountRaw.Cmp(twice.Events[0].AmountRaw))
}

func TestMergePrefersNewCopy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(storage.NewMemoryKV())

	old := event(100, 1, 5, baseTime.Add(-time.Hour))
	old.TimestampMs = 0
	_, err := store.Merge(ctx, subject, []model.RewardEvent{old})
	require.NoError(t, err)

	fresh := event(100, 1, 5, baseTime.Add(-time.Hour))
	record, err := store.Merge(ctx, subject, []model.RewardEvent{fresh})
	require.NoError(t, err)
	require.Len(t, record.Events, 1)
	assert.Equal(t, fresh.TimestampMs, record.Events[0].TimestampMs)
}

func TestMergeKeepsAscendingOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(storage.NewMemoryKV())

	batches := [][]model.RewardEvent{
		{event(300, 0, 1, baseTime.Add(-1*time.Hour)), event(100, 2, 1, baseTime.Add(-3*time.Hour))},
		{event(200, 0, 1, baseTime.Add(-2*time.Hour)), event(100, 1, 1, baseTime.Add(-3*time.Hour))},
		{},
	}
	for _, batch := range batches {
		_, err := store.Merge(ctx, subject, batch)
		require.NoError(t, err)
	}

	record := store.Load(ctx, subject)
	require.Len(t, record.Events, 4)
	for i := 0; i+1 < len(record.Events); i++ {
		assert.LessOrEqual(t, record.Events[i].BlockNumber, record.Events[i+1].BlockNumber)
	}
	assert.Equal(t, uint64(1), record.Events[0].LogIndex)
	require.NotNil(t, record.FirstEventTimestampMs)
	assert.Equal(t, uint64(baseTime.Add(-3*time.Hour).UnixMilli()), *record.FirstEventTimestampMs)
	assert.Equal(t, baseTime.UnixMilli(), record.LastFetchMs)
}

func TestMergePrunesByRetention(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(storage.NewMemoryKV())

	stale := event(10, 0, 1, baseTime.Add(-400*24*time.Hour))
	recent := event(20, 0, 1, baseTime.Add(-10*24*time.Hour))

	record, err := store.Merge(ctx, subject, []model.RewardEvent{stale, recent})
	require.NoError(t, err)
	require.Len(t, record.Events, 1)
	assert.Equal(t, uint64(20), record.Events[0].BlockNumber)
	require.NotNil(t, record.FirstEventTimestampMs)
	assert.Equal(t, recent.TimestampMs, *record.FirstEventTimestampMs)
}

func TestMergeEmptyOnlyTouchesLastFetch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(storage.NewMemoryKV())

	record, err := store.Merge(ctx, subject, nil)
	require.NoError(t, err)
	assert.Empty(t, record.Events)
	assert.Nil(t, record.FirstEventTimestampMs)
	assert.Equal(t, baseTime.UnixMilli(), record.LastFetchMs)
}

type failingKV struct {
	storage.KV
}

func (failingKV) Set(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestMergeReturnsRecordOnPersistFailure(t *testing.T) {
	store := newTestStore(failingKV{KV: storage.NewMemoryKV()})

	record, err := store.Merge(context.Background(), subject, []model.RewardEvent{event(1, 0, 1, baseTime)})
	require.Error(t, err)
	assert.Len(t, record.Events, 1)
}
