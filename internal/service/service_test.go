package service

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardScope/internal/backfill"
	"rewardScope/internal/cache"
	"rewardScope/internal/estimate"
	"rewardScope/internal/model"
	"rewardScope/internal/price"
	"rewardScope/internal/scheduler"
	"rewardScope/internal/storage"
	"rewardScope/internal/valuation"
)

var testSubject = model.Subject{
	Address:       "0x1111111111111111111111111111111111111111",
	RewardToken:   "0x3333333333333333333333333333333333333333",
	RewardPriceID: "metis",
	StaticTVLUSD:  1_000_000,
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// fakeBackfill merges a fixed batch into the cache, like a successful run of the engine.
type fakeBackfill struct {
	store   *cache.Store
	events  []model.RewardEvent
	err     error
	targets []backfill.Target
}

func (f *fakeBackfill) Run(ctx context.Context, target backfill.Target) (backfill.Result, error) {
	f.targets = append(f.targets, target)
	if f.err != nil {
		return backfill.Result{Record: f.store.Load(ctx, target.SubjectID)}, f.err
	}
	record, err := f.store.Merge(ctx, target.SubjectID, f.events)
	return backfill.Result{Record: record}, err
}

type panicValuer struct{}

func (panicValuer) Value(context.Context, model.Subject) (valuation.Valuation, error) {
	panic("boom")
}

type fixedDecimals uint8

func (d fixedDecimals) Decimals(context.Context, common.Address) (uint8, error) {
	return uint8(d), nil
}

func scenarioEvents() []model.RewardEvent {
	return []model.RewardEvent{
		{SubjectID: testSubject.ID(), AmountRaw: tokens(10), BlockNumber: 1, TxHash: "0x01", TimestampMs: 0},
		{SubjectID: testSubject.ID(), AmountRaw: tokens(20), BlockNumber: 2, TxHash: "0x02", TimestampMs: 86_400_000},
	}
}

func newTestService(kv storage.KV, bf *fakeBackfill, prices price.Source) (*Service, *cache.Store) {
	store := cache.NewStore(kv, cache.Config{Retention: -1}, nil)
	if bf != nil {
		bf.store = store
	}
	svc := New(Deps{
		Cache:    store,
		Backfill: bf,
		Prices:   prices,
		Valuer:   valuation.Static{},
		Decimals: fixedDecimals(18),
	}, estimate.Options{}, nil).WithClock(func() time.Time { return time.UnixMilli(86_400_000) })
	return svc, store
}

func TestRefreshComputesEstimate(t *testing.T) {
	bf := &fakeBackfill{events: scenarioEvents()}
	svc, _ := newTestService(storage.NewMemoryKV(), bf, price.Static{"metis": 2})

	est, err := svc.Refresh(context.Background(), testSubject)
	require.NoError(t, err)

	assert.InDelta(t, 2.19, est.APYPercent, 1e-9)
	assert.False(t, est.IsLoading)
	assert.Empty(t, est.Error)
	assert.Equal(t, estimate.RollingWindow, est.Policy)
	assert.Equal(t, 2, est.EventsUsed)

	require.Len(t, bf.targets, 1)
	assert.Equal(t, common.HexToAddress(testSubject.Address), bf.targets[0].Receiver)
	assert.Nil(t, bf.targets[0].Sender)
}

func TestSnapshotRequiresCache(t *testing.T) {
	bf := &fakeBackfill{events: scenarioEvents()}
	svc, _ := newTestService(storage.NewMemoryKV(), bf, price.Static{"metis": 2})

	_, ok := svc.Snapshot(context.Background(), testSubject)
	assert.False(t, ok)

	_, err := svc.Refresh(context.Background(), testSubject)
	require.NoError(t, err)

	est, ok := svc.Snapshot(context.Background(), testSubject)
	require.True(t, ok)
	assert.InDelta(t, 2.19, est.APYPercent, 1e-9)
}

func TestRefreshSurfacesPriceFallback(t *testing.T) {
	bf := &fakeBackfill{events: scenarioEvents()}
	svc, _ := newTestService(storage.NewMemoryKV(), bf, price.Static{})

	est, err := svc.Refresh(context.Background(), testSubject)
	require.NoError(t, err)
	assert.Zero(t, est.APYPercent)
	assert.Equal(t, WarnPriceFallback, est.Error)
}

func TestRefreshSurfacesCacheRecovery(t *testing.T) {
	kv := storage.NewMemoryKV()
	bf := &fakeBackfill{events: scenarioEvents()}
	svc, store := newTestService(kv, bf, price.Static{"metis": 2})
	require.NoError(t, kv.Set(context.Background(), store.Key(testSubject.ID()), "not-json"))

	est, err := svc.Refresh(context.Background(), testSubject)
	require.NoError(t, err)
	assert.Equal(t, WarnCacheRecovered, est.Error)
	assert.InDelta(t, 2.19, est.APYPercent, 1e-9)
}

func TestRefreshBackfillFailureUsesCache(t *testing.T) {
	bf := &fakeBackfill{events: scenarioEvents()}
	svc, store := newTestService(storage.NewMemoryKV(), bf, price.Static{"metis": 2})
	_, err := store.Merge(context.Background(), testSubject.ID(), scenarioEvents())
	require.NoError(t, err)

	bf.err = errors.New("head unavailable")
	est, err := svc.Refresh(context.Background(), testSubject)
	require.NoError(t, err)
	assert.InDelta(t, 2.19, est.APYPercent, 1e-9)
}

func TestComputeRecoversPanics(t *testing.T) {
	store := cache.NewStore(storage.NewMemoryKV(), cache.Config{}, nil)
	svc := New(Deps{
		Cache:    store,
		Backfill: &fakeBackfill{store: store, events: scenarioEvents()},
		Prices:   price.Static{"metis": 2},
		Valuer:   panicValuer{},
	}, estimate.Options{}, nil)

	est, err := svc.Refresh(context.Background(), testSubject)
	require.NoError(t, err)
	assert.Equal(t, WarnEstimateFailed, est.Error)
	assert.Zero(t, est.APYPercent)
	assert.False(t, est.IsLoading)
}

func TestRefreshUnknownPolicy(t *testing.T) {
	bf := &fakeBackfill{events: scenarioEvents()}
	svc, _ := newTestService(storage.NewMemoryKV(), bf, price.Static{"metis": 2})

	subject := testSubject
	subject.Policy = "median"
	est, err := svc.Refresh(context.Background(), subject)
	require.NoError(t, err)
	assert.Equal(t, WarnEstimateFailed, est.Error)
}

func TestRefreshCancelled(t *testing.T) {
	bf := &fakeBackfill{events: scenarioEvents()}
	svc, _ := newTestService(storage.NewMemoryKV(), bf, price.Static{"metis": 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Refresh(ctx, testSubject)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTargetValidation(t *testing.T) {
	_, err := Target(model.Subject{Address: testSubject.Address, RewardToken: "nope"})
	require.Error(t, err)

	subject := testSubject
	subject.Receiver = "0x7777777777777777777777777777777777777777"
	subject.Sender = "0x8888888888888888888888888888888888888888"
	target, err := Target(subject)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(subject.Receiver), target.Receiver)
	require.NotNil(t, target.Sender)
	assert.Equal(t, testSubject.ID(), target.SubjectID)
}

// slowPrices answers live lookups only after release is closed or the caller gives up.
type slowPrices struct {
	cached  price.Static
	release chan struct{}
	live    atomic.Int32
}

func (p *slowPrices) SpotPrice(ctx context.Context, id string) price.Quote {
	p.live.Add(1)
	select {
	case <-p.release:
		return p.cached.SpotPrice(ctx, id)
	case <-ctx.Done():
		return price.Quote{Fallback: true, Source: price.SourceNone}
	}
}

func (p *slowPrices) CachedPrice(id string) price.Quote {
	return p.cached.CachedPrice(id)
}

// countingValuer reports the static figures and counts lookups.
type countingValuer struct {
	calls atomic.Int32
	tvl   float64
}

func (v *countingValuer) Value(_ context.Context, subject model.Subject) (valuation.Valuation, error) {
	v.calls.Add(1)
	return valuation.Valuation{TVLUSD: v.tvl, PositionBalanceUSD: subject.PrincipalUSD}, nil
}

func TestCachedSubjectPublishesBeforeNetwork(t *testing.T) {
	prices := &slowPrices{cached: price.Static{"metis": 2}, release: make(chan struct{})}
	bf := &fakeBackfill{events: scenarioEvents()}
	svc, store := newTestService(storage.NewMemoryKV(), bf, prices)
	_, err := store.Merge(context.Background(), testSubject.ID(), scenarioEvents())
	require.NoError(t, err)

	manager := scheduler.NewManager(svc, time.Hour, nil)
	defer manager.Stop()
	defer close(prices.release)

	feed, err := manager.Watch(context.Background(), testSubject)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		est := feed.Get()
		return !est.IsLoading && est.EventsUsed == 2
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 2.19, feed.Get().APYPercent, 1e-9)
	assert.Empty(t, feed.Get().Error)
}

func TestSnapshotReusesLastValuation(t *testing.T) {
	kv := storage.NewMemoryKV()
	valuer := &countingValuer{tvl: 500_000}
	store := cache.NewStore(kv, cache.Config{Retention: -1}, nil)
	newService := func() *Service {
		return New(Deps{
			Cache:    store,
			Backfill: &fakeBackfill{store: store, events: scenarioEvents()},
			Prices:   price.Static{"metis": 2},
			Valuer:   valuer,
			Decimals: fixedDecimals(18),
			Inputs:   kv,
		}, estimate.Options{}, nil)
	}

	subject := testSubject
	subject.StaticTVLUSD = 0
	svc := newService()
	_, err := svc.Refresh(context.Background(), subject)
	require.NoError(t, err)
	require.Equal(t, int32(1), valuer.calls.Load())

	est, ok := svc.Snapshot(context.Background(), subject)
	require.True(t, ok)
	assert.InDelta(t, 4.38, est.APYPercent, 1e-9)

	// a restarted service reads the remembered valuation back
	est, ok = newService().Snapshot(context.Background(), subject)
	require.True(t, ok)
	assert.InDelta(t, 4.38, est.APYPercent, 1e-9)
	assert.Equal(t, int32(1), valuer.calls.Load())
}

func TestSnapshotDoesNotAdvanceCalendarState(t *testing.T) {
	kv := storage.NewMemoryKV()
	store := cache.NewStore(kv, cache.Config{Retention: -1}, nil)
	snapshots := estimate.NewKVSnapshots(kv, "")
	svc := New(Deps{
		Cache:    store,
		Backfill: &fakeBackfill{store: store, events: scenarioEvents()},
		Prices:   price.Static{"metis": 2},
		Valuer:   valuation.Static{},
		Decimals: fixedDecimals(18),
	}, estimate.Options{Snapshots: snapshots}, nil)
	_, err := store.Merge(context.Background(), testSubject.ID(), scenarioEvents())
	require.NoError(t, err)

	subject := testSubject
	subject.Policy = estimate.CalendarDelta
	subject.PrincipalUSD = 1000
	_, ok := svc.Snapshot(context.Background(), subject)
	require.True(t, ok)

	_, found, err := snapshots.Load(context.Background(), subject.ID())
	require.NoError(t, err)
	assert.False(t, found)
}
