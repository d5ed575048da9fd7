package estimate

import (
	"context"
	"fmt"
	"math"
	"time"

	"rewardScope/internal/model"
)

// calendarDelta compares the position value against a snapshot at least one gate period old.
// Between gates it holds the previously computed value.
type calendarDelta struct {
	snapshots SnapshotStore
	gate      time.Duration
}

func (p *calendarDelta) Name() string { return CalendarDelta }

func (p *calendarDelta) Estimate(ctx context.Context, in Input) (Result, error) {
	nowMs := in.Now.UnixMilli()
	if in.Preview {
		return p.preview(ctx, in.Subject, nowMs)
	}
	if invalidRate(in.PositionBalanceUSD) || math.IsNaN(in.PositionValueUSD) || in.PositionValueUSD < 0 {
		return Result{}, nil
	}

	prev, ok, err := p.snapshots.Load(ctx, in.Subject)
	if err != nil {
		return Result{}, fmt.Errorf("load balance snapshot: %w", err)
	}

	if !ok {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		baseline := model.BalanceSnapshot{ValueUSD: in.PositionValueUSD, TimestampMs: nowMs}
		if err := p.snapshots.Save(ctx, in.Subject, baseline); err != nil {
			return Result{}, fmt.Errorf("save balance snapshot: %w", err)
		}
		return Result{WindowStartMs: uint64(nowMs), WindowEndMs: uint64(nowMs)}, nil
	}

	if nowMs-prev.TimestampMs < p.gate.Milliseconds() {
		return Result{
			APYPercent:    clampAPY(prev.APYPercent),
			WindowStartMs: uint64(prev.TimestampMs),
			WindowEndMs:   uint64(nowMs),
			Held:          true,
		}, nil
	}

	apy := clampAPY((in.PositionValueUSD - prev.ValueUSD) / in.PositionBalanceUSD * daysInYear * 100)
	next := model.BalanceSnapshot{ValueUSD: in.PositionValueUSD, TimestampMs: nowMs, APYPercent: apy}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := p.snapshots.Save(ctx, in.Subject, next); err != nil {
		return Result{}, fmt.Errorf("save balance snapshot: %w", err)
	}

	return Result{
		APYPercent:    apy,
		WindowStartMs: uint64(prev.TimestampMs),
		WindowEndMs:   uint64(nowMs),
	}, nil
}

// preview reports the stored estimate without touching the snapshot.
func (p *calendarDelta) preview(ctx context.Context, subject string, nowMs int64) (Result, error) {
	prev, ok, err := p.snapshots.Load(ctx, subject)
	if err != nil {
		return Result{}, fmt.Errorf("load balance snapshot: %w", err)
	}
	if !ok {
		return Result{}, nil
	}
	return Result{
		APYPercent:    clampAPY(prev.APYPercent),
		WindowStartMs: uint64(prev.TimestampMs),
		WindowEndMs:   uint64(nowMs),
		Held:          true,
	}, nil
}
