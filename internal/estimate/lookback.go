package estimate

import (
	"context"
	"time"
)

// fixedLookback extrapolates the rewards of the last lookback period to a full day.
type fixedLookback struct {
	lookback   time.Duration
	minElapsed time.Duration
}

func (p *fixedLookback) Name() string { return FixedLookback }

func (p *fixedLookback) Estimate(_ context.Context, in Input) (Result, error) {
	if eventGuard(in) {
		return Result{}, nil
	}

	nowMs := in.Now.UnixMilli()
	selected := since(in.Events, in.Now.Add(-p.lookback).UnixMilli())
	if len(selected) < 2 {
		return Result{}, nil
	}

	start, end := window(selected)
	hours := float64(nowMs-int64(start)) / hourMs
	hours = min(max(hours, p.minElapsed.Hours()), p.lookback.Hours())
	daily := rewardUSD(selected, in.Decimals, in.TokenPriceUSD) / hours * 24

	return Result{
		APYPercent:    annualize(daily, in.ValuationUSD),
		WindowStartMs: start,
		WindowEndMs:   end,
		EventsUsed:    len(selected),
	}, nil
}
