package estimate

import (
	"context"
	"time"
)

// fullAccumulation averages every event inside the retention horizon over the time since the first one.
type fullAccumulation struct {
	retention  time.Duration
	minDaySpan float64
}

func (p *fullAccumulation) Name() string { return FullAccumulation }

func (p *fullAccumulation) Estimate(_ context.Context, in Input) (Result, error) {
	if eventGuard(in) {
		return Result{}, nil
	}

	nowMs := in.Now.UnixMilli()
	selected := since(in.Events, in.Now.Add(-p.retention).UnixMilli())
	if len(selected) < 2 {
		return Result{}, nil
	}

	start, _ := window(selected)
	days := max(float64(nowMs-int64(start))/dayMs, p.minDaySpan)
	daily := rewardUSD(selected, in.Decimals, in.TokenPriceUSD) / days

	return Result{
		APYPercent:    annualize(daily, in.ValuationUSD),
		WindowStartMs: start,
		WindowEndMs:   uint64(max(nowMs, 0)),
		EventsUsed:    len(selected),
	}, nil
}
