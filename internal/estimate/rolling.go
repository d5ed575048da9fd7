package estimate

import "context"

// rollingWindow extrapolates the reward rate of the most recent events.
type rollingWindow struct {
	window     int
	minDaySpan float64
}

func (p *rollingWindow) Name() string { return RollingWindow }

func (p *rollingWindow) Estimate(_ context.Context, in Input) (Result, error) {
	if eventGuard(in) || len(in.Events) < 2 {
		return Result{}, nil
	}

	selected := in.Events
	if len(selected) > p.window {
		selected = selected[len(selected)-p.window:]
	}

	start, end := window(selected)
	days := max(float64(end-start)/dayMs, p.minDaySpan)
	daily := rewardUSD(selected, in.Decimals, in.TokenPriceUSD) / days

	return Result{
		APYPercent:    annualize(daily, in.ValuationUSD),
		WindowStartMs: start,
		WindowEndMs:   end,
		EventsUsed:    len(selected),
	}, nil
}
