package estimate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rewardScope/internal/model"
)

const (
	RollingWindow    = "rolling-window"
	FullAccumulation = "full-accumulation"
	FixedLookback    = "fixed-lookback"
	CalendarDelta    = "calendar-delta"

	// DefaultPolicy is used when a subject does not name one.
	DefaultPolicy = RollingWindow

	DefaultWindow     = 3
	DefaultMinDaySpan = 0.01
	DefaultRetention  = 365 * 24 * time.Hour
	DefaultLookback   = 24 * time.Hour
	DefaultMinElapsed = time.Hour
	DefaultGate       = 24 * time.Hour

	dayMs      = float64(24 * time.Hour / time.Millisecond)
	hourMs     = float64(time.Hour / time.Millisecond)
	daysInYear = 365
)

// ErrUnknownPolicy is returned by NewPolicy for names it does not know.
var ErrUnknownPolicy = errors.New("unknown estimate policy")

// Input is everything a policy may read for one computation.
type Input struct {
	Subject string
	// Events are ascending by block and must not be modified.
	Events        []model.RewardEvent
	Decimals      uint8
	TokenPriceUSD float64
	// ValuationUSD normalizes reward flow into a rate, usually the subject TVL.
	ValuationUSD       float64
	PositionValueUSD   float64
	PositionBalanceUSD float64
	Now                time.Time
	// Preview computes without persisting policy state.
	Preview bool
}

// Result is the outcome of one computation. Window bounds are zero when no events were used.
type Result struct {
	APYPercent    float64
	WindowStartMs uint64
	WindowEndMs   uint64
	EventsUsed    int
	// Held is set when a policy returned its previous value instead of recomputing.
	Held bool
}

// Policy turns an event history and a valuation into an annualized yield.
type Policy interface {
	Name() string
	Estimate(ctx context.Context, in Input) (Result, error)
}

// Options tunes the policies. Zero values fall back to the defaults.
type Options struct {
	Window     int
	MinDaySpan float64
	Retention  time.Duration
	Lookback   time.Duration
	MinElapsed time.Duration
	Gate       time.Duration
	// Snapshots is required by the calendar-delta policy.
	Snapshots SnapshotStore
}

func (o Options) withDefaults() Options {
	if o.Window < 2 {
		o.Window = DefaultWindow
	}
	if o.MinDaySpan <= 0 {
		o.MinDaySpan = DefaultMinDaySpan
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Lookback <= 0 {
		o.Lookback = DefaultLookback
	}
	if o.MinElapsed <= 0 {
		o.MinElapsed = DefaultMinElapsed
	}
	if o.MinElapsed > o.Lookback {
		o.MinElapsed = o.Lookback
	}
	if o.Gate <= 0 {
		o.Gate = DefaultGate
	}
	return o
}

// Names lists the known policy names.
func Names() []string {
	return []string{RollingWindow, FullAccumulation, FixedLookback, CalendarDelta}
}

// NewPolicy builds the named policy.
func NewPolicy(name string, opts Options) (Policy, error) {
	opts = opts.withDefaults()

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", RollingWindow:
		return &rollingWindow{window: opts.Window, minDaySpan: opts.MinDaySpan}, nil
	case FullAccumulation:
		return &fullAccumulation{retention: opts.Retention, minDaySpan: opts.MinDaySpan}, nil
	case FixedLookback:
		return &fixedLookback{lookback: opts.Lookback, minElapsed: opts.MinElapsed}, nil
	case CalendarDelta:
		if opts.Snapshots == nil {
			return nil, fmt.Errorf("%s policy requires a snapshot store", CalendarDelta)
		}
		return &calendarDelta{snapshots: opts.Snapshots, gate: opts.Gate}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// invalidRate reports whether a valuation or price cannot be used for normalization.
func invalidRate(v float64) bool {
	return v <= 0 || math.IsNaN(v) || math.IsInf(v, 0)
}

// eventGuard applies the shared short-circuits, in order: valuation, price.
func eventGuard(in Input) bool {
	return invalidRate(in.ValuationUSD) || invalidRate(in.TokenPriceUSD)
}

// rewardUSD sums raw amounts in token units and values them at price.
func rewardUSD(events []model.RewardEvent, decimals uint8, price float64) float64 {
	total := decimal.Zero
	for _, event := range events {
		if event.AmountRaw == nil {
			continue
		}
		total = total.Add(decimal.NewFromBigInt(event.AmountRaw, -int32(decimals)))
	}
	return total.Mul(decimal.NewFromFloat(price)).InexactFloat64()
}

// annualize converts a daily USD rate into a percentage of valuation.
func annualize(dailyUSD, valuationUSD float64) float64 {
	return clampAPY(dailyUSD * daysInYear / valuationUSD * 100)
}

func clampAPY(apy float64) float64 {
	if math.IsNaN(apy) || math.IsInf(apy, 0) || apy < 0 {
		return 0
	}
	return apy
}

func since(events []model.RewardEvent, cutoffMs int64) []model.RewardEvent {
	idx := sort.Search(len(events), func(i int) bool {
		return int64(events[i].TimestampMs) >= cutoffMs
	})
	return events[idx:]
}

func window(events []model.RewardEvent) (uint64, uint64) {
	start, end := events[0].TimestampMs, events[0].TimestampMs
	for _, event := range events[1:] {
		start = min(start, event.TimestampMs)
		end = max(end, event.TimestampMs)
	}
	return start, end
}
