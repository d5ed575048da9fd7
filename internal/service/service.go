package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"rewardScope/internal/backfill"
	"rewardScope/internal/chain"
	"rewardScope/internal/estimate"
	"rewardScope/internal/model"
	"rewardScope/internal/observability/metrics"
	"rewardScope/internal/price"
	"rewardScope/internal/storage"
	"rewardScope/internal/valuation"
)

// Warnings surfaced in YieldEstimate.Error.
const (
	WarnPriceFallback  = "price unavailable, using fallback"
	WarnCacheRecovered = "event cache unreadable, rebuilt from chain"
	WarnEstimateFailed = "estimate failed"

	DefaultDecimals uint8 = 18

	// InputsKeyPrefix namespaces the remembered valuation of each subject.
	InputsKeyPrefix = "estimate-inputs:"
)

// Backfiller brings a subject's cached history up to the chain head.
type Backfiller interface {
	Run(ctx context.Context, target backfill.Target) (backfill.Result, error)
}

// EventCache reads cached history.
type EventCache interface {
	Load(ctx context.Context, subject string) model.EventCacheRecord
}

// DecimalsSource resolves token decimals.
type DecimalsSource interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Cache    EventCache
	Backfill Backfiller
	Prices   price.Source
	Valuer   valuation.Valuer
	Decimals DecimalsSource
	// Inputs optionally persists the figures Snapshot reuses across restarts.
	Inputs storage.KV
}

// inputs are the non-event figures of the last full computation.
type inputs struct {
	Decimals  uint8               `json:"decimals"`
	Valuation valuation.Valuation `json:"valuation"`
}

// Service runs the backfill, valuation and estimate pipeline for subjects.
// Every degraded path resolves to a well-formed estimate.
type Service struct {
	deps   Deps
	opts   estimate.Options
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	policies map[string]estimate.Policy
	inputs   map[string]inputs
}

func New(deps Deps, opts estimate.Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Valuer == nil {
		deps.Valuer = valuation.Static{}
	}
	return &Service{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		policies: make(map[string]estimate.Policy),
		inputs:   make(map[string]inputs),
	}
}

// WithClock overrides the clock handed to policies.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Loading returns the placeholder published while no estimate is available.
func Loading(subject model.Subject) model.YieldEstimate {
	return model.YieldEstimate{Subject: subject.ID(), IsLoading: true, Policy: policyName(subject)}
}

// Snapshot computes an estimate from cached data only, without chain or price lookups:
// cached events, the cached price and the valuation of the last refresh. It reports false
// when nothing is cached.
func (s *Service) Snapshot(ctx context.Context, subject model.Subject) (model.YieldEstimate, bool) {
	record := s.deps.Cache.Load(ctx, subject.ID())
	if len(record.Events) == 0 {
		return model.YieldEstimate{}, false
	}
	return s.compute(ctx, subject, record, true), true
}

// Refresh backfills the subject and recomputes its estimate.
// The only error returned is the context error of a cancelled run.
func (s *Service) Refresh(ctx context.Context, subject model.Subject) (model.YieldEstimate, error) {
	started := time.Now()
	logger := s.logger.With(zap.String("subject", subject.ID()))

	target, err := Target(subject)
	if err != nil {
		logger.Warn("invalid subject, skipping backfill", zap.Error(err))
		metrics.RecordRefreshDuration(metrics.Error, time.Since(started))
		return s.failed(subject), nil
	}

	result, err := s.deps.Backfill.Run(ctx, target)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.YieldEstimate{}, ctxErr
	}
	if err != nil {
		logger.Warn("backfill failed, using cached events", zap.Error(err))
	}
	record := result.Record

	est := s.compute(ctx, subject, record, false)
	if err := ctx.Err(); err != nil {
		return model.YieldEstimate{}, err
	}
	if record.Recovered && est.Error == "" {
		est.Error = WarnCacheRecovered
	}

	outcome := metrics.Success
	if est.Error == WarnEstimateFailed {
		outcome = metrics.Error
	}
	metrics.RecordRefreshDuration(outcome, time.Since(started))
	metrics.RecordAPY(est.Subject, est.Policy, est.APYPercent)
	return est, nil
}

func (s *Service) compute(ctx context.Context, subject model.Subject, record model.EventCacheRecord, preview bool) (est model.YieldEstimate) {
	logger := s.logger.With(zap.String("subject", subject.ID()))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("estimate panicked", zap.Any("panic", r))
			est = s.failed(subject)
		}
	}()

	policy, err := s.policyFor(subject)
	if err != nil {
		logger.Warn("estimate policy unavailable", zap.Error(err))
		return s.failed(subject)
	}

	var (
		quote price.Quote
		in    inputs
	)
	if preview {
		quote = s.deps.Prices.CachedPrice(subject.RewardPriceID)
		in = s.lastInputs(ctx, subject, logger)
	} else {
		in.Decimals = s.rewardDecimals(ctx, subject, logger)
		quote = s.deps.Prices.SpotPrice(ctx, subject.RewardPriceID)

		value, err := s.deps.Valuer.Value(ctx, subject)
		if err != nil {
			logger.Warn("valuation failed", zap.Error(err))
		} else {
			in.Valuation = value
			s.rememberInputs(ctx, subject, in, logger)
		}
	}
	if ctx.Err() != nil {
		return s.failed(subject)
	}
	decimals, value := in.Decimals, in.Valuation

	snapshot := record.Clone()
	now := s.now()
	result, err := policy.Estimate(ctx, estimate.Input{
		Subject:            subject.ID(),
		Events:             snapshot.Events,
		Decimals:           decimals,
		TokenPriceUSD:      quote.USD,
		ValuationUSD:       value.TVLUSD,
		PositionValueUSD:   value.PositionValueUSD,
		PositionBalanceUSD: value.PositionBalanceUSD,
		Now:                now,
		Preview:            preview,
	})
	if err != nil {
		logger.Warn("estimate failed", zap.String("policy", policy.Name()), zap.Error(err))
		return s.failed(subject)
	}

	est = model.YieldEstimate{
		Subject:             subject.ID(),
		APYPercent:          result.APYPercent,
		Policy:              policy.Name(),
		EventsUsed:          result.EventsUsed,
		SampleWindowStartMs: result.WindowStartMs,
		SampleWindowEndMs:   result.WindowEndMs,
		UpdatedAt:           now.UTC(),
	}
	if quote.Fallback || value.Fallback {
		est.Error = WarnPriceFallback
	}

	logger.Debug("estimate computed",
		zap.String("policy", policy.Name()),
		zap.Float64("apy_percent", est.APYPercent),
		zap.Int("events_used", est.EventsUsed),
		zap.Bool("held", result.Held),
	)
	return est
}

func (s *Service) failed(subject model.Subject) model.YieldEstimate {
	return model.YieldEstimate{
		Subject:   subject.ID(),
		Policy:    policyName(subject),
		Error:     WarnEstimateFailed,
		UpdatedAt: s.now().UTC(),
	}
}

// lastInputs returns the remembered figures of subject, falling back to its static configuration.
func (s *Service) lastInputs(ctx context.Context, subject model.Subject, logger *zap.Logger) inputs {
	s.mu.Lock()
	in, ok := s.inputs[subject.ID()]
	s.mu.Unlock()
	if ok {
		return in
	}

	if s.deps.Inputs != nil {
		raw, found, err := s.deps.Inputs.Get(ctx, InputsKeyPrefix+subject.ID())
		switch {
		case err != nil:
			logger.Warn("remembered valuation unreadable", zap.Error(err))
		case found:
			if err := json.Unmarshal([]byte(raw), &in); err == nil {
				s.mu.Lock()
				s.inputs[subject.ID()] = in
				s.mu.Unlock()
				return in
			}
			logger.Warn("remembered valuation corrupt, ignoring")
		}
	}

	value, _ := valuation.Static{}.Value(ctx, subject)
	return inputs{Decimals: DefaultDecimals, Valuation: value}
}

func (s *Service) rememberInputs(ctx context.Context, subject model.Subject, in inputs, logger *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	s.inputs[subject.ID()] = in
	s.mu.Unlock()

	if s.deps.Inputs == nil {
		return
	}
	data, err := json.Marshal(in)
	if err != nil {
		logger.Warn("marshal valuation", zap.Error(err))
		return
	}
	if err := s.deps.Inputs.Set(ctx, InputsKeyPrefix+subject.ID(), string(data)); err != nil {
		logger.Warn("persist valuation failed", zap.Error(err))
	}
}

func (s *Service) rewardDecimals(ctx context.Context, subject model.Subject, logger *zap.Logger) uint8 {
	if s.deps.Decimals == nil {
		return DefaultDecimals
	}
	token, err := chain.ParseAddress(subject.RewardToken)
	if err != nil {
		return DefaultDecimals
	}
	decimals, err := s.deps.Decimals.Decimals(ctx, token)
	if err != nil {
		logger.Warn("reward token decimals unavailable, assuming default",
			zap.String("token", token.Hex()),
			zap.Uint8("decimals", DefaultDecimals),
			zap.Error(err),
		)
		return DefaultDecimals
	}
	return decimals
}

func (s *Service) policyFor(subject model.Subject) (estimate.Policy, error) {
	key := fmt.Sprintf("%s|%s|%d", subject.ID(), policyName(subject), subject.Window)

	s.mu.Lock()
	defer s.mu.Unlock()
	if policy, ok := s.policies[key]; ok {
		return policy, nil
	}

	opts := s.opts
	if subject.Window > 0 {
		opts.Window = subject.Window
	}
	policy, err := estimate.NewPolicy(policyName(subject), opts)
	if err != nil {
		return nil, err
	}
	s.policies[key] = policy
	return policy, nil
}

func policyName(subject model.Subject) string {
	if name := strings.TrimSpace(subject.Policy); name != "" {
		return strings.ToLower(name)
	}
	return estimate.DefaultPolicy
}

// Target builds the backfill target of a subject.
func Target(subject model.Subject) (backfill.Target, error) {
	token, err := chain.ParseAddress(subject.RewardToken)
	if err != nil {
		return backfill.Target{}, fmt.Errorf("reward token: %w", err)
	}
	receiver, err := chain.ParseAddress(subject.ReceiverAddress())
	if err != nil {
		return backfill.Target{}, fmt.Errorf("receiver: %w", err)
	}
	sender, err := chain.ParseOptionalAddress(subject.Sender)
	if err != nil {
		return backfill.Target{}, fmt.Errorf("sender: %w", err)
	}
	return backfill.Target{
		SubjectID: subject.ID(),
		Token:     token,
		Receiver:  receiver,
		Sender:    sender,
	}, nil
}
