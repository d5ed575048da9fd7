package valuation

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rewardScope/internal/chain"
	"rewardScope/internal/model"
	"rewardScope/internal/price"
)

// Valuation holds the USD figures that normalize a reward rate.
type Valuation struct {
	TVLUSD             float64 `json:"tvl_usd"`
	PositionValueUSD   float64 `json:"position_value_usd"`
	PositionBalanceUSD float64 `json:"position_balance_usd"`
	// Fallback is set when a price behind the figures came from a fallback.
	Fallback bool `json:"fallback"`
}

// Valuer values a subject.
type Valuer interface {
	Value(ctx context.Context, subject model.Subject) (Valuation, error)
}

type decimalsSource interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// ChainValuer values the staked token balances of a subject read from chain.
type ChainValuer struct {
	caller   chain.ContractCaller
	decimals decimalsSource
	prices   price.Source
	logger   *zap.Logger
}

func NewChainValuer(caller chain.ContractCaller, decimals decimalsSource, prices price.Source, logger *zap.Logger) *ChainValuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainValuer{caller: caller, decimals: decimals, prices: prices, logger: logger}
}

// Value computes TVL as the stake token balance of the subject and, when a holder is
// configured, the holder's position. Subjects without a stake token use their static TVL.
func (v *ChainValuer) Value(ctx context.Context, subject model.Subject) (Valuation, error) {
	if strings.TrimSpace(subject.StakeToken) == "" {
		return Static{}.Value(ctx, subject)
	}

	stake, err := chain.ParseAddress(subject.StakeToken)
	if err != nil {
		return Valuation{}, fmt.Errorf("stake token: %w", err)
	}
	vault, err := chain.ParseAddress(subject.Address)
	if err != nil {
		return Valuation{}, fmt.Errorf("subject address: %w", err)
	}

	decimals, err := v.decimals.Decimals(ctx, stake)
	if err != nil {
		return Valuation{}, fmt.Errorf("stake token decimals: %w", err)
	}
	quote := v.prices.SpotPrice(ctx, subject.StakePriceID)

	tvl, err := v.balanceUSD(ctx, stake, vault, decimals, quote.USD)
	if err != nil {
		return Valuation{}, fmt.Errorf("tvl: %w", err)
	}

	out := Valuation{TVLUSD: tvl, Fallback: quote.Fallback}
	if strings.TrimSpace(subject.Holder) == "" {
		out.PositionBalanceUSD = subject.PrincipalUSD
		return out, nil
	}

	holder, err := chain.ParseAddress(subject.Holder)
	if err != nil {
		return Valuation{}, fmt.Errorf("holder: %w", err)
	}
	position, err := v.balanceUSD(ctx, stake, holder, decimals, quote.USD)
	if err != nil {
		return Valuation{}, fmt.Errorf("position: %w", err)
	}
	out.PositionValueUSD = position
	out.PositionBalanceUSD = subject.PrincipalUSD
	if out.PositionBalanceUSD <= 0 {
		out.PositionBalanceUSD = position
	}
	return out, nil
}

func (v *ChainValuer) balanceUSD(ctx context.Context, token, owner common.Address, decimals uint8, usd float64) (float64, error) {
	bal, err := chain.BalanceOf(ctx, v.caller, token, owner)
	if err != nil {
		return 0, err
	}
	return ToUSD(bal, decimals, usd), nil
}

// ToUSD values a raw token amount.
func ToUSD(raw *big.Int, decimals uint8, usd float64) float64 {
	if raw == nil {
		return 0
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).Mul(decimal.NewFromFloat(usd)).InexactFloat64()
}

// Static values subjects from configuration only.
type Static struct{}

func (Static) Value(_ context.Context, subject model.Subject) (Valuation, error) {
	return Valuation{
		TVLUSD:             subject.StaticTVLUSD,
		PositionBalanceUSD: subject.PrincipalUSD,
	}, nil
}
