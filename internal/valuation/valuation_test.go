package valuation

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardScope/internal/model"
	"rewardScope/internal/price"
)

var (
	vault  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	holder = common.HexToAddress("0x5555555555555555555555555555555555555555")
	stake  = common.HexToAddress("0x6666666666666666666666666666666666666666")
)

// balanceCaller answers balanceOf calls from a fixed table keyed by the owner word in calldata.
type balanceCaller map[common.Address]*big.Int

func (b balanceCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	owner := common.BytesToAddress(msg.Data[4:36])
	bal, ok := b[owner]
	if !ok {
		bal = new(big.Int)
	}
	return common.LeftPadBytes(bal.Bytes(), 32), nil
}

type fixedDecimals uint8

func (d fixedDecimals) Decimals(context.Context, common.Address) (uint8, error) {
	return uint8(d), nil
}

func TestChainValuer(t *testing.T) {
	caller := balanceCaller{
		vault:  big.NewInt(2_500_000_000), // 2500 at 6 decimals
		holder: big.NewInt(10_000_000),
	}
	valuer := NewChainValuer(caller, fixedDecimals(6), price.Static{"usdc": 1.0}, nil)

	subject := model.Subject{
		Address:      vault.Hex(),
		StakeToken:   stake.Hex(),
		StakePriceID: "usdc",
		Holder:       holder.Hex(),
	}

	got, err := valuer.Value(context.Background(), subject)
	require.NoError(t, err)
	assert.InDelta(t, 2500.0, got.TVLUSD, 1e-9)
	assert.InDelta(t, 10.0, got.PositionValueUSD, 1e-9)
	assert.InDelta(t, 10.0, got.PositionBalanceUSD, 1e-9)
	assert.False(t, got.Fallback)

	subject.PrincipalUSD = 8
	got, err = valuer.Value(context.Background(), subject)
	require.NoError(t, err)
	assert.Equal(t, 8.0, got.PositionBalanceUSD)
}

func TestChainValuerStaticFallback(t *testing.T) {
	valuer := NewChainValuer(balanceCaller{}, fixedDecimals(18), price.Static{}, nil)

	got, err := valuer.Value(context.Background(), model.Subject{Address: vault.Hex(), StaticTVLUSD: 1_000_000})
	require.NoError(t, err)
	assert.Equal(t, 1_000_000.0, got.TVLUSD)
}

func TestChainValuerRejectsBadAddress(t *testing.T) {
	valuer := NewChainValuer(balanceCaller{}, fixedDecimals(18), price.Static{}, nil)

	_, err := valuer.Value(context.Background(), model.Subject{Address: vault.Hex(), StakeToken: "0xnope"})
	require.Error(t, err)
}

func TestToUSD(t *testing.T) {
	assert.Equal(t, 0.0, ToUSD(nil, 18, 5))
	amount, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.InDelta(t, 3.0, ToUSD(amount, 18, 2), 1e-12)
}
