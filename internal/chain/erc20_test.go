package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransfer(t *testing.T) {
	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")

	log := types.Log{
		Topics: []common.Hash{TransferTopic(), AddressTopic(from), AddressTopic(to)},
		Data:   common.LeftPadBytes(big.NewInt(1_000_000).Bytes(), 32),
	}

	transfer, err := DecodeTransfer(log)
	require.NoError(t, err)
	assert.Equal(t, from, transfer.From)
	assert.Equal(t, to, transfer.To)
	assert.Equal(t, int64(1_000_000), transfer.Value.Int64())
}

func TestDecodeTransferRejectsWrongShape(t *testing.T) {
	_, err := DecodeTransfer(types.Log{Topics: []common.Hash{TransferTopic()}})
	require.ErrorIs(t, err, ErrNotTransfer)

	other := common.HexToHash("0x01")
	_, err = DecodeTransfer(types.Log{Topics: []common.Hash{other, other, other}})
	require.ErrorIs(t, err, ErrNotTransfer)
}

func TestLogFilterQueryTrimsTrailingWildcards(t *testing.T) {
	to := AddressTopic(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	filter := LogFilter{
		EventSignature: TransferTopic(),
		IndexedArgs:    [][]common.Hash{nil, {to}},
		FromBlock:      10,
		ToBlock:        20,
	}

	query := filter.Query()
	require.Len(t, query.Topics, 3)
	assert.Nil(t, query.Topics[1])
	assert.Equal(t, []common.Hash{to}, query.Topics[2])
	assert.Equal(t, uint64(10), query.FromBlock.Uint64())

	filter.IndexedArgs = [][]common.Hash{{to}, nil}
	assert.Len(t, filter.Query().Topics, 2)
}

type fakeCaller struct {
	calls int
}

func (f *fakeCaller) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	return common.LeftPadBytes([]byte{6}, 32), nil
}

func TestDecimalsCacheFetchesOnce(t *testing.T) {
	caller := &fakeCaller{}
	cache := NewDecimalsCache(caller)
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")

	for i := 0; i < 3; i++ {
		decimals, err := cache.Decimals(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, uint8(6), decimals)
	}
	assert.Equal(t, 1, caller.calls)
}
