package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABIJSON = `[
  {"anonymous": false, "inputs": [{"indexed": true, "name": "from", "type": "address"}, {"indexed": true, "name": "to", "type": "address"}, {"indexed": false, "name": "value", "type": "uint256"}], "name": "Transfer", "type": "event"},
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"internalType": "address", "name": "account", "type": "address"}], "name": "balanceOf", "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

var (
	erc20ABI     abi.ABI
	erc20ABIOnce sync.Once
	erc20ABIErr  error

	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// ErrNotTransfer is returned when a log does not have the shape of an ERC20 Transfer.
var ErrNotTransfer = errors.New("log is not an erc20 transfer")

func erc20ABIInstance() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

// TransferTopic is the topic0 of Transfer(address,address,uint256).
func TransferTopic() common.Hash {
	return transferTopic
}

// Transfer is a decoded ERC20 Transfer log.
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// DecodeTransfer decodes an ERC20 Transfer log.
func DecodeTransfer(log types.Log) (Transfer, error) {
	if len(log.Topics) != 3 || log.Topics[0] != transferTopic {
		return Transfer{}, ErrNotTransfer
	}

	parsed, err := erc20ABIInstance()
	if err != nil {
		return Transfer{}, fmt.Errorf("parse erc20 abi: %w", err)
	}

	values, err := parsed.Unpack("Transfer", log.Data)
	if err != nil {
		return Transfer{}, fmt.Errorf("unpack transfer: %w", err)
	}
	if len(values) != 1 {
		return Transfer{}, fmt.Errorf("transfer data size %d", len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return Transfer{}, fmt.Errorf("transfer value unexpected type %T", values[0])
	}

	return Transfer{
		From:  common.BytesToAddress(log.Topics[1].Bytes()),
		To:    common.BytesToAddress(log.Topics[2].Bytes()),
		Value: value,
	}, nil
}

// ContractCaller performs read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func callERC20(ctx context.Context, caller ContractCaller, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	if caller == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	parsed, err := erc20ABIInstance()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &token, Data: data}
	resp, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s return size %d", method, len(values))
	}
	return values, nil
}

// FetchTokenDecimals loads token decimals via an ERC20 call.
func FetchTokenDecimals(ctx context.Context, caller ContractCaller, token common.Address) (uint8, error) {
	values, err := callERC20(ctx, caller, token, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals unexpected type %T", values[0])
	}
	return decimals, nil
}

// BalanceOf returns the latest token balance of owner.
func BalanceOf(ctx context.Context, caller ContractCaller, token, owner common.Address) (*big.Int, error) {
	values, err := callERC20(ctx, caller, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf unexpected type %T", values[0])
	}
	return bal, nil
}

// DecimalsCache caches token decimals by address.
type DecimalsCache struct {
	caller ContractCaller

	mu   sync.RWMutex
	data map[common.Address]uint8
}

func NewDecimalsCache(caller ContractCaller) *DecimalsCache {
	return &DecimalsCache{caller: caller, data: make(map[common.Address]uint8)}
}

// Decimals returns the cached decimals of token, fetching them on first use.
func (c *DecimalsCache) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	c.mu.RLock()
	decimals, ok := c.data[token]
	c.mu.RUnlock()
	if ok {
		return decimals, nil
	}

	decimals, err := FetchTokenDecimals(ctx, c.caller, token)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.data[token] = decimals
	c.mu.Unlock()
	return decimals, nil
}
