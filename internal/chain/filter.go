package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// LogFilter selects logs by emitter, event signature and indexed arguments over an inclusive block range.
// An empty entry in IndexedArgs matches any value at that position.
type LogFilter struct {
	Addresses      []common.Address
	EventSignature common.Hash
	IndexedArgs    [][]common.Hash
	FromBlock      uint64
	ToBlock        uint64
}

// Query converts the filter into a go-ethereum filter query.
func (f LogFilter) Query() ethereum.FilterQuery {
	topics := make([][]common.Hash, 0, len(f.IndexedArgs)+1)
	topics = append(topics, []common.Hash{f.EventSignature})
	topics = append(topics, f.IndexedArgs...)

	// trailing wildcards are implicit
	for len(topics) > 1 && len(topics[len(topics)-1]) == 0 {
		topics = topics[:len(topics)-1]
	}

	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(f.FromBlock),
		ToBlock:   new(big.Int).SetUint64(f.ToBlock),
		Addresses: f.Addresses,
		Topics:    topics,
	}
}

// AddressTopic left-pads an address into an indexed topic value.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
