package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// RewardEvent is a reward-bearing transfer attributed to a subject.
type RewardEvent struct {
	SubjectID   string   `json:"subject_id"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	AmountRaw   *big.Int `json:"-"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint64   `json:"log_index"`
	TimestampMs uint64   `json:"timestamp_ms"`
}

// Key returns the event identity used for deduplication.
func (e RewardEvent) Key() string {
	return fmt.Sprintf("%d:%s:%d", e.BlockNumber, strings.ToLower(e.TxHash), e.LogIndex)
}

// Before reports whether e is ordered before other on chain.
func (e RewardEvent) Before(other RewardEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}

// MarshalJSON encodes the raw amount as a decimal string.
func (e RewardEvent) MarshalJSON() ([]byte, error) {
	type Alias RewardEvent
	amount := "0"
	if e.AmountRaw != nil {
		amount = e.AmountRaw.String()
	}
	return json.Marshal(struct {
		Alias
		Amount string `json:"amount"`
	}{
		Alias:  Alias(e),
		Amount: amount,
	})
}

// UnmarshalJSON decodes a RewardEvent with a decimal string amount.
func (e *RewardEvent) UnmarshalJSON(data []byte) error {
	type Alias RewardEvent
	var a struct {
		Alias
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	amount := big.NewInt(0)
	if a.Amount != "" {
		if _, ok := amount.SetString(a.Amount, 10); !ok {
			return fmt.Errorf("invalid amount: %q", a.Amount)
		}
	}

	*e = RewardEvent(a.Alias)
	e.AmountRaw = amount
	return nil
}
