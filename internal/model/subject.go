package model

import "strings"

// Subject is a vault or strategy whose reward flow is estimated.
type Subject struct {
	Address       string  `json:"address" mapstructure:"address"`
	Receiver      string  `json:"receiver" mapstructure:"receiver"`
	Sender        string  `json:"sender" mapstructure:"sender"`
	RewardToken   string  `json:"reward_token" mapstructure:"reward-token"`
	RewardPriceID string  `json:"reward_price_id" mapstructure:"reward-price-id"`
	StakeToken    string  `json:"stake_token" mapstructure:"stake-token"`
	StakePriceID  string  `json:"stake_price_id" mapstructure:"stake-price-id"`
	Holder        string  `json:"holder" mapstructure:"holder"`
	PrincipalUSD  float64 `json:"principal_usd" mapstructure:"principal-usd"`
	StaticTVLUSD  float64 `json:"static_tvl_usd" mapstructure:"static-tvl-usd"`
	Policy        string  `json:"policy" mapstructure:"policy"`
	Window        int     `json:"window" mapstructure:"window"`
}

// ID is the cache key of the subject.
func (s Subject) ID() string {
	return strings.ToLower(strings.TrimSpace(s.Address))
}

// ReceiverAddress is the counterparty rewards are sent to, defaulting to the subject itself.
func (s Subject) ReceiverAddress() string {
	if strings.TrimSpace(s.Receiver) != "" {
		return s.Receiver
	}
	return s.Address
}

// Identity distinguishes subjects for switch detection: same vault with a different token pair is a new subject.
func (s Subject) Identity() string {
	return strings.Join([]string{
		s.ID(),
		strings.ToLower(s.RewardToken),
		strings.ToLower(s.StakeToken),
	}, "|")
}
