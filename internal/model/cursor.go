package model

// BackfillCursor describes the block range a backfill still has to fetch.
type BackfillCursor struct {
	SubjectID       string `json:"subject_id"`
	HasCache        bool   `json:"has_cache"`
	LastCachedBlock uint64 `json:"last_cached_block"`
	ChainHeadBlock  uint64 `json:"chain_head_block"`
	FromBlock       uint64 `json:"from_block"`
	ToBlock         uint64 `json:"to_block"`
}

// Empty reports whether there is nothing left to fetch.
func (c BackfillCursor) Empty() bool {
	return c.FromBlock > c.ToBlock
}
