package backfill

import (
	"fmt"

	"rewardScope/internal/model"
)

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// SplitRange splits an inclusive block range into chunks of at most chunkSize blocks.
// The last chunk is truncated to end at to.
func SplitRange(from, to, chunkSize uint64) ([]BlockRange, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("chunk size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]BlockRange, 0, (to-from)/chunkSize+1)
	start := from
	for {
		end := to
		if to-start >= chunkSize {
			end = start + chunkSize - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}

	return ranges, nil
}

// Cursor computes the range a backfill has to fetch for a subject.
// With cached events it resumes after the last cached block, otherwise it looks back
// lookback blocks from head, saturating at genesis.
func Cursor(subjectID string, lastCachedBlock uint64, hasCache bool, head, lookback uint64) model.BackfillCursor {
	cursor := model.BackfillCursor{
		SubjectID:       subjectID,
		HasCache:        hasCache,
		LastCachedBlock: lastCachedBlock,
		ChainHeadBlock:  head,
		ToBlock:         head,
	}
	if hasCache {
		cursor.FromBlock = lastCachedBlock + 1
		return cursor
	}
	if head > lookback {
		cursor.FromBlock = head - lookback
	}
	return cursor
}
