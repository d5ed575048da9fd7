package estimate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"rewardScope/internal/model"
	"rewardScope/internal/storage"
)

const DefaultSnapshotPrefix = "balance-snapshot:"

// SnapshotStore persists the calendar-delta state of each subject.
type SnapshotStore interface {
	Load(ctx context.Context, subject string) (model.BalanceSnapshot, bool, error)
	Save(ctx context.Context, subject string, snapshot model.BalanceSnapshot) error
}

// KVSnapshots keeps balance snapshots as JSON in a KV store.
type KVSnapshots struct {
	kv     storage.KV
	prefix string
}

func NewKVSnapshots(kv storage.KV, prefix string) *KVSnapshots {
	if prefix == "" {
		prefix = DefaultSnapshotPrefix
	}
	return &KVSnapshots{kv: kv, prefix: prefix}
}

func (s *KVSnapshots) key(subject string) string {
	return s.prefix + strings.ToLower(strings.TrimSpace(subject))
}

// Load treats an unreadable snapshot as absent so the next observation becomes the new baseline.
func (s *KVSnapshots) Load(ctx context.Context, subject string) (model.BalanceSnapshot, bool, error) {
	value, ok, err := s.kv.Get(ctx, s.key(subject))
	if err != nil || !ok {
		return model.BalanceSnapshot{}, false, err
	}
	var snapshot model.BalanceSnapshot
	if err := json.Unmarshal([]byte(value), &snapshot); err != nil {
		return model.BalanceSnapshot{}, false, nil
	}
	return snapshot, true, nil
}

func (s *KVSnapshots) Save(ctx context.Context, subject string, snapshot model.BalanceSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal balance snapshot: %w", err)
	}
	return s.kv.Set(ctx, s.key(subject), string(data))
}
