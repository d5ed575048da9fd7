package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"rewardScope/internal/model"
)

// EventExporter appends reward events to a JSONL file, one event per line.
// An event already present in the file is never written again.
type EventExporter struct {
	path string

	mu       sync.Mutex
	exported map[string]struct{}
}

func NewEventExporter(path string) *EventExporter {
	return &EventExporter{path: path}
}

// Export appends the events not exported before and returns how many were written.
func (x *EventExporter) Export(events []model.RewardEvent) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.loadExported(); err != nil {
		return 0, err
	}

	pending := make([]model.RewardEvent, 0, len(events))
	for _, event := range events {
		key := exportKey(event)
		if _, ok := x.exported[key]; ok {
			continue
		}
		x.exported[key] = struct{}{}
		pending = append(pending, event)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if dir := filepath.Dir(x.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create export dir: %w", err)
		}
	}
	file, err := os.OpenFile(x.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open export file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	enc := json.NewEncoder(writer)
	for _, event := range pending {
		if err := enc.Encode(event); err != nil {
			return 0, fmt.Errorf("write reward event %s: %w", event.Key(), err)
		}
	}
	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush export: %w", err)
	}
	return len(pending), nil
}

// loadExported indexes the events already in the file on first use.
func (x *EventExporter) loadExported() error {
	if x.exported != nil {
		return nil
	}
	x.exported = make(map[string]struct{})

	file, err := os.Open(x.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event model.RewardEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		x.exported[exportKey(event)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		x.exported = nil
		return fmt.Errorf("scan export file: %w", err)
	}
	return nil
}

func exportKey(event model.RewardEvent) string {
	return event.SubjectID + "|" + event.Key()
}
