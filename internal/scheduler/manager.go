package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"rewardScope/internal/model"
)

var (
	ErrEmptySubject  = errors.New("scheduler manager: empty subject")
	ErrSubjectExists = errors.New("scheduler manager: subject already watched")
)

// Manager runs one Scheduler per subject.
type Manager struct {
	refresher Refresher
	interval  time.Duration
	logger    *zap.Logger

	mu         sync.RWMutex
	schedulers map[string]*Scheduler
}

func NewManager(refresher Refresher, interval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		refresher:  refresher,
		interval:   interval,
		logger:     logger,
		schedulers: make(map[string]*Scheduler),
	}
}

// Watch starts a scheduler for subject and returns its feed.
func (m *Manager) Watch(ctx context.Context, subject model.Subject) (*Feed, error) {
	id := subject.ID()
	if id == "" {
		return nil, ErrEmptySubject
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedulers[id]; exists {
		return nil, ErrSubjectExists
	}

	feed := NewFeed(model.YieldEstimate{Subject: id, IsLoading: true})
	sched := New(m.refresher, feed, m.interval, m.logger)
	m.schedulers[id] = sched
	sched.Watch(ctx, subject)
	return feed, nil
}

// Feeds returns the feed of every watched subject keyed by subject id.
func (m *Manager) Feeds() map[string]*Feed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Feed, len(m.schedulers))
	for id, sched := range m.schedulers {
		out[id] = sched.Feed()
	}
	return out
}

// Estimates returns the current estimate of every subject, sorted by subject.
func (m *Manager) Estimates() []model.YieldEstimate {
	feeds := m.Feeds()
	out := make([]model.YieldEstimate, 0, len(feeds))
	for _, feed := range feeds {
		out = append(out, feed.Get())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// ServeHTTP writes the current estimates as JSON.
func (m *Manager) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.Estimates()); err != nil {
		m.logger.Warn("encode estimates", zap.Error(err))
	}
}

// Stop stops every scheduler and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	schedulers := make([]*Scheduler, 0, len(m.schedulers))
	for id, sched := range m.schedulers {
		schedulers = append(schedulers, sched)
		delete(m.schedulers, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sched := range schedulers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Stop()
		}()
	}
	wg.Wait()
}
