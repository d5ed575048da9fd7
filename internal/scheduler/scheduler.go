package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rewardScope/internal/model"
)

const (
	DefaultInterval = 10 * time.Minute
	MinInterval     = time.Minute
	MaxInterval     = time.Hour
)

// State is the lifecycle position of the active workflow.
type State int

const (
	Idle State = iota
	Fetching
	Cached
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Cached:
		return "cached"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Refresher produces estimates for a subject.
type Refresher interface {
	// Snapshot computes from cached data only; false means nothing is cached.
	Snapshot(ctx context.Context, subject model.Subject) (model.YieldEstimate, bool)
	// Refresh fetches new data and recomputes. It only fails when ctx is done.
	Refresh(ctx context.Context, subject model.Subject) (model.YieldEstimate, error)
}

// Scheduler periodically refreshes the estimate of one active subject and publishes it to a Feed.
// Switching subjects cancels the running workflow; its late results are dropped.
type Scheduler struct {
	refresher Refresher
	feed      *Feed
	interval  time.Duration
	logger    *zap.Logger

	mu         sync.Mutex
	generation uint64
	subject    model.Subject
	running    bool
	state      State
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(refresher Refresher, feed *Feed, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if feed == nil {
		feed = NewFeed(model.YieldEstimate{})
	}
	return &Scheduler{
		refresher: refresher,
		feed:      feed,
		interval:  interval,
		logger:    logger,
	}
}

// Feed returns the feed estimates are published to.
func (s *Scheduler) Feed() *Feed {
	return s.feed
}

// State returns the state of the active workflow. Cached and Failed persist until the next tick.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watch makes subject the active subject. Watching the active subject again is a no-op;
// a different subject cancels the in-flight workflow without waiting for it.
func (s *Scheduler) Watch(ctx context.Context, subject model.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running && s.subject.Identity() == subject.Identity() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.generation++
	gen := s.generation
	workflowCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.subject = subject
	s.running = true
	s.state = Idle

	s.wg.Add(1)
	go s.run(workflowCtx, gen, subject)
}

// Stop cancels the active workflow and waits for every workflow to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.running = false
	s.state = Idle
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, gen uint64, subject model.Subject) {
	defer s.wg.Done()

	logger := s.logger.With(
		zap.String("workflow", uuid.NewString()),
		zap.String("subject", subject.ID()),
	)
	logger.Info("workflow started", zap.Duration("interval", s.interval))
	defer logger.Info("workflow stopped")

	if est, ok := s.refresher.Snapshot(ctx, subject); ok {
		est.IsLoading = false
		s.publish(ctx, gen, est, Cached, logger)
	} else {
		s.publish(ctx, gen, model.YieldEstimate{Subject: subject.ID(), IsLoading: true}, Idle, logger)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, gen, subject, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, gen uint64, subject model.Subject, logger *zap.Logger) {
	if !s.setState(ctx, gen, Fetching) {
		return
	}

	est, err := s.refresher.Refresh(ctx, subject)
	if err != nil {
		logger.Debug("refresh abandoned", zap.Error(err))
		return
	}
	est.IsLoading = false

	state := Cached
	if est.Error != "" {
		state = Failed
	}
	s.publish(ctx, gen, est, state, logger)
}

func (s *Scheduler) setState(ctx context.Context, gen uint64, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || ctx.Err() != nil {
		return false
	}
	s.state = state
	return true
}

// publish applies est only while gen is still the active workflow.
func (s *Scheduler) publish(ctx context.Context, gen uint64, est model.YieldEstimate, state State, logger *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || ctx.Err() != nil {
		logger.Debug("dropping stale estimate", zap.Float64("apy_percent", est.APYPercent))
		return
	}
	s.state = state
	s.feed.Publish(est)
}
