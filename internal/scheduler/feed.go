package scheduler

import (
	"sync"

	"rewardScope/internal/model"
)

// Feed is a subscribable latest value. Slow subscribers skip intermediate values.
type Feed struct {
	mu    sync.RWMutex
	value model.YieldEstimate
	subs  map[int]chan model.YieldEstimate
	next  int
}

func NewFeed(initial model.YieldEstimate) *Feed {
	return &Feed{value: initial, subs: make(map[int]chan model.YieldEstimate)}
}

// Get returns the current value.
func (f *Feed) Get() model.YieldEstimate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

// Publish replaces the current value and notifies subscribers.
func (f *Feed) Publish(value model.YieldEstimate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = value
	for _, ch := range f.subs {
		offer(ch, value)
	}
}

// Subscribe returns a channel that receives the current value and every later one.
// The returned func unsubscribes and closes the channel.
func (f *Feed) Subscribe() (<-chan model.YieldEstimate, func()) {
	ch := make(chan model.YieldEstimate, 1)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	offer(ch, f.value)
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
}

// offer replaces any unread value in ch with value. Callers hold the feed lock.
func offer(ch chan model.YieldEstimate, value model.YieldEstimate) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- value:
	default:
	}
}
