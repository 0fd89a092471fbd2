package priority

import (
	"sync/atomic"
	"time"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

type Queue interface {
	TryPushHigh(f any) bool
	TryPushLow(f any) bool
	Pop() (any, bool)
	Stats() Stats
}

// PriorityQueue is a two-lane queue. The high lane carries control frames
// and always drains first; the low lane carries media and text.
type PriorityQueue struct {
	high     chan any
	low      chan any
	fairness int
	highPush int64
	lowPush  int64
	highPop  int64
	lowPop   int64
}

func New(highCap, lowCap, fairness int) *PriorityQueue {
	if fairness <= 0 {
		fairness = 3
	}
	if highCap <= 0 {
		highCap = 16
	}
	if lowCap <= 0 {
		lowCap = 64
	}
	return &PriorityQueue{
		high:     make(chan any, highCap),
		low:      make(chan any, lowCap),
		fairness: fairness,
	}
}

func (q *PriorityQueue) TryPushHigh(f any) bool {
	select {
	case q.high <- f:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) TryPushLow(f any) bool {
	select {
	case q.low <- f:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		return false
	}
}

// Pop blocks until an item is available, preferring the high lane.
func (q *PriorityQueue) Pop() (any, bool) {
	for {
		select {
		case f := <-q.high:
			atomic.AddInt64(&q.highPop, 1)
			return f, true
		default:
		}
		select {
		case f := <-q.high:
			atomic.AddInt64(&q.highPop, 1)
			return f, true
		case f := <-q.low:
			atomic.AddInt64(&q.lowPop, 1)
			return f, true
		case <-time.After(time.Millisecond):
			// re-check the high lane so bursts on low cannot starve it
		}
	}
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
	}
}
