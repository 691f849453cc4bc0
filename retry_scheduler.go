package flowgraph

import (
	"container/heap"
	"sync"
	"time"
)

// RetryFire is emitted by the DelayQueue when a scheduled retry comes due.
type RetryFire struct {
	NodeID  string
	Attempt int
}

type delayedRetry struct {
	nodeID  string
	attempt int
	at      time.Time
	index   int
}

type retryHeap []*delayedRetry

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *retryHeap) Push(x any)         { item := x.(*delayedRetry); item.index = len(*h); *h = append(*h, item) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DelayQueue is an explicit timer abstraction for retry scheduling. Entries
// fire on a channel in delay order and can be cancelled deterministically,
// which keeps retry behavior observable and testable.
type DelayQueue struct {
	mutex   sync.Mutex
	pending retryHeap
	wake    chan struct{}
	fires   chan RetryFire
	done    chan struct{}
	once    sync.Once
}

// NewDelayQueue creates a running delay queue.
func NewDelayQueue() *DelayQueue {
	q := &DelayQueue{
		wake:  make(chan struct{}, 1),
		fires: make(chan RetryFire),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// C returns the channel on which due retries fire.
func (q *DelayQueue) C() <-chan RetryFire {
	return q.fires
}

// Schedule enqueues a retry for a node after the given delay. Any prior
// pending entry for the node is replaced.
func (q *DelayQueue) Schedule(nodeID string, attempt int, delay time.Duration) {
	q.mutex.Lock()
	q.removeLocked(nodeID)
	heap.Push(&q.pending, &delayedRetry{
		nodeID:  nodeID,
		attempt: attempt,
		at:      time.Now().Add(delay),
	})
	q.mutex.Unlock()
	q.notify()
}

// Cancel removes a pending retry for a node. Returns true if one was
// pending.
func (q *DelayQueue) Cancel(nodeID string) bool {
	q.mutex.Lock()
	removed := q.removeLocked(nodeID)
	q.mutex.Unlock()
	if removed {
		q.notify()
	}
	return removed
}

// Len returns the number of pending retries.
func (q *DelayQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.pending.Len()
}

// Stop shuts the queue down. Pending entries are dropped.
func (q *DelayQueue) Stop() {
	q.once.Do(func() { close(q.done) })
}

func (q *DelayQueue) removeLocked(nodeID string) bool {
	for _, item := range q.pending {
		if item.nodeID == nodeID {
			heap.Remove(&q.pending, item.index)
			return true
		}
	}
	return false
}

func (q *DelayQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *DelayQueue) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q.mutex.Lock()
		var next *delayedRetry
		if q.pending.Len() > 0 {
			next = q.pending[0]
		}
		q.mutex.Unlock()

		if next == nil {
			select {
			case <-q.done:
				return
			case <-q.wake:
				continue
			}
		}

		wait := time.Until(next.at)
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.done:
			return
		case <-q.wake:
			continue
		case <-timer.C:
			q.mutex.Lock()
			// The head may have changed while waiting.
			if q.pending.Len() == 0 || q.pending[0] != next {
				q.mutex.Unlock()
				continue
			}
			heap.Pop(&q.pending)
			q.mutex.Unlock()
			select {
			case q.fires <- RetryFire{NodeID: next.nodeID, Attempt: next.attempt}:
			case <-q.done:
				return
			}
		}
	}
}
