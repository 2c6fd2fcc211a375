package hw

import (
	"container/heap"
	"sync"
)

// reqHeap orders pending transfer requests by priority (highest first),
// with the submission sequence number breaking ties so that equal-priority
// requests are admitted in arm order.
type reqHeap []transferRequest

func (h reqHeap) Len() int { return len(h) }

func (h reqHeap) Less(i, j int) bool {
	if h[i].cfg.prio != h[j].cfg.prio {
		return h[i].cfg.prio > h[j].cfg.prio
	}
	return h[i].seq < h[j].seq
}

func (h reqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *reqHeap) Push(x any) { *h = append(*h, x.(transferRequest)) }

func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	*h = old[:n-1]
	return req
}

// arbiter holds the pending request queue. A single admit loop in the engine
// pops requests one at a time; submitters never block.
type arbiter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  reqHeap
	held   bool
	closed bool
}

func newArbiter() *arbiter {
	a := &arbiter{}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *arbiter) submit(req transferRequest) {
	a.mu.Lock()
	if !a.closed {
		heap.Push(&a.queue, req)
	}
	a.mu.Unlock()
	a.cond.Signal()
}

// next blocks until a request is available and returns it. It returns false
// once the arbiter is closed.
func (a *arbiter) next() (transferRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for (len(a.queue) == 0 || a.held) && !a.closed {
		a.cond.Wait()
	}
	if a.closed {
		return transferRequest{}, false
	}
	return heap.Pop(&a.queue).(transferRequest), true
}

// purge drops every pending request without admitting it.
func (a *arbiter) purge() {
	a.mu.Lock()
	a.queue = a.queue[:0]
	a.mu.Unlock()
}

// hold suspends admission without dropping the queue; release resumes it.
// Used by resets to freeze arbitration while channels are torn down.
func (a *arbiter) hold() {
	a.mu.Lock()
	a.held = true
	a.mu.Unlock()
}

func (a *arbiter) release() {
	a.mu.Lock()
	a.held = false
	a.mu.Unlock()
	a.cond.Broadcast()
}

func (a *arbiter) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cond.Broadcast()
}
