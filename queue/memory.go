package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemQueue is an in-process Queue backed by a priority heap. Jobs survive
// only as long as the process; it suits sync-only deployments, tests, and
// single-binary setups where the API server and worker share a process.
type MemQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ready    jobHeap
	delayed  []Job
	inFlight int
	seq      int64
	paused   bool
	closed   bool
}

// NewMemQueue creates an empty in-process queue.
func NewMemQueue() *MemQueue {
	q := &MemQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

type heapItem struct {
	job Job
	seq int64
}

// jobHeap orders by priority weight, then FIFO within a weight.
type jobHeap []heapItem

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Enqueue implements Queue.
func (q *MemQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if !job.NotBefore.IsZero() && job.NotBefore.After(time.Now()) {
		q.delayed = append(q.delayed, job)
		q.scheduleWake(time.Until(job.NotBefore))
		return nil
	}
	q.seq++
	heap.Push(&q.ready, heapItem{job: job, seq: q.seq})
	q.cond.Signal()
	return nil
}

// EnqueueDelayed implements Queue.
func (q *MemQueue) EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error {
	job.NotBefore = time.Now().Add(delay)
	return q.Enqueue(ctx, job)
}

// EnqueueBatch implements Queue.
func (q *MemQueue) EnqueueBatch(ctx context.Context, jobs []Job) error {
	for _, job := range jobs {
		if err := q.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// scheduleWake arranges for due delayed jobs to be promoted. Caller holds
// the lock.
func (q *MemQueue) scheduleWake(after time.Duration) {
	time.AfterFunc(after, func() {
		q.mu.Lock()
		q.promoteDueLocked()
		q.mu.Unlock()
	})
}

// promoteDueLocked moves due delayed jobs onto the ready heap.
func (q *MemQueue) promoteDueLocked() {
	now := time.Now()
	kept := q.delayed[:0]
	for _, job := range q.delayed {
		if job.NotBefore.After(now) {
			kept = append(kept, job)
			continue
		}
		q.seq++
		heap.Push(&q.ready, heapItem{job: job, seq: q.seq})
		q.cond.Signal()
	}
	q.delayed = kept
}

// Consume implements Queue. Handler failures requeue the job with
// exponential backoff; delivery is at-least-once.
func (q *MemQueue) Consume(ctx context.Context, handler Handler) error {
	// Wake blocked waiters when the consumer's context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		q.mu.Lock()
		q.promoteDueLocked()
		for !q.closed && ctx.Err() == nil && (q.paused || q.ready.Len() == 0) {
			q.cond.Wait()
			q.promoteDueLocked()
		}
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return err
		}
		item := heap.Pop(&q.ready).(heapItem)
		q.inFlight++
		q.mu.Unlock()

		err := handler(ctx, item.job)

		q.mu.Lock()
		q.inFlight--
		if err != nil && ctx.Err() == nil && !q.closed {
			job := item.job
			job.Attempts++
			job.NotBefore = time.Now().Add(redeliveryBackoff(job.Attempts - 1))
			q.delayed = append(q.delayed, job)
			q.scheduleWake(time.Until(job.NotBefore))
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// Stats implements Queue.
func (q *MemQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Ready:    q.ready.Len(),
		Delayed:  len(q.delayed),
		InFlight: q.inFlight,
		Paused:   q.paused,
	}, nil
}

// Pause implements Queue.
func (q *MemQueue) Pause(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

// Resume implements Queue.
func (q *MemQueue) Resume(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
	return nil
}

// Drain implements Queue. It waits for the queue to empty, polling because
// delayed jobs become ready on timers rather than queue operations.
func (q *MemQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		empty := q.ready.Len() == 0 && len(q.delayed) == 0 && q.inFlight == 0
		q.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close implements Queue. Pending jobs are dropped; callers drain first
// when they care.
func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}
