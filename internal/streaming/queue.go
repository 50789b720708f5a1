package streaming

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/bilbercode/gencam/internal/driver"
)

var ErrQueueClosed = errors.New("frame queue closed")

type frameHeap []driver.StreamFrame

func (h frameHeap) Len() int            { return len(h) }
func (h frameHeap) Less(i, j int) bool  { return h[i].Sequence < h[j].Sequence }
func (h frameHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x interface{}) { *h = append(*h, x.(driver.StreamFrame)) }
func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = driver.StreamFrame{}
	*h = old[:n-1]
	return f
}

// Queue hands frames from the producer to the consumer in sequence order.
//
// Get holds back a frame while an earlier sequence number is still missing.
// Once the queue is full or closed the lowest frame is released anyway, so a
// lost frame cannot stall the consumer.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	frames   frameHeap
	capacity int
	next     uint64
	closed   bool
}

// NewQueue builds a queue holding up to capacity frames, expecting first as
// the first sequence number.
func NewQueue(capacity int, first uint64) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{capacity: capacity, next: first}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put blocks while the queue is full.
func (q *Queue) Put(f driver.StreamFrame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.frames) >= q.capacity {
		q.cond.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	heap.Push(&q.frames, f)
	q.cond.Broadcast()
	return nil
}

// Get returns the next frame in sequence order. Once closed, the remaining
// frames are drained before ErrQueueClosed is returned.
func (q *Queue) Get(ctx context.Context) (driver.StreamFrame, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.ready() {
		if err := ctx.Err(); err != nil {
			return driver.StreamFrame{}, err
		}
		if q.closed && len(q.frames) == 0 {
			return driver.StreamFrame{}, ErrQueueClosed
		}
		q.cond.Wait()
	}
	f := heap.Pop(&q.frames).(driver.StreamFrame)
	if f.Sequence >= q.next {
		q.next = f.Sequence + 1
	}
	q.cond.Broadcast()
	return f, nil
}

func (q *Queue) ready() bool {
	if len(q.frames) == 0 {
		return false
	}
	return q.frames[0].Sequence <= q.next || q.closed || len(q.frames) >= q.capacity
}

// Close wakes every waiter. Put fails from now on.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
