package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue.
//
// Producers append to a linked list with CAS. A single internal goroutine drains
// the list and hands out whatever is available as one batch of at most maxBatch
// items, so a slow consumer naturally receives larger batches.
//
// Under concurrent Push the order of items is decided by which producer wins the
// CAS, not by which producer started first.
type LockFreeMPSC[T any] struct {
	head     atomic.Pointer[node[T]]
	tail     atomic.Pointer[node[T]]
	out      chan []*T
	maxBatch int
	consumer sync.WaitGroup
	closed   atomic.Bool

	// wakes the drain goroutine
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a queue whose batches hold at most maxBatch items.
// maxBatch <= 0 means a batch takes everything that is currently queued.
func NewLockFreeMPSC[T any](maxBatch int) *LockFreeMPSC[T] {
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		out:      make(chan []*T),
		maxBatch: maxBatch,
	}
	q.cond = sync.NewCond(&q.mu)

	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.drain()

	return q
}

// Push adds an item to the queue.
// Returns false if the item is nil or the queue is closed.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var spins uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already moved the tail, which is fine
				q.tail.CompareAndSwap(tailNode, newNode)

				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but has not moved the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// take detaches up to maxBatch items from the head of the list.
func (q *LockFreeMPSC[T]) take() []*T {
	var batch []*T
	for q.maxBatch <= 0 || len(batch) < q.maxBatch {
		head := q.head.Load()
		next := head.next.Load()
		if next == nil {
			break
		}
		batch = append(batch, next.value)
		q.head.Store(next)
		next.value = nil
	}
	return batch
}

func (q *LockFreeMPSC[T]) drain() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		if batch := q.take(); len(batch) > 0 {
			q.out <- batch
			continue
		}

		if q.closed.Load() {
			// a producer may have won the race against Close
			if batch := q.take(); len(batch) > 0 {
				q.out <- batch
				continue
			}
			return
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the channel batches are delivered on. It is closed once the queue
// is closed and fully drained.
func (q *LockFreeMPSC[T]) Recv() <-chan []*T {
	return q.out
}

// Close prevents further pushes. Queued items are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of queued items. O(n), meant for debugging.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	for current := q.head.Load(); ; count++ {
		next := current.next.Load()
		if next == nil {
			return count
		}
		current = next
	}
}
