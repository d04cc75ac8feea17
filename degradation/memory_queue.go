package degradation

import "sync"

// memoryQueue is a bounded FIFO ring buffer that overwrites its oldest
// entry when full.
type memoryQueue struct {
	mu    sync.Mutex
	items []interface{}
	head  int
	size  int
}

func newMemoryQueue(capacity int) *memoryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &memoryQueue{items: make([]interface{}, capacity)}
}

// push appends job, returning true if the oldest job was evicted
func (q *memoryQueue) push(job interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := len(q.items)
	if q.size == capacity {
		q.items[q.head] = job
		q.head = (q.head + 1) % capacity
		return true
	}
	q.items[(q.head+q.size)%capacity] = job
	q.size++
	return false
}

// drain removes and returns every job in FIFO order
func (q *memoryQueue) drain() []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]interface{}, 0, q.size)
	capacity := len(q.items)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % capacity
		out = append(out, q.items[idx])
		q.items[idx] = nil
	}
	q.head = 0
	q.size = 0
	return out
}

func (q *memoryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
