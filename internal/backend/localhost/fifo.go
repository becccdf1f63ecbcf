package localhost

import "sync"

// fifo is an unbounded task queue. Pushing never waits on the workers;
// the worker count alone bounds how many tasks run at once.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []item
	closed bool
}

func newFIFO() *fifo {
	q := &fifo{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends items in order. It reports false once the queue is closed.
func (q *fifo) push(items ...item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, items...)
	q.cond.Broadcast()
	return true
}

// pop blocks until an item is available. It reports false when the queue
// is closed and drained.
func (q *fifo) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	return it, true
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes every waiting pop. Queued items are still handed out.
func (q *fifo) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	q.cond.Broadcast()
	return true
}
