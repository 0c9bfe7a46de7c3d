package player

import "sync"

// opQueue runs the blocking work of one call session on its own goroutine,
// in submission order. close drops whatever has not started yet.
type opQueue struct {
	mu     sync.Mutex
	ops    []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newOpQueue() *opQueue {
	q := &opQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *opQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.ops = append(q.ops, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *opQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.ops = nil
	q.mu.Unlock()
	q.signal()
}

func (q *opQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *opQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.ops) == 0 && !q.closed {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.ops[0]
		q.ops = q.ops[1:]
		q.mu.Unlock()
		fn()
	}
}
