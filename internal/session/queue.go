package session

import "sync"

// Queue is an unbounded FIFO drained by a single goroutine. A Session uses
// one for its work and one for observer notifications; callers pass their
// own to RunPrediction to choose where handlers run.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	exited chan struct{}
}

// NewQueue starts the queue goroutine.
func NewQueue() *Queue {
	q := &Queue{exited: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.exited)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		f := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		f()
	}
}

// Post appends f. It reports false when the queue is closed.
func (q *Queue) Post(f func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, f)
	q.cond.Signal()
	return true
}

// Flush blocks until everything posted before the call has run. It must not
// be called from the queue's own goroutine.
func (q *Queue) Flush() {
	done := make(chan struct{})
	if !q.Post(func() { close(done) }) {
		<-q.exited
		return
	}
	<-done
}

// Close stops accepting work. Items already posted still run; the goroutine
// exits once the queue is empty. Close does not wait.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Wait blocks until the queue goroutine has exited after Close.
func (q *Queue) Wait() { <-q.exited }
