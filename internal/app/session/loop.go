package session

import (
	"errors"
	"sync"
)

var errLoopClosed = errors.New("session loop closed")

// loop runs posted tasks one at a time on its own goroutine. The queue is
// unbounded so posting never blocks, including from inside a task.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// post schedules fn; it reports false once the loop is stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it. It must not be used from a task.
func (l *loop) call(fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return errLoopClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return errLoopClosed
	}
}

// stop runs what is already queued, then ends the loop.
func (l *loop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	finished := make(chan struct{})
	l.mu.Lock()
	l.queue = append(l.queue, func() { close(finished) })
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-finished
	close(l.quit)
	<-l.done
}
