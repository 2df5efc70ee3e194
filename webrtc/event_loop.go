package webrtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

// EventLoop runs callbacks one at a time on the goroutine calling Run.
// Everything the library hands back to user code goes through it, so
// callbacks never need to lock against each other.
type EventLoop struct {
	log logging.LeveledLogger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	quitOnce sync.Once
	quit     chan struct{}
	err      error
}

func NewEventLoop(loggerFactory logging.LoggerFactory) *EventLoop {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &EventLoop{
		log:  loggerFactory.NewLogger("event-loop"),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Post queues fn. It never blocks and reports false once the loop stopped.
func (loop *EventLoop) Post(fn func()) bool {
	select {
	case <-loop.quit:
		return false
	default:
	}

	loop.mu.Lock()
	loop.pending = append(loop.pending, fn)
	loop.mu.Unlock()

	select {
	case loop.wake <- struct{}{}:
	default:
	}
	return true
}

// TimeoutAdd runs fn on the loop once d has elapsed. The returned function
// cancels it if it has not run yet.
func (loop *EventLoop) TimeoutAdd(d time.Duration, fn func()) func() {
	var cancelled int32
	timer := time.AfterFunc(d, func() {
		loop.Post(func() {
			if atomic.LoadInt32(&cancelled) == 0 {
				fn()
			}
		})
	})
	return func() {
		atomic.StoreInt32(&cancelled, 1)
		timer.Stop()
	}
}

// Run dispatches callbacks until ctx is done, Quit is called or a callback
// calls Fail. Only the latter makes it return an error.
func (loop *EventLoop) Run(ctx context.Context) error {
	for {
		for _, fn := range loop.drain() {
			select {
			case <-loop.quit:
				return loop.err
			default:
			}
			fn()
		}

		select {
		case <-ctx.Done():
			loop.Quit()
			return nil
		case <-loop.quit:
			return loop.err
		case <-loop.wake:
		}
	}
}

func (loop *EventLoop) drain() []func() {
	loop.mu.Lock()
	defer loop.mu.Unlock()
	pending := loop.pending
	loop.pending = nil
	return pending
}

func (loop *EventLoop) Quit() {
	loop.quitOnce.Do(func() {
		close(loop.quit)
	})
}

// Fail stops the loop and makes Run return err. Only the first failure is kept.
func (loop *EventLoop) Fail(err error) {
	loop.quitOnce.Do(func() {
		loop.log.Errorf("event loop failed: %v", err)
		loop.err = err
		close(loop.quit)
	})
}

func (loop *EventLoop) Done() <-chan struct{} {
	return loop.quit
}
