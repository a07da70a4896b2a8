package client

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// dispatcher runs queued funcs one at a time on its own goroutine. The queue
// is unbounded so the read loop never blocks on a slow handler.
type dispatcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}

	// executing is set while a queued func runs.
	executing atomic.Bool
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// push queues fn. It reports false once the dispatcher is closed.
func (d *dispatcher) push(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			d.safeExecute(fn)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-d.signal
		}
	}
}

func (d *dispatcher) safeExecute(fn func()) {
	d.executing.Store(true)
	defer d.executing.Store(false)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("client handler panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// close stops accepting work, runs what is queued and waits for the
// goroutine to exit. Called from a dispatched func it returns without
// waiting; the rest of the queue runs after that func returns.
func (d *dispatcher) close() {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()

	if !already {
		select {
		case d.signal <- struct{}{}:
		default:
		}
	}
	if d.executing.Load() {
		return
	}
	<-d.done
}
