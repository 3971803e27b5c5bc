package pulsewatch

import (
	"sync"

	"go.uber.org/zap"
)

// dispatcher serializes all reconciliation work onto a single goroutine, so
// the core never runs concurrently with itself and needs no locking. Server
// completions re-enter the core exclusively through post.
type dispatcher struct {
	logger    *zap.SugaredLogger
	calls     chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

const dispatcherQueueSize = 64

func newDispatcher(logger *zap.SugaredLogger) *dispatcher {
	return &dispatcher{
		logger: logger.Named("loop"),
		calls:  make(chan func(), dispatcherQueueSize),
		closed: make(chan struct{}),
	}
}

// post schedules fn on the loop. Once the loop has shut down, work is
// silently dropped: a completion arriving after teardown must not execute
// against torn-down state.
func (d *dispatcher) post(fn func()) bool {
	// checked up front: with a buffered calls channel both select cases can
	// be ready at once, and a closed loop must always win
	select {
	case <-d.closed:
		d.logger.Debug("Loop is closed, dropping posted call")
		return false
	default:
	}

	select {
	case <-d.closed:
		d.logger.Debug("Loop is closed, dropping posted call")
		return false
	case d.calls <- fn:
		return true
	}
}

// run processes posted calls until the loop is closed. It is the only
// goroutine that ever executes reconciliation code.
func (d *dispatcher) run() {
	for {
		select {
		case fn := <-d.calls:
			fn()
		case <-d.closed:
			d.logger.Debug("Loop closed, dispatcher terminating")
			return
		}
	}
}

// close shuts the loop down. Safe to call from loop callbacks; pending and
// future posts are discarded.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
}
