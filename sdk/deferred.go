package speechos

import (
	"context"
	"sync"
	"time"

	"github.com/speechos/speechos-go/pkg/core"
)

// Deferred is a manually-settleable result with an attachable timeout.
// First settlement wins: once resolved, rejected or timed out, further
// settlement calls are no-ops.
type Deferred[T any] struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	value   T
	err     error
	timer   *time.Timer
}

// NewDeferred creates an unsettled deferred.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve settles with a value. Returns false if already settled.
func (d *Deferred[T]) Resolve(value T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	d.value = value
	d.stopTimerLocked()
	close(d.done)
	return true
}

// Reject settles with an error. Returns false if already settled.
func (d *Deferred[T]) Reject(err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	d.err = err
	d.stopTimerLocked()
	close(d.done)
	return true
}

// IsSettled reports whether the deferred has an outcome.
func (d *Deferred[T]) IsSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// ArmTimeout schedules a self-rejection. If the deferred is still unsettled
// when the timer fires, it rejects with rejectErr and emits a diagnostic
// event built from it. Settlement before the timer fires clears the timer;
// no event is emitted in that case. Timeout is the only source of
// spontaneous rejection.
func (d *Deferred[T]) ArmTimeout(timeout time.Duration, rejectErr *core.Error, source DiagnosticSource, emit func(DiagnosticEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return
	}
	d.stopTimerLocked()
	d.timer = time.AfterFunc(timeout, func() {
		if d.Reject(rejectErr) && emit != nil {
			emit(DiagnosticEvent{
				Code:     rejectErr.Code,
				Message:  rejectErr.Message,
				Source:   source,
				Severity: SeverityError,
			})
		}
	})
}

// Await blocks until the deferred settles or ctx is done.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.value, d.err
	}
}

// Done returns a channel closed on settlement.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

func (d *Deferred[T]) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
