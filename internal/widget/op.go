package widget

import (
	"context"
)

// Op is the handle of an asynchronous runtime call. Calls return at once;
// the work runs in the background and its outcome is read from the Op.
type Op struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// start runs fn in a new goroutine under a context derived from parent.
func start(parent context.Context, fn func(ctx context.Context) error) *Op {
	ctx, cancel := context.WithCancel(parent)
	op := &Op{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		op.err = fn(ctx)
		close(op.done)
	}()
	return op
}

// finished returns an Op that is already complete with err.
func finished(err error) *Op {
	op := &Op{done: make(chan struct{}), err: err, cancel: func() {}}
	close(op.done)
	return op
}

// Done is closed when the operation has finished.
func (o *Op) Done() <-chan struct{} {
	return o.done
}

// Err returns the outcome once Done is closed, nil before.
func (o *Op) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or ctx ends.
func (o *Op) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks the operation to stop. Work already handed to the transport
// is not recalled.
func (o *Op) Cancel() {
	o.cancel()
}
