package receiver

import (
	"context"
	"sync"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
)

// Outcome of a receiver session. It is written exactly once, when both channels have
// reached a terminal state, and never changes afterwards.
type Outcome struct {
	once   sync.Once
	done   chan struct{}
	result attacherr.Result
	err    error
}

func newOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

// set returns false if the outcome was already written.
func (o *Outcome) set(result attacherr.Result, err error) bool {
	written := false
	o.once.Do(func() {
		o.result = result
		o.err = err
		written = true
		close(o.done)
	})
	return written
}

// Done is closed when the outcome is available.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// ReplayDone reports whether both channels are terminal. Destination files must not be
// read before it returns true.
func (o *Outcome) ReplayDone() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Result of the session, or attacherr.Unknown if it is still running.
func (o *Outcome) Result() attacherr.Result {
	if !o.ReplayDone() {
		return attacherr.Unknown
	}
	return o.result
}

// Err that caused a failed result, if any.
func (o *Outcome) Err() error {
	if !o.ReplayDone() {
		return nil
	}
	return o.err
}

// Wait blocks until the outcome is available or the context is done.
func (o *Outcome) Wait(ctx context.Context) (attacherr.Result, error) {
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		return attacherr.Unknown, ctx.Err()
	}
}
