package ts3query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Call is an in-flight Command. It is created by Client.Go and resolved
// exactly once, either with the server's response or with an error.
type Call struct {
	// Command is the request as it was given to Go.
	Command Command

	sent string

	once sync.Once
	done chan struct{}
	res  Response
	err  error

	// abandoned is set when the caller stopped waiting. The call keeps its
	// place in the pending queue until the server answers it.
	abandoned atomic.Bool
}

func newCall(cmd Command, sent string) *Call {
	return &Call{
		Command: cmd,
		sent:    sent,
		done:    make(chan struct{}),
	}
}

// Sent returns the encoded text written to the connection.
func (c *Call) Sent() string {
	return c.sent
}

// Done returns a channel that is closed when the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome of the call. It must only be called after Done
// is closed; before that it returns a zero Response and a nil error.
func (c *Call) Result() (Response, error) {
	select {
	case <-c.done:
		return c.res, c.err
	default:
		return Response{}, nil
	}
}

// Wait blocks until the call is resolved or ctx is done. When ctx ends first
// the call is abandoned: its response is discarded when it arrives.
func (c *Call) Wait(ctx context.Context) (Response, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
	}

	select {
	case <-c.done:
		return c.res, c.err
	default:
	}

	c.abandoned.Store(true)
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return Response{}, fmt.Errorf("%s: %w", c.Command.Name, ErrTimeout)
	}
	return Response{}, err
}

// Abandoned reports whether the caller stopped waiting for the call.
func (c *Call) Abandoned() bool {
	return c.abandoned.Load()
}

// resolve completes the call. Only the first resolution takes effect; it
// reports whether this one did.
func (c *Call) resolve(res Response, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.res = res
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}
