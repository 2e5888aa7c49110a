package client

import (
	"context"
	"sync"
	"time"

	"mux-rpc/pending"
	"mux-rpc/protocol"
)

// Call represents one invocation in flight. Done is closed exactly once, after
// Reply and Err have been set.
type Call struct {
	Code  protocol.CommandCode
	ID    protocol.InvocationID
	Reply []byte // response payload, valid once Done is closed and Err is nil
	Err   error  // why the invocation failed, valid once Done is closed
	Done  chan struct{}

	ticket pending.Ticket
	start  time.Time

	mu       sync.Mutex
	timer    *time.Timer
	finished bool
}

func newCall(code protocol.CommandCode, id protocol.InvocationID) *Call {
	return &Call{
		Code:  code,
		ID:    id,
		Done:  make(chan struct{}),
		start: time.Now(),
	}
}

// complete is the pending.Action for this call. The registry runs it at most
// once.
func (c *Call) complete(payload []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.Reply = payload
	c.Err = err
	close(c.Done)
}

// setTimer attaches the expiry timer. The call can finish before its timer
// exists (connection loss right after registration); the timer is then
// stopped at once.
func (c *Call) setTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		t.Stop()
		return
	}
	c.timer = t
}

func (c *Call) stopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Wait blocks until the call finishes or ctx ends. Ending ctx does not abandon
// the call; use Client.Invoke for that.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.Done:
		return c.Reply, c.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
