package worker

import (
	"sync"
	"time"

	"github.com/kromosynth/dispatcher/pkg/task"
)

// Call is the completion handle of one dispatched task, an abstraction like a
// javascript Promise that can only be settled once. The first resolve or reject
// wins, every later one is dropped.
type Call struct {
	Payload *task.Payload
	Started time.Time

	once   sync.Once
	done   chan struct{}
	result *task.Result
	err    error
}

func newCall(payload *task.Payload) *Call {
	return &Call{
		Payload: payload,
		Started: time.Now(),
		done:    make(chan struct{}),
	}
}

// resolve settles the call with a result, it returns false if the call was already settled
func (c *Call) resolve(result *task.Result) bool {
	return c.settle(result, nil)
}

// reject settles the call with an error, it returns false if the call was already settled
func (c *Call) reject(err error) bool {
	return c.settle(nil, err)
}

func (c *Call) settle(result *task.Result, err error) bool {
	settled := false
	c.once.Do(func() {
		c.result, c.err = result, err
		settled = true
		close(c.done)
	})
	return settled
}

// Done is closed once the call is settled
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call is settled
func (c *Call) Wait() (*task.Result, error) {
	<-c.done
	return c.result, c.err
}
