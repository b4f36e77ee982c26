package worker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/kromosynth/dispatcher/pkg/prom"
	"github.com/kromosynth/dispatcher/pkg/task"
	"github.com/kromosynth/dispatcher/pkg/trace"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

const (
	// exitGrace is how long a worker may linger after its message before it is killed
	exitGrace = 5 * time.Second
	// drainGrace is how long the result pipe is drained after the worker exited
	drainGrace = time.Second
)

// Options configures a Client
type Options struct {
	// Timeout kills a worker that has not answered in time, zero means no limit
	Timeout time.Duration
}

// Client hands every task to a fresh worker and waits for its single answer.
// It owns the pending calls, nothing else touches them.
type Client struct {
	spawner Spawner
	timeout time.Duration
	pending cmap.ConcurrentMap
}

func NewClient(spawner Spawner, opts Options) *Client {
	return &Client{
		spawner: spawner,
		timeout: opts.Timeout,
		pending: cmap.New(),
	}
}

// InFlight returns the number of dispatched calls that are not settled yet
func (c *Client) InFlight() int {
	return c.pending.Count()
}

type message struct {
	result *task.Result
	err    error
}

type exitStatus struct {
	code int
	err  error
}

// Dispatch runs the payload in a new worker and blocks until it is settled.
// It returns either a result or an error, never both: ErrInvalidPayload without
// spawning anything, *WorkerCrashedError when the worker went away without
// answering, *DelegateError when it answered with an error message.
// No retry happens here.
func (c *Client) Dispatch(ctx context.Context, payload *task.Payload) (*task.Result, error) {
	if payload == nil {
		return nil, ErrInvalidPayload
	}
	if err := payload.Validate(); err != nil {
		prom.Dispatches.WithLabelValues(string(payload.Kind), "invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	// the worker gets a snapshot, later changes of the caller never reach it
	snapshot, err := payload.Clone()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if snapshot.ID == "" {
		snapshot.ID = xid.New().String()
	}

	sp, ctx := opentracing.StartSpanFromContext(ctx, "dispatch "+string(snapshot.Kind))
	defer sp.Finish()
	sp.SetTag("task.id", snapshot.ID)
	snapshot.Trace = trace.Inject(sp)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	call := newCall(snapshot)
	c.pending.Set(snapshot.ID, call)
	defer c.pending.Remove(snapshot.ID)

	proc, err := c.spawner.Spawn(ctx)
	if err != nil {
		call.reject(fmt.Errorf("%w: %v", ErrSpawn, err))
	} else {
		prom.WorkersRunning.Inc()
		zap.S().Debugw("worker spawned", "task", snapshot.ID, "kind", snapshot.Kind, "pid", proc.Pid(),
			"genome", snapshot.GenomeID())
		go c.send(call, proc)
		go c.watch(ctx, call, proc)
	}

	result, err := call.Wait()
	c.observe(call, err)
	if err != nil {
		ext.Error.Set(sp, true)
		sp.LogKV("error", err.Error())
	}
	return result, err
}

// send writes the payload frame and closes the request pipe, the only place it is closed
func (c *Client) send(call *Call, proc Process) {
	defer proc.Request().Close()
	if err := WriteFrame(proc.Request(), call.Payload); err != nil {
		// the exit of the worker settles the call
		zap.S().Warnw("worker request error", "task", call.Payload.ID, "err", err)
	}
}

// watch settles the call from the three completion triggers: result message,
// error message, and process exit. A message always wins over the exit status
// that follows it.
func (c *Client) watch(ctx context.Context, call *Call, proc Process) {
	messages := make(chan message, 1)
	go func() {
		result := &task.Result{}
		err := ReadFrame(proc.Response(), result)
		if err != nil {
			result = nil
		}
		messages <- message{result: result, err: err}
	}()
	exited := make(chan exitStatus, 1)
	go func() {
		code, err := proc.Wait()
		prom.WorkersRunning.Dec()
		exited <- exitStatus{code: code, err: err}
	}()

	killed := false
	done := ctx.Done()
	response := (<-chan message)(messages)
	for {
		select {
		case m := <-response:
			if m.err == nil {
				c.settleMessage(call, m.result)
				go c.reap(call, proc, exited)
				return
			}
			if m.err != io.EOF {
				zap.S().Warnw("worker response error", "task", call.Payload.ID, "err", m.err)
			}
			// no message can follow a broken one, the exit or the deadline settles the call
			response = nil
		case st := <-exited:
			if response == nil {
				c.settleExit(call, st, killed)
				proc.Response().Close()
				return
			}
			// whatever the worker wrote before exiting is still in the pipe
			select {
			case m := <-response:
				if m.err == nil {
					c.settleMessage(call, m.result)
				} else {
					c.settleExit(call, st, killed)
				}
			case <-time.After(drainGrace):
				c.settleExit(call, st, killed)
			}
			proc.Response().Close()
			return
		case <-done:
			zap.S().Warnw("killing worker", "task", call.Payload.ID, "pid", proc.Pid(), "reason", ctx.Err())
			killed = true
			done = nil
			if err := proc.Kill(); err != nil {
				zap.S().Warnw("kill worker error", "task", call.Payload.ID, "err", err)
			}
		}
	}
}

func (c *Client) settleMessage(call *Call, result *task.Result) {
	if result.TaskID == "" {
		result.TaskID = call.Payload.ID
	}
	if result.Kind == "" {
		result.Kind = call.Payload.Kind
	}
	if result.Error != nil {
		call.reject(&DelegateError{
			TaskID:  call.Payload.ID,
			Kind:    call.Payload.Kind,
			Code:    result.Error.Code,
			Message: result.Error.Message,
		})
		return
	}
	call.resolve(result)
}

func (c *Client) settleExit(call *Call, st exitStatus, killed bool) {
	if st.err != nil {
		zap.S().Warnw("worker wait error", "task", call.Payload.ID, "err", st.err)
	}
	zap.S().Warnw("worker exited without a result", "task", call.Payload.ID, "kind", call.Payload.Kind,
		"code", st.code, "killed", killed)
	call.reject(&WorkerCrashedError{TaskID: call.Payload.ID, ExitCode: st.code, Killed: killed})
}

// reap waits for a worker that has already answered, its exit status does not matter anymore
func (c *Client) reap(call *Call, proc Process, exited <-chan exitStatus) {
	defer proc.Response().Close()
	select {
	case st := <-exited:
		if st.code != 0 {
			zap.S().Infow("worker exited after its result", "task", call.Payload.ID, "code", st.code)
		}
	case <-time.After(exitGrace):
		zap.S().Warnw("worker did not exit after its result", "task", call.Payload.ID, "pid", proc.Pid())
		_ = proc.Kill()
		<-exited
	}
}

func (c *Client) observe(call *Call, err error) {
	kind := string(call.Payload.Kind)
	prom.DispatchDuration.WithLabelValues(kind).Observe(time.Since(call.Started).Seconds())
	outcome := "ok"
	switch {
	case err == nil:
	case IsCrash(err):
		outcome = "crashed"
	default:
		outcome = "failed"
	}
	prom.Dispatches.WithLabelValues(kind, outcome).Inc()
}
