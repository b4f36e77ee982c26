package worker

import (
	"errors"
	"fmt"

	"github.com/kromosynth/dispatcher/pkg/task"
)

var (
	// ErrInvalidPayload is returned before any worker is spawned
	ErrInvalidPayload = errors.New("invalid task payload")
	// ErrSpawn wraps failures to create the worker process
	ErrSpawn = errors.New("cannot spawn worker")
)

// WorkerCrashedError means the worker terminated without producing a result.
// ExitCode 0 is possible: exiting cleanly without a message violates the protocol.
type WorkerCrashedError struct {
	TaskID   string
	ExitCode int
	Killed   bool
}

func (e *WorkerCrashedError) Error() string {
	if e.Killed {
		return fmt.Sprintf("worker for task %s was killed (exit code %d)", e.TaskID, e.ExitCode)
	}
	return fmt.Sprintf("worker for task %s stopped with exit code %d", e.TaskID, e.ExitCode)
}

// DelegateError is an explicit error message sent by a worker
type DelegateError struct {
	TaskID  string
	Kind    task.Kind
	Code    task.ErrorCode
	Message string
}

func (e *DelegateError) Error() string {
	return fmt.Sprintf("worker for %s task %s failed: %s: %s", e.Kind, e.TaskID, e.Code, e.Message)
}

// IsCrash reports whether err is a WorkerCrashedError
func IsCrash(err error) bool {
	var crashed *WorkerCrashedError
	return errors.As(err, &crashed)
}
