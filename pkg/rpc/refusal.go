package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// refusedTrailer marks a reply of an instance that turned the call away before
// running anything. A bare Unavailable may come from a call that died in flight.
const refusedTrailer = "kromosynth-refused"

// ErrRefused matches calls that never reached a worker, they are safe to send elsewhere
var ErrRefused = errors.New("call refused before it ran")

// refuse answers a call the draining instance will not run
func refuse(ctx context.Context) error {
	_ = grpc.SetTrailer(ctx, metadata.Pairs(refusedTrailer, "restart"))
	return status.Error(codes.Unavailable, ErrInstanceRestart.Error())
}

// refusedError keeps the grpc status of the refusal so that status.Code still works
type refusedError struct {
	target string
	err    error
}

func (e *refusedError) Error() string {
	return e.target + ": " + e.err.Error()
}

func (e *refusedError) Unwrap() error {
	return e.err
}

func (e *refusedError) Is(target error) bool {
	return target == ErrRefused
}

func (e *refusedError) GRPCStatus() *status.Status {
	return status.Convert(e.err)
}

// Refused reports whether err is a call that was turned away without being run
func Refused(err error) bool {
	return errors.Is(err, ErrRefused)
}

// unreachable reports whether the connection is known to be down, a call would
// fail before anything is sent
func (c *Client) unreachable() bool {
	switch c.conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return true
	}
	return false
}
