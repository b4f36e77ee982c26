package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kromosynth/dispatcher/pkg/genome"
	"github.com/kromosynth/dispatcher/pkg/task"
	"github.com/kromosynth/dispatcher/pkg/trace"
	"go.uber.org/zap"
)

var (
	// ErrNoPayload means the request pipe closed before a payload arrived
	ErrNoPayload = errors.New("no task payload received")
	// ErrEmptyGenome means the delegate returned neither a genome nor an error
	ErrEmptyGenome = errors.New("delegate returned an empty genome")
)

// Serve is the worker entry point. It reads exactly one payload from r, runs the
// operation and writes exactly one result to w.
//
// A failed evaluation still answers, with a result that has no class scores.
// A failed generation or variation answers nothing and Serve returns the error,
// the process is then expected to exit with a non-zero code.
func Serve(ctx context.Context, r io.Reader, w io.Writer, ops genome.Operations) error {
	payload := &task.Payload{}
	if err := ReadFrame(r, payload); err != nil {
		if err == io.EOF {
			return ErrNoPayload
		}
		zap.S().Errorw("worker cannot read payload", "err", err)
		return WriteFrame(w, task.NewErrorResult(nil, task.CodeInvalidPayload, err.Error()))
	}
	if err := payload.Validate(); err != nil {
		zap.S().Errorw("worker received invalid payload", "task", payload.ID, "err", err)
		return WriteFrame(w, task.NewErrorResult(payload, task.CodeInvalidPayload, err.Error()))
	}

	sp := trace.StartSpan("worker "+string(payload.Kind), trace.Extract(payload.Trace))
	defer sp.Finish()
	zap.S().Infow("worker got task", "task", payload.ID, "kind", payload.Kind, "genome", payload.GenomeID())

	result := &task.Result{TaskID: payload.ID, Kind: payload.Kind}
	switch payload.Kind {
	case task.Evaluate:
		scores, err := evaluate(ctx, ops, payload.Evaluate)
		if err != nil {
			// best effort: the caller treats the missing scores as unscored
			zap.S().Errorw("worker evaluation failed", "task", payload.ID, "genome", payload.GenomeID(), "err", err)
		}
		result.ClassScores = scores
	case task.GenerateRandom:
		g, err := produce(func() (string, error) { return ops.RandomGenome(ctx, payload.GenerateRandom) })
		if err != nil {
			zap.S().Errorw("worker random genome failed", "task", payload.ID, "run", payload.GenerateRandom.EvolutionRunID,
				"err", err)
			return err
		}
		result.GenomeString = g
	case task.Vary:
		g, err := produce(func() (string, error) { return ops.Vary(ctx, payload.Vary) })
		if err != nil {
			zap.S().Errorw("worker variation failed", "task", payload.ID, "genome", payload.GenomeID(), "err", err)
			return err
		}
		result.GenomeString = g
	}
	return WriteFrame(w, result)
}

func evaluate(ctx context.Context, ops genome.Operations, params *task.EvaluateParams) (scores map[string]task.ClassScore, err error) {
	defer func() {
		if r := recover(); r != nil {
			scores, err = nil, fmt.Errorf("evaluation panic: %v", r)
		}
	}()
	return ops.Evaluate(ctx, params)
}

func produce(f func() (string, error)) (g string, err error) {
	defer func() {
		if r := recover(); r != nil {
			g, err = "", fmt.Errorf("delegate panic: %v", r)
		}
	}()
	g, err = f()
	if err == nil && g == "" {
		err = ErrEmptyGenome
	}
	return g, err
}

// EntryPoint adapts Serve to a RunFunc, for workers that run in process
func EntryPoint(ops genome.Operations) RunFunc {
	return func(ctx context.Context, request io.Reader, response io.Writer) int {
		if err := Serve(ctx, request, response, ops); err != nil {
			return 1
		}
		return 0
	}
}
