package worker

import (
	"bytes"
	"context"
	"io"

	"github.com/kromosynth/dispatcher/pkg/task"
)

type eofReader struct{}

func (eofReader) Read(p []byte) (int, error) { return 0, io.EOF }

func newBuffer() *bytes.Buffer { return &bytes.Buffer{} }

type panickingOps struct{}

func (panickingOps) Evaluate(ctx context.Context, params *task.EvaluateParams) (map[string]task.ClassScore, error) {
	panic("tensor backend unavailable")
}

func (panickingOps) RandomGenome(ctx context.Context, params *task.RandomParams) (string, error) {
	panic("audio context unavailable")
}

func (panickingOps) Vary(ctx context.Context, params *task.VaryParams) (string, error) {
	panic("audio context unavailable")
}
