package genome

import (
	"context"

	"github.com/kromosynth/dispatcher/pkg/task"
)

// Operations is the boundary to the genome library: synthesis, mutation and
// classification live behind it and are not part of the dispatcher.
// Implementations must not read configuration from the environment, everything
// they need is in the parameters.
type Operations interface {
	// Evaluate renders the genome and returns its class scores
	Evaluate(ctx context.Context, params *task.EvaluateParams) (map[string]task.ClassScore, error)
	// RandomGenome returns a new serialized random genome
	RandomGenome(ctx context.Context, params *task.RandomParams) (string, error)
	// Vary returns a serialized offspring of the given parent genomes
	Vary(ctx context.Context, params *task.VaryParams) (string, error)
}
