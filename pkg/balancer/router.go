package balancer

import (
	"context"
	"fmt"

	"github.com/kromosynth/dispatcher/pkg/rpc"
	"github.com/kromosynth/dispatcher/pkg/task"
)

// Router sends every task to the pool of the role that serves it. Evaluations go
// to the evaluation pool and fall back to the variation pool, which serves everything.
type Router struct {
	pools map[rpc.Role]*Pool
}

func NewRouter(pools map[rpc.Role]*Pool) *Router {
	return &Router{pools: pools}
}

func (r *Router) poolFor(kind task.Kind) (*Pool, error) {
	if kind == task.Evaluate {
		if p, ok := r.pools[rpc.RoleEvaluation]; ok {
			return p, nil
		}
	}
	if p, ok := r.pools[rpc.RoleVariation]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: no pool serves %s", ErrNoTarget, kind)
}

func (r *Router) Dispatch(ctx context.Context, payload *task.Payload) (*task.Result, error) {
	if payload == nil || !payload.Kind.Valid() {
		return nil, task.ErrUnknownKind
	}
	p, err := r.poolFor(payload.Kind)
	if err != nil {
		return nil, err
	}
	return p.Dispatch(ctx, payload)
}

func (r *Router) Close() {
	for _, p := range r.pools {
		p.Close()
	}
}
