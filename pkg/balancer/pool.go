package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/kromosynth/dispatcher/pkg/rpc"
	"github.com/kromosynth/dispatcher/pkg/task"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Pool calls the instances of one service pool. A call that meets a draining or
// unreachable instance is tried again on the next one, nothing else is retried.
type Pool struct {
	balancer Balancer
	attempts uint
	dialOpts []grpc.DialOption

	mu      sync.Mutex
	targets []string
	clients map[string]*rpc.Client
}

func NewPool(targets []string, b Balancer, attempts uint, dialOpts ...grpc.DialOption) *Pool {
	if b == nil {
		b = NewRoundRobin()
	}
	if attempts == 0 {
		attempts = 3
	}
	return &Pool{
		balancer: b,
		attempts: attempts,
		dialOpts: dialOpts,
		targets:  append([]string{}, targets...),
		clients:  map[string]*rpc.Client{},
	}
}

// SetTargets replaces the instance list, connections to dropped targets are closed
func (p *Pool) SetTargets(targets []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keep := map[string]bool{}
	for _, target := range targets {
		keep[target] = true
	}
	for target, c := range p.clients {
		if !keep[target] {
			_ = c.Close()
			delete(p.clients, target)
		}
	}
	p.targets = append([]string{}, targets...)
}

func (p *Pool) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.targets...)
}

func (p *Pool) client(ctx context.Context, target string) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[target]; ok {
		return c, nil
	}
	c, err := rpc.Dial(ctx, target, p.dialOpts...)
	if err != nil {
		return nil, err
	}
	p.clients[target] = c
	return c, nil
}

// Close closes every connection of the pool
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for target, c := range p.clients {
		_ = c.Close()
		delete(p.clients, target)
	}
}

// retryable holds for calls no instance has run. A call that failed in flight is
// never sent again, its caller decides.
func retryable(err error) bool {
	return rpc.Refused(err)
}

func (p *Pool) do(ctx context.Context, call func(c *rpc.Client) error) error {
	return retry.Do(
		func() error {
			target, err := p.balancer.Pick(p.Targets())
			if err != nil {
				return err
			}
			c, err := p.client(ctx, target)
			if err != nil {
				return err
			}
			err = call(c)
			if err != nil && retryable(err) {
				zap.S().Debugw("instance refused the call, trying the next one", "target", target, "err", err)
			}
			return err
		},
		retry.RetryIf(func(err error) bool {
			return retryable(err)
		}),
		retry.Attempts(p.attempts),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

func (p *Pool) RandomGenome(ctx context.Context, params task.RandomParams) (genomeString string, err error) {
	err = p.do(ctx, func(c *rpc.Client) error {
		genomeString, err = c.RandomGenome(ctx, params)
		return err
	})
	return genomeString, err
}

func (p *Pool) GenomeVariation(ctx context.Context, params task.VaryParams) (genomeString string, err error) {
	err = p.do(ctx, func(c *rpc.Client) error {
		genomeString, err = c.GenomeVariation(ctx, params)
		return err
	})
	return genomeString, err
}

func (p *Pool) GenomeEvaluation(ctx context.Context, params task.EvaluateParams) (scores map[string]task.ClassScore,
	err error) {
	err = p.do(ctx, func(c *rpc.Client) error {
		scores, err = c.GenomeEvaluation(ctx, params)
		return err
	})
	return scores, err
}

// Dispatch runs a task payload on the pool and returns it as a result
func (p *Pool) Dispatch(ctx context.Context, payload *task.Payload) (*task.Result, error) {
	if payload == nil {
		return nil, errors.New("nil task payload")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	result := &task.Result{TaskID: payload.ID, Kind: payload.Kind}
	var err error
	switch payload.Kind {
	case task.Evaluate:
		result.ClassScores, err = p.GenomeEvaluation(ctx, *payload.Evaluate)
	case task.GenerateRandom:
		result.GenomeString, err = p.RandomGenome(ctx, *payload.GenerateRandom)
	case task.Vary:
		result.GenomeString, err = p.GenomeVariation(ctx, *payload.Vary)
	default:
		err = fmt.Errorf("%w: %q", task.ErrUnknownKind, payload.Kind)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
