package balancer

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/kromosynth/dispatcher/pkg/rpc"
	"github.com/kromosynth/dispatcher/pkg/task"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRoundRobin(t *testing.T) {
	b := NewRoundRobin()
	_, err := b.Pick(nil)
	require.ErrorIs(t, err, ErrNoTarget)

	targets := Targets("127.0.0.1", []int{50051, 50052, 50053})
	require.Equal(t, []string{"127.0.0.1:50051", "127.0.0.1:50052", "127.0.0.1:50053"}, targets)

	counts := map[string]int{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target, err := b.Pick(targets)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			counts[target]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, target := range targets {
		require.Equal(t, 10, counts[target])
	}
}

type counting struct {
	mu    sync.Mutex
	calls int
}

func (c *counting) Dispatch(ctx context.Context, payload *task.Payload) (*task.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return &task.Result{TaskID: payload.ID, GenomeString: `{"_id":"g"}`}, nil
}

func (c *counting) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// stalling never answers, it holds the call until the instance goes away
type stalling struct {
	counting
	entered chan struct{}
}

func (s *stalling) Dispatch(ctx context.Context, payload *task.Payload) (*task.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.entered <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func startInstance(t *testing.T, d rpc.Dispatcher) (string, *rpc.Server) {
	target, srv, _ := startServer(t, d)
	return target, srv
}

func startServer(t *testing.T, d rpc.Dispatcher) (string, *rpc.Server, *grpc.Server) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv, err := rpc.NewServer(rpc.Config{Role: rpc.RoleVariation, Dispatcher: d})
	require.NoError(t, err)
	gs := rpc.NewGRPCServer()
	srv.Register(gs)
	go func() {
		_ = gs.Serve(lis)
	}()
	t.Cleanup(gs.Stop)
	return lis.Addr().String(), srv, gs
}

func TestPool_SkipsDrainingInstance(t *testing.T) {
	draining, healthy := &counting{}, &counting{}
	drainingTarget, drainingSrv := startInstance(t, draining)
	healthyTarget, _ := startInstance(t, healthy)
	drainingSrv.Drain()

	p := NewPool([]string{drainingTarget, healthyTarget}, NewRoundRobin(), 3)
	defer p.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		g, err := p.RandomGenome(ctx, task.RandomParams{EvolutionRunID: "r"})
		require.NoError(t, err)
		require.Equal(t, `{"_id":"g"}`, g)
	}
	require.Equal(t, 0, draining.count())
	require.Equal(t, 4, healthy.count())

	result, err := p.Dispatch(ctx, task.NewVary(task.VaryParams{GenomeStrings: []string{`{"_id":"p"}`}}))
	require.NoError(t, err)
	require.Equal(t, task.Vary, result.Kind)
	require.Equal(t, `{"_id":"g"}`, result.GenomeString)
}

func TestPool_InFlightCallIsNotResent(t *testing.T) {
	dying := &stalling{entered: make(chan struct{}, 1)}
	dyingTarget, _, dyingServer := startServer(t, dying)
	healthy := &counting{}
	healthyTarget, _ := startInstance(t, healthy)

	p := NewPool([]string{dyingTarget, healthyTarget}, NewRoundRobin(), 3)
	defer p.Close()

	go func() {
		<-dying.entered
		dyingServer.Stop()
	}()
	g, err := p.RandomGenome(context.Background(), task.RandomParams{EvolutionRunID: "r"})
	require.Error(t, err)
	require.Empty(t, g)
	require.False(t, rpc.Refused(err))
	require.Equal(t, codes.Unavailable, status.Code(err))
	require.Equal(t, 1, dying.count())
	require.Equal(t, 0, healthy.count())
}

func TestPool_GivesUp(t *testing.T) {
	d := &counting{}
	target, srv := startInstance(t, d)
	srv.Drain()

	p := NewPool([]string{target}, nil, 2)
	defer p.Close()
	_, err := p.RandomGenome(context.Background(), task.RandomParams{})
	require.Equal(t, codes.Unavailable, status.Code(err))
	require.True(t, rpc.Refused(err))
	require.Equal(t, 0, d.count())

	p.SetTargets(nil)
	_, err = p.RandomGenome(context.Background(), task.RandomParams{})
	require.ErrorIs(t, err, ErrNoTarget)

	_, err = p.Dispatch(context.Background(), &task.Payload{Kind: "crossover"})
	require.ErrorIs(t, err, task.ErrUnknownKind)
}

func TestRouter(t *testing.T) {
	variation, evaluation := &counting{}, &counting{}
	variationTarget, _ := startInstance(t, variation)
	evaluationTarget, _ := startInstance(t, evaluation)

	r := NewRouter(map[rpc.Role]*Pool{
		rpc.RoleVariation:  NewPool([]string{variationTarget}, nil, 1),
		rpc.RoleEvaluation: NewPool([]string{evaluationTarget}, nil, 1),
	})
	defer r.Close()

	ctx := context.Background()
	_, err := r.Dispatch(ctx, task.NewRandom(task.RandomParams{EvolutionRunID: "r"}))
	require.NoError(t, err)
	_, err = r.Dispatch(ctx, task.NewEvaluate(task.EvaluateParams{GenomeString: `{"_id":"g"}`}))
	require.NoError(t, err)
	require.Equal(t, 1, variation.count())
	require.Equal(t, 1, evaluation.count())

	onlyEvaluation := NewRouter(map[rpc.Role]*Pool{rpc.RoleEvaluation: NewPool([]string{evaluationTarget}, nil, 1)})
	defer onlyEvaluation.Close()
	_, err = onlyEvaluation.Dispatch(ctx, task.NewVary(task.VaryParams{GenomeStrings: []string{`{"_id":"p"}`}}))
	require.ErrorIs(t, err, ErrNoTarget)
	_, err = onlyEvaluation.Dispatch(ctx, &task.Payload{Kind: "crossover"})
	require.ErrorIs(t, err, task.ErrUnknownKind)
}
