package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kromosynth/dispatcher/pkg/prom"
	"github.com/kromosynth/dispatcher/pkg/task"
	"github.com/kromosynth/dispatcher/pkg/worker"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Role decides which operations a service instance serves
type Role string

const (
	RoleVariation  Role = "variation"
	RoleEvaluation Role = "evaluation"
)

func (r Role) Valid() bool {
	return r == RoleVariation || r == RoleEvaluation
}

// ErrInstanceRestart is reported to callers of an instance that is being recycled
var ErrInstanceRestart = errors.New("service instance is restarting")

// Dispatcher runs one task to completion, worker.Client is the one used in production
type Dispatcher interface {
	Dispatch(ctx context.Context, payload *task.Payload) (*task.Result, error)
}

// Config is everything an instance knows about itself. The model url is handed to
// every evaluation payload, workers never look it up.
type Config struct {
	Role       Role
	ModelURL   string
	Dispatcher Dispatcher
}

// Server forwards every call as one task payload and relays the result
type Server struct {
	role       Role
	modelURL   string
	dispatcher Dispatcher
	health     *health.Server
	draining   int32
}

func NewServer(cfg Config) (*Server, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("unknown service role %q", cfg.Role)
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("service needs a dispatcher")
	}
	return &Server{
		role:       cfg.Role,
		modelURL:   cfg.ModelURL,
		dispatcher: cfg.Dispatcher,
		health:     health.NewServer(),
	}, nil
}

// Register adds the genome service and the health service to gs and marks them serving
func (s *Server) Register(gs *grpc.Server) {
	RegisterGenomeServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Drain rejects new calls from now on, calls in flight are not affected
func (s *Server) Drain() {
	if atomic.CompareAndSwapInt32(&s.draining, 0, 1) {
		zap.S().Infow("service instance draining", "role", s.role)
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

func (s *Server) Draining() bool {
	return atomic.LoadInt32(&s.draining) == 1
}

func (s *Server) RandomGenome(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.role != RoleVariation {
		return nil, status.Errorf(codes.Unimplemented, "%s instances do not create random genomes", s.role)
	}
	if s.Draining() {
		return nil, refuse(ctx)
	}
	params, err := decodeRandom(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := s.dispatcher.Dispatch(ctx, task.NewRandom(params))
	if err != nil {
		return nil, toStatus(err)
	}
	zap.S().Infow("created new genome", "run", params.EvolutionRunID, "genome", task.GenomeID(result.GenomeString))
	return genomeReply(result.GenomeString), nil
}

// GenomeVariation never fails because of the variation itself: callers get an
// empty genome_string and decide what to do about the missing offspring
func (s *Server) GenomeVariation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.Draining() {
		return nil, refuse(ctx)
	}
	params, err := decodeVariation(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	payload := task.NewVary(params)
	result, err := s.dispatcher.Dispatch(ctx, payload)
	if err != nil {
		if errors.Is(err, worker.ErrInvalidPayload) {
			return nil, toStatus(err)
		}
		zap.S().Errorw("variation failed", "run", params.EvolutionRunID, "genome", payload.GenomeID(), "err", err)
		return genomeReply(""), nil
	}
	zap.S().Infow("created new genome by variation", "run", params.EvolutionRunID,
		"genome", task.GenomeID(result.GenomeString))
	return genomeReply(result.GenomeString), nil
}

func (s *Server) GenomeEvaluation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.Draining() {
		return nil, refuse(ctx)
	}
	params, err := decodeEvaluation(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if s.modelURL != "" {
		params.ModelURL = s.modelURL
	}
	payload := task.NewEvaluate(params)
	result, err := s.dispatcher.Dispatch(ctx, payload)
	if err != nil {
		return nil, toStatus(err)
	}
	if !result.Scored() {
		zap.S().Warnw("genome left unscored", "genome", payload.GenomeID())
	}
	reply, err := scoresReply(result.ClassScores)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return reply, nil
}

func toStatus(err error) error {
	var delegateErr *worker.DelegateError
	switch {
	case errors.Is(err, worker.ErrInvalidPayload):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case worker.IsCrash(err):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &delegateErr):
		return status.Error(codes.Internal, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// Observe is the unary interceptor of the genome service: one span and one
// counter sample per call
func Observe(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (interface{}, error) {
	method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
	sp, ctx := opentracing.StartSpanFromContext(ctx, "rpc "+method)
	defer sp.Finish()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	prom.RPCRequests.WithLabelValues(method, code.String()).Inc()
	if err != nil {
		ext.Error.Set(sp, true)
		sp.LogKV("error", err.Error())
	}
	return resp, err
}

// NewGRPCServer returns a grpc server with the message limits and the interceptor of the service
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
		grpc.ChainUnaryInterceptor(Observe),
	}, opts...)
	return grpc.NewServer(opts...)
}

// ServeUntil serves lis until ctx is done, then drains: new calls are refused and
// calls in flight get grace to finish before the server stops hard
func ServeUntil(ctx context.Context, lis net.Listener, gs *grpc.Server, srv *Server, grace time.Duration) error {
	served := make(chan error, 1)
	go func() {
		served <- gs.Serve(lis)
	}()
	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	srv.Drain()
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grace):
		zap.S().Warnw("calls still in flight after drain grace, stopping", "grace", grace)
		gs.Stop()
		<-stopped
	}
	return <-served
}
