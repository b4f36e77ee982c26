package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/kromosynth/dispatcher/pkg/task"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrNoOffspring is returned when a variation reply carries no genome
	ErrNoOffspring = errors.New("variation produced no offspring")
	// ErrNotServing is returned by Probe for an instance that is up but not accepting calls
	ErrNotServing = errors.New("service instance not serving")
)

// Client calls one service instance
type Client struct {
	target string
	conn   *grpc.ClientConn
}

// Dial connects to target without blocking, the connection is made on first use
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}, opts...)
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{target: target, conn: conn}, nil
}

func (c *Client) Target() string {
	return c.target
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke calls method once. Calls the instance refused, and calls on a connection
// already known to be down, come back as ErrRefused: nothing ran for them.
func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	if c.unreachable() {
		return nil, &refusedError{
			target: c.target,
			err:    status.Errorf(codes.Unavailable, "connection to %s is down", c.target),
		}
	}
	reply := &structpb.Struct{}
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, fullMethod(method), req, reply, grpc.Trailer(&trailer)); err != nil {
		if len(trailer.Get(refusedTrailer)) > 0 {
			return nil, &refusedError{target: c.target, err: err}
		}
		return nil, err
	}
	return reply, nil
}

func (c *Client) RandomGenome(ctx context.Context, params task.RandomParams) (string, error) {
	req, err := encodeRandom(params)
	if err != nil {
		return "", err
	}
	reply, err := c.invoke(ctx, MethodRandomGenome, req)
	if err != nil {
		return "", err
	}
	return reply.GetFields()["genome_string"].GetStringValue(), nil
}

func (c *Client) GenomeVariation(ctx context.Context, params task.VaryParams) (string, error) {
	req, err := toStruct(params)
	if err != nil {
		return "", err
	}
	reply, err := c.invoke(ctx, MethodGenomeVariation, req)
	if err != nil {
		return "", err
	}
	genomeString := reply.GetFields()["genome_string"].GetStringValue()
	if genomeString == "" {
		return "", ErrNoOffspring
	}
	return genomeString, nil
}

// GenomeEvaluation returns nil scores, and no error, for a genome that could not be scored
func (c *Client) GenomeEvaluation(ctx context.Context, params task.EvaluateParams) (map[string]task.ClassScore, error) {
	req, err := toStruct(params)
	if err != nil {
		return nil, err
	}
	reply, err := c.invoke(ctx, MethodGenomeEvaluation, req)
	if err != nil {
		return nil, err
	}
	return decodeScores(reply)
}

// Probe checks with the health service that the instance at target accepts calls
func Probe(ctx context.Context, target string, opts ...grpc.DialOption) error {
	c, err := Dial(ctx, target, opts...)
	if err != nil {
		return err
	}
	defer c.Close()
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}
