package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "kromosynthgene.Genome"

	MethodRandomGenome     = "RandomGenome"
	MethodGenomeVariation  = "GenomeVariation"
	MethodGenomeEvaluation = "GenomeEvaluation"

	// MaxMessageSize bounds both directions, genomes with many patch networks get big
	MaxMessageSize = 100 * 1024 * 1024
)

// GenomeServer is the genome service. Requests and replies are plain structs,
// the field names are the ones the evolution runs have always sent.
type GenomeServer interface {
	RandomGenome(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GenomeVariation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GenomeEvaluation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv GenomeServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler(method string, call unaryCall) func(interface{}, context.Context, func(interface{}) error,
	grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error,
		interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GenomeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(GenomeServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GenomeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: MethodRandomGenome,
			Handler: unaryHandler(MethodRandomGenome, func(srv GenomeServer, ctx context.Context,
				req *structpb.Struct) (*structpb.Struct, error) {
				return srv.RandomGenome(ctx, req)
			}),
		},
		{
			MethodName: MethodGenomeVariation,
			Handler: unaryHandler(MethodGenomeVariation, func(srv GenomeServer, ctx context.Context,
				req *structpb.Struct) (*structpb.Struct, error) {
				return srv.GenomeVariation(ctx, req)
			}),
		},
		{
			MethodName: MethodGenomeEvaluation,
			Handler: unaryHandler(MethodGenomeEvaluation, func(srv GenomeServer, ctx context.Context,
				req *structpb.Struct) (*structpb.Struct, error) {
				return srv.GenomeEvaluation(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gene.proto",
}

// RegisterGenomeServer registers srv on s
func RegisterGenomeServer(s *grpc.Server, srv GenomeServer) {
	s.RegisterService(&serviceDesc, srv)
}
