// Package agent is the RPC surface of a standalone machine: the
// orchestrator dispatches tasks to it and the agent runs them on its local
// worker pool. Messages are protobuf well-known types carrying JSON.
package agent

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "cumulus.agent.v1.Agent"

// Service is implemented by the agent server.
type Service interface {
	// Dispatch queues one task given as JSON.
	Dispatch(ctx context.Context, task *wrapperspb.BytesValue) (*emptypb.Empty, error)
	// Metadata returns the runtime metadata of the agent binary as JSON.
	Metadata(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error)
	// Kill cancels the tasks of one executor.
	Kill(ctx context.Context, executorID *wrapperspb.StringValue) (*emptypb.Empty, error)
	// Clean cancels everything and removes staged runtimes.
	Clean(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error)
}

// RegisterService attaches srv to s.
func RegisterService(s grpc.ServiceRegistrar, srv Service) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary("Dispatch", Service.Dispatch),
		unary("Metadata", Service.Metadata),
		unary("Kill", Service.Kill),
		unary("Clean", Service.Clean),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cumulus/agent/v1/agent.proto",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unary adapts a Service method expression to a gRPC method handler.
func unary[Req, Resp any](name string, call func(Service, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	handler := func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Service), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(Service), ctx, req.(*Req))
		})
	}
	return grpc.MethodDesc{MethodName: name, Handler: handler}
}
