package server

// Service descriptor for idmgr.v1.IdentityService. Requests and responses
// are protobuf well-known types, so no generated stubs are needed.

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "idmgr.v1.IdentityService"

	decodeActorIDMethod         = "/" + ServiceName + "/DecodeActorID"
	machineID4MachineNameMethod = "/" + ServiceName + "/MachineID4MachineName"
	machineName4MachineIDMethod = "/" + ServiceName + "/MachineName4MachineID"
	topologyMethod              = "/" + ServiceName + "/Topology"
)

// IdentityServiceServer is the read-only lookup surface of a Registry.
type IdentityServiceServer interface {
	DecodeActorID(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	MachineID4MachineName(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
	MachineName4MachineID(context.Context, *wrapperspb.Int64Value) (*wrapperspb.StringValue, error)
	Topology(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterIdentityServiceServer attaches srv to a gRPC server.
func RegisterIdentityServiceServer(s grpc.ServiceRegistrar, srv IdentityServiceServer) {
	s.RegisterService(&IdentityServiceDesc, srv)
}

// IdentityServiceDesc describes the service for grpc.Server.
var IdentityServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IdentityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DecodeActorID", Handler: decodeActorIDHandler},
		{MethodName: "MachineID4MachineName", Handler: machineID4MachineNameHandler},
		{MethodName: "MachineName4MachineID", Handler: machineName4MachineIDHandler},
		{MethodName: "Topology", Handler: topologyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "idmgr/v1/identity.proto",
}

func decodeActorIDHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServiceServer).DecodeActorID(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: decodeActorIDMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IdentityServiceServer).DecodeActorID(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func machineID4MachineNameHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServiceServer).MachineID4MachineName(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: machineID4MachineNameMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IdentityServiceServer).MachineID4MachineName(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func machineName4MachineIDHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServiceServer).MachineName4MachineID(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: machineName4MachineIDMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IdentityServiceServer).MachineName4MachineID(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func topologyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServiceServer).Topology(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: topologyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IdentityServiceServer).Topology(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
