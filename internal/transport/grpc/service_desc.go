package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "schedula.availability.v1.AvailabilityService"

// AvailabilityServiceServer is the server API. Requests and responses are JSON-shaped
// google.protobuf.Struct messages.
type AvailabilityServiceServer interface {
	CheckSlot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSlots(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListCommonSlots(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetAvailability(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAvailability(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(AvailabilityServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AvailabilityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckSlot", Handler: unaryHandler("CheckSlot", AvailabilityServiceServer.CheckSlot)},
		{MethodName: "ListSlots", Handler: unaryHandler("ListSlots", AvailabilityServiceServer.ListSlots)},
		{MethodName: "ListCommonSlots", Handler: unaryHandler("ListCommonSlots", AvailabilityServiceServer.ListCommonSlots)},
		{MethodName: "SetAvailability", Handler: unaryHandler("SetAvailability", AvailabilityServiceServer.SetAvailability)},
		{MethodName: "GetAvailability", Handler: unaryHandler("GetAvailability", AvailabilityServiceServer.GetAvailability)},
		{MethodName: "CreateEvent", Handler: unaryHandler("CreateEvent", AvailabilityServiceServer.CreateEvent)},
		{MethodName: "ListEvents", Handler: unaryHandler("ListEvents", AvailabilityServiceServer.ListEvents)},
		{MethodName: "DeleteEvent", Handler: unaryHandler("DeleteEvent", AvailabilityServiceServer.DeleteEvent)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "schedula/availability/v1/availability.proto",
}

func RegisterAvailabilityServiceServer(s grpc.ServiceRegistrar, srv AvailabilityServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler(method string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AvailabilityServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AvailabilityServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type AvailabilityClient struct {
	cc grpc.ClientConnInterface
}

func NewAvailabilityClient(cc grpc.ClientConnInterface) *AvailabilityClient {
	return &AvailabilityClient{cc: cc}
}

func (c *AvailabilityClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
