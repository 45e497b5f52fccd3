package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pricesync/internal/database"
	"pricesync/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const adminServiceName = "pricesync.admin.v1.QueueAdmin"

const (
	methodStats         = "Stats"
	methodListJobs      = "ListJobs"
	methodGetJob        = "GetJob"
	methodEnqueueEntity = "EnqueueEntity"
	methodEnqueueFamily = "EnqueueFamily"
	methodCancelJob     = "CancelJob"
	methodRetryFailed   = "RetryFailed"
)

func adminMethod(name string) string {
	return "/" + adminServiceName + "/" + name
}

// AdminServer is the queue admin service. Requests and responses are google.protobuf.Struct
// so clients need no generated stubs.
type AdminServer interface {
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EnqueueEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EnqueueFamily(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryFailed(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type adminCall func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call adminCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: adminMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodStats, AdminServer.Stats),
		unaryMethod(methodListJobs, AdminServer.ListJobs),
		unaryMethod(methodGetJob, AdminServer.GetJob),
		unaryMethod(methodEnqueueEntity, AdminServer.EnqueueEntity),
		unaryMethod(methodEnqueueFamily, AdminServer.EnqueueFamily),
		unaryMethod(methodCancelJob, AdminServer.CancelJob),
		unaryMethod(methodRetryFailed, AdminServer.RetryFailed),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pricesync/admin/v1/admin.proto",
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

// AdminClient calls the admin service over any client connection.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) Call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, adminMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// AdminService adapts service.QueueService to AdminServer.
type AdminService struct {
	queue *service.QueueService
}

var _ AdminServer = (*AdminService)(nil)

func NewAdminService(queue *service.QueueService) *AdminService {
	return &AdminService{queue: queue}
}

func (s *AdminService) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.queue.Stats(ctx)
	return respond(stats, err)
}

func (s *AdminService) ListJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.ListJobsRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	jobs, err := s.queue.ListJobs(ctx, req)
	return respond(map[string]any{"jobs": jobs, "count": len(jobs)}, err)
}

func (s *AdminService) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(in)
	if err != nil {
		return nil, err
	}
	job, err := s.queue.GetJob(ctx, id)
	return respond(job, err)
}

func (s *AdminService) EnqueueEntity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.EnqueueEntityRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	jobs, err := s.queue.EnqueueEntity(ctx, req)
	return respond(map[string]any{"jobs": jobs, "jobs_created": len(jobs)}, err)
}

func (s *AdminService) EnqueueFamily(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.EnqueueFamilyRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	jobs, err := s.queue.EnqueueFamily(ctx, req)
	return respond(map[string]any{"jobs": jobs, "jobs_created": len(jobs)}, err)
}

func (s *AdminService) CancelJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(in)
	if err != nil {
		return nil, err
	}
	job, err := s.queue.CancelJob(ctx, id)
	return respond(job, err)
}

func (s *AdminService) RetryFailed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	pattern := ""
	if v, ok := in.GetFields()["pattern"]; ok {
		pattern = v.GetStringValue()
	}
	res, err := s.queue.RetryFailed(ctx, pattern)
	return respond(res, err)
}

func jobID(in *structpb.Struct) (int64, error) {
	v, ok := in.GetFields()["id"]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "id is required")
	}
	n := v.GetNumberValue()
	if n <= 0 || n != float64(int64(n)) {
		return 0, status.Error(codes.InvalidArgument, "id must be a positive integer")
	}
	return int64(n), nil
}

func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// respond converts a JSON-shaped value to a Struct, mapping service errors to gRPC codes.
func respond(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, grpcError(err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, database.ErrJobNotPending), errors.Is(err, database.ErrJobNotProcessing):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
