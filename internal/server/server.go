// Package server exposes the queue admin API over gRPC.
//
// The service is described by hand with grpc.ServiceDesc and carries only
// well-known protobuf types (Struct, ListValue, wrappers), so no generated
// code is needed on either side.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/internal/worker"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "beaverqueue.admin.v1.QueueAdmin"

// Service is the controller surface the admin API exposes.
type Service interface {
	CreateTask(ctx context.Context, in types.NewTask) (*types.TaskRecord, error)
	GetTask(ctx context.Context, id types.TaskID) (*types.TaskRecord, error)
	ManualRequeue(ctx context.Context, id types.TaskID) (bool, error)
	RecentEvents() []string
	WorkerStatus() worker.WorkerStatus
}

var _ Service = (*controller.Controller)(nil)

// AdminServer is the server-side contract of QueueAdmin.
type AdminServer interface {
	SubmitTask(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	GetTask(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	RequeueTask(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	RecentEvents(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	WorkerStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes QueueAdmin for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitTask", AdminServer.SubmitTask),
		unary("GetTask", AdminServer.GetTask),
		unary("RequeueTask", AdminServer.RequeueTask),
		unary("RecentEvents", AdminServer.RecentEvents),
		unary("WorkerStatus", AdminServer.WorkerStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaverqueue/admin/v1/admin.proto",
}

func unary[Req, Resp any](method string, call func(AdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server implements AdminServer on top of a Service.
type Server struct {
	svc    Service
	logger *slog.Logger
}

var _ AdminServer = (*Server)(nil)

// NewServer creates the admin server.
func NewServer(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger}
}

// NewGRPCServer returns a grpc.Server with QueueAdmin registered and call
// logging installed.
func NewGRPCServer(svc Service, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := NewServer(svc, logger)
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor(srv.logger)))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, srv)
	return gs
}

// LoggingInterceptor logs every unary call with its duration and status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}

// SubmitTask accepts {payload, type, max_retries, owner} and returns the new id.
func (s *Server) SubmitTask(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	var in types.NewTask
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid task: %v", err)
	}
	rec, err := s.svc.CreateTask(ctx, in)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(string(rec.ID)), nil
}

// GetTask returns the task record as a Struct.
func (s *Server) GetTask(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "task id is required")
	}
	rec, err := s.svc.GetTask(ctx, types.TaskID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(rec)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode task: %v", err)
	}
	return out, nil
}

// RequeueTask reports whether a FAILED task was moved back to QUEUED.
func (s *Server) RequeueTask(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "task id is required")
	}
	ok, err := s.svc.ManualRequeue(ctx, types.TaskID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}

// RecentEvents returns the event log, most recent first.
func (s *Server) RecentEvents(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	recent := s.svc.RecentEvents()
	values := make([]*structpb.Value, 0, len(recent))
	for _, e := range recent {
		values = append(values, structpb.NewStringValue(e))
	}
	return &structpb.ListValue{Values: values}, nil
}

// WorkerStatus returns {active, idle, queued}.
func (s *Server) WorkerStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st := s.svc.WorkerStatus()
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"active": structpb.NewNumberValue(float64(st.Active)),
		"idle":   structpb.NewNumberValue(float64(st.Idle)),
		"queued": structpb.NewNumberValue(float64(st.Queued)),
	}}, nil
}

func toStatus(err error) error {
	var illegal *types.ErrIllegalTransition
	switch {
	case errors.As(err, &illegal):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, controller.ErrInvalidTask):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, worker.ErrPoolClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("empty request")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
