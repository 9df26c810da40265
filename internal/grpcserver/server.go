// Package grpcserver exposes run submission over gRPC as the service
// refframe.v1.Mosaic. Messages are google.protobuf.Struct documents holding
// the same JSON shapes as the HTTP API.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"refframe/internal/mosaic"
	"refframe/internal/pipeline"
	"refframe/internal/storage"
)

const (
	serviceName     = "refframe.v1.Mosaic"
	defaultRunLimit = 50
	maxMessageSize  = 16 * 1024 * 1024
)

// Full method names for clients.
const (
	MethodSubmit       = "/" + serviceName + "/Submit"
	MethodListRuns     = "/" + serviceName + "/ListRuns"
	MethodCancel       = "/" + serviceName + "/Cancel"
	MethodWatchResults = "/" + serviceName + "/WatchResults"
)

// WatchResultsStream describes the server stream for grpc.ClientConn.NewStream.
var WatchResultsStream = &grpc.StreamDesc{StreamName: "WatchResults", ServerStreams: true}

// MosaicServer is the service implemented by Server.
type MosaicServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchResults(*emptypb.Empty, grpc.ServerStream) error
}

// Pipeline is what the service needs from *pipeline.Pipeline.
type Pipeline interface {
	Submit(job pipeline.Job) (string, error)
	Cancel(id string) bool
	Subscribe() (<-chan pipeline.Result, func())
}

// RunLister reads recent runs.
type RunLister interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
}

// Server implements MosaicServer on top of the job pipeline.
type Server struct {
	pipeline Pipeline
	runs     RunLister
	defaults mosaic.Options
	log      *slog.Logger
}

// New creates the service. defaults fill options a request leaves out.
func New(pipe Pipeline, runs RunLister, defaults mosaic.Options, log *slog.Logger) *Server {
	return &Server{pipeline: pipe, runs: runs, defaults: defaults, log: log}
}

// Register adds the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Start listens on addr and serves until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx ends.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	s.Register(gs)

	go func() {
		<-ctx.Done()
		s.log.Info("stopping grpc server")
		gs.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", lis.Addr().String(), "service", serviceName)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job := pipeline.Job{Options: s.defaults.Clone()}
	if err := fromStruct(req, &job); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode job: %v", err)
	}
	if job.TracePath == "" {
		return nil, status.Error(codes.InvalidArgument, "trace is required")
	}
	if err := job.Options.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	id, err := s.pipeline.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, pipeline.ErrStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Info("run submitted over grpc", "id", id, "trace", job.TracePath)
	return structpb.NewStruct(map[string]any{"id": id})
}

func (s *Server) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := defaultRunLimit
	if v, ok := req.GetFields()["limit"]; ok {
		n := int(v.GetNumberValue())
		if n < 1 {
			return nil, status.Error(codes.InvalidArgument, "limit must be positive")
		}
		limit = n
	}
	recs, err := s.runs.RecentRuns(limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	return toStruct(map[string]any{"runs": recs})
}

func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	if !s.pipeline.Cancel(id) {
		return nil, status.Errorf(codes.NotFound, "run %s is not queued or running", id)
	}
	return &emptypb.Empty{}, nil
}

// WatchResults streams every finished run until the client goes away.
func (s *Server) WatchResults(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ch, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case res, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := toStruct(resultDoc(res))
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func resultDoc(res pipeline.Result) map[string]any {
	doc := map[string]any{
		"id":     res.Job.ID,
		"status": res.Status,
		"trace":  res.Job.TracePath,
		"output": res.Job.Output,
	}
	if res.Error != nil {
		doc["error"] = res.Error.Error()
	}
	if res.Meta != nil {
		doc["meta"] = res.Meta
	}
	return doc
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes st into v through its JSON form, keeping fields of v
// that st does not mention.
func fromStruct(st *structpb.Struct, v any) error {
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MosaicServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSubmit}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MosaicServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listRunsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MosaicServer).ListRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListRuns}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MosaicServer).ListRuns(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MosaicServer).Cancel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCancel}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MosaicServer).Cancel(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchResultsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MosaicServer).WatchResults(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MosaicServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "ListRuns", Handler: listRunsHandler},
		{MethodName: "Cancel", Handler: cancelHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchResults", Handler: watchResultsHandler, ServerStreams: true},
	},
	Metadata: "refframe/v1/mosaic.proto",
}
