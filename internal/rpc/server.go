// ============================================================================
// hive-exec RPC server
// ============================================================================
//
// Package: internal/rpc
// File: server.go
// Purpose: Expose the coordinator over gRPC
//
// Error mapping (coordinator → status code):
//   communicator.ErrRejected           FailedPrecondition
//   coordinator.ErrJobNotFound         NotFound
//   coordinator.ErrDuplicateJob        AlreadyExists
//   coordinator.ErrJobTerminal         FailedPrecondition
//   coordinator.ErrNotAssigned         FailedPrecondition
//   malformed request                  InvalidArgument
//   anything else                      Unavailable (the worker retries)
//
// ============================================================================

package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/hive-exec/internal/communicator"
	"github.com/ChuLiYu/hive-exec/internal/coordinator"
	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Backend is what the server needs from the coordinator
type Backend interface {
	communicator.Client
	Submit(job types.Job) (types.JobID, error)
	Abort(id types.JobID) error
	RequestSnapshot(id types.JobID) error
	Jobs() []*types.Job
	Status() coordinator.Status
}

// Server serves hive.v1.Coordinator
type Server struct {
	backend Backend
	grpc    *grpc.Server
	logger  zerolog.Logger
}

var _ CoordinatorServer = (*Server)(nil)

// NewServer creates a gRPC server for backend; opts are passed to grpc.NewServer
func NewServer(backend Backend, opts ...grpc.ServerOption) *Server {
	s := &Server{
		backend: backend,
		logger:  log.WithComponent("rpc-server"),
	}
	opts = append(opts,
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(s.logCalls),
	)
	s.grpc = grpc.NewServer(opts...)
	RegisterCoordinatorServer(s.grpc, s)
	return s
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("address", lis.Addr().String()).Msg("RPC server listening")
	return s.grpc.Serve(lis)
}

// Stop waits for calls in flight, then stops serving
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	event := s.logger.Debug()
	if err != nil {
		event = s.logger.Warn().Err(err)
	}
	event.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("RPC handled")
	return resp, err
}

// ============================================================================
// Worker calls
// ============================================================================

func (s *Server) Login(ctx context.Context, req *LoginRequest) (*Empty, error) {
	if err := s.backend.Login(ctx, req.Info); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) PullJob(ctx context.Context, req *PullJobRequest) (*JobMessage, error) {
	if req.WorkerID == "" {
		return nil, status.Error(codes.InvalidArgument, "worker id required")
	}
	job, err := s.backend.PullJob(ctx, req.WorkerID, req.RequestID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JobMessage{Job: job}, nil
}

func (s *Server) SendResult(ctx context.Context, req *ReportRequest) (*Empty, error) {
	if req.Report.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job id required")
	}
	if err := s.backend.SendResult(ctx, req.Report); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	actions, err := s.backend.Heartbeat(ctx, req.Heartbeat)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HeartbeatResponse{Actions: actions}, nil
}

// ============================================================================
// Operator calls
// ============================================================================

func (s *Server) SubmitJob(_ context.Context, req *JobMessage) (*SubmitJobResponse, error) {
	if req.Job == nil {
		return nil, status.Error(codes.InvalidArgument, "job required")
	}
	id, err := s.backend.Submit(*req.Job)
	if err != nil {
		if errors.Is(err, coordinator.ErrDuplicateJob) {
			return nil, toStatus(err)
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &SubmitJobResponse{JobID: id}, nil
}

func (s *Server) ControlJob(_ context.Context, req *ControlJobRequest) (*Empty, error) {
	var err error
	switch req.Op {
	case OpAbort:
		err = s.backend.Abort(req.JobID)
	case OpSnapshot:
		err = s.backend.RequestSnapshot(req.JobID)
	default:
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("unknown operation %q", req.Op))
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) GetStatus(_ context.Context, _ *Empty) (*StatusResponse, error) {
	st := s.backend.Status()
	return &StatusResponse{Jobs: s.backend.Jobs(), Workers: st.Workers}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, coordinator.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, coordinator.ErrDuplicateJob):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, communicator.ErrRejected),
		errors.Is(err, coordinator.ErrJobTerminal),
		errors.Is(err, coordinator.ErrNotAssigned):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
