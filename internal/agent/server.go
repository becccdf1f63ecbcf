package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/domain"
)

// Runner is the local pool an agent feeds. The localhost backend
// satisfies it.
type Runner interface {
	Invoke(ctx context.Context, job *domain.Job, tasks []domain.Task) []backend.Dispatch
	Kill(ctx context.Context, executorID string) error
	Clean(ctx context.Context) error
}

// Server implements Service on top of a Runner.
type Server struct {
	runner Runner
	meta   *domain.RuntimeMetadata
	logger *slog.Logger
	grpc   *grpc.Server
}

func NewServer(runner Runner, meta *domain.RuntimeMetadata, logger *slog.Logger) *Server {
	s := &Server{runner: runner, meta: meta, logger: logger}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor))
	RegisterService(s.grpc, s)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("agent gRPC server started", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Dispatch acknowledges a task once the pool has queued it. The task runs
// under the pool's executor scope, not the RPC context.
func (s *Server) Dispatch(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var task domain.Task
	if err := json.Unmarshal(in.GetValue(), &task); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode task: %v", err)
	}
	if task.ExecutorID == "" || task.JobID == "" || task.Function == "" {
		return nil, status.Error(codes.InvalidArgument, "executor_id, job_id and function are required")
	}
	job := &domain.Job{ID: task.JobID, ExecutorID: task.ExecutorID, Backend: task.Backend}
	ds := s.runner.Invoke(ctx, job, []domain.Task{task})
	if len(ds) == 1 && ds[0].Err != nil {
		return nil, status.Errorf(codes.Unavailable, "queue task: %v", ds[0].Err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Metadata(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(s.meta)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode metadata: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *Server) Kill(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.runner.Kill(ctx, in.GetValue()); err != nil {
		return nil, status.Errorf(codes.Internal, "kill: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Clean(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.runner.Clean(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "clean: %v", err)
	}
	return &emptypb.Empty{}, nil
}

// loggingInterceptor logs all gRPC requests
func (s *Server) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("gRPC request failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		s.logger.Debug("gRPC request completed", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// Client talks to one agent.
type Client struct {
	addr string
	conn *grpc.ClientConn
}

// Dial creates a client for addr. Connections are established lazily.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to agent %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) Dispatch(ctx context.Context, task domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, fullMethod("Dispatch"), wrapperspb.Bytes(data), new(emptypb.Empty))
}

func (c *Client) Metadata(ctx context.Context) (*domain.RuntimeMetadata, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, fullMethod("Metadata"), new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	var meta domain.RuntimeMetadata
	if err := json.Unmarshal(out.GetValue(), &meta); err != nil {
		return nil, fmt.Errorf("decode agent metadata: %w", err)
	}
	return &meta, nil
}

func (c *Client) Kill(ctx context.Context, executorID string) error {
	return c.conn.Invoke(ctx, fullMethod("Kill"), wrapperspb.String(executorID), new(emptypb.Empty))
}

func (c *Client) Clean(ctx context.Context) error {
	return c.conn.Invoke(ctx, fullMethod("Clean"), new(emptypb.Empty), new(emptypb.Empty))
}

func (c *Client) Close() error {
	return c.conn.Close()
}
