package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/hive-exec/internal/communicator"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Client calls hive.v1.Coordinator. It implements communicator.Client, so a
// worker uses it exactly like the in-process coordinator.
type Client struct {
	conn grpc.ClientConnInterface
	cc   *grpc.ClientConn // set when the client owns the connection
}

var _ communicator.Client = (*Client)(nil)

// Dial connects to a coordinator at address without transport security
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", address, err)
	}
	return &Client{conn: cc, cc: cc}, nil
}

// NewClient wraps an existing connection
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if the client opened it
func (c *Client) Close() error {
	if c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out message) error {
	err := c.conn.Invoke(ctx, method, in, out, grpc.ForceCodec(Codec{}))
	return fromStatus(err)
}

// fromStatus marks the codes a retry cannot fix as rejections
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.FailedPrecondition, codes.PermissionDenied, codes.Unimplemented:
		return communicator.Rejected(err)
	case codes.Canceled:
		return fmt.Errorf("%w: %v", context.Canceled, err)
	default:
		return err
	}
}

// ============================================================================
// Worker calls
// ============================================================================

func (c *Client) Login(ctx context.Context, info types.WorkerInfo) error {
	return c.invoke(ctx, methodLogin, &LoginRequest{Info: info}, &Empty{})
}

func (c *Client) PullJob(ctx context.Context, workerID, requestID string) (*types.Job, error) {
	out := &JobMessage{}
	if err := c.invoke(ctx, methodPullJob, &PullJobRequest{WorkerID: workerID, RequestID: requestID}, out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

func (c *Client) SendResult(ctx context.Context, report types.JobReport) error {
	return c.invoke(ctx, methodSendResult, &ReportRequest{Report: report}, &Empty{})
}

func (c *Client) Heartbeat(ctx context.Context, hb types.Heartbeat) ([]types.Action, error) {
	out := &HeartbeatResponse{}
	if err := c.invoke(ctx, methodHeartbeat, &HeartbeatRequest{Heartbeat: hb}, out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// ============================================================================
// Operator calls
// ============================================================================

// SubmitJob submits a job and returns its id
func (c *Client) SubmitJob(ctx context.Context, job types.Job) (types.JobID, error) {
	out := &SubmitJobResponse{}
	if err := c.invoke(ctx, methodSubmitJob, &JobMessage{Job: &job}, out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// AbortJob asks the coordinator to abort a job
func (c *Client) AbortJob(ctx context.Context, id types.JobID) error {
	return c.invoke(ctx, methodControlJob, &ControlJobRequest{JobID: id, Op: OpAbort}, &Empty{})
}

// RequestSnapshot asks the coordinator for a snapshot of a calculating job
func (c *Client) RequestSnapshot(ctx context.Context, id types.JobID) error {
	return c.invoke(ctx, methodControlJob, &ControlJobRequest{JobID: id, Op: OpSnapshot}, &Empty{})
}

// Status returns every job and worker known to the coordinator
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	out := &StatusResponse{}
	if err := c.invoke(ctx, methodGetStatus, &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
