// ============================================================================
// hive-exec Communicator
// ============================================================================
//
// Package: internal/communicator
// File: client.go
// Purpose: The worker's view of the coordinating service
//
// Two layers:
//   Client        synchronous calls; implemented in-process by the coordinator
//                 and over gRPC by internal/rpc
//   Communicator  runs every call on its own goroutine with bounded retry and
//                 reports the outcome to a Handler; it never blocks its caller
//
// The Handler is the only bridge back into the worker. The worker's
// implementation does nothing but turn completions into control messages.
//
// ============================================================================

package communicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

var (
	// ErrRejected marks a call the coordinator refused; it is never retried
	ErrRejected = errors.New("communicator: rejected by coordinator")

	// ErrClosed is reported for calls issued after Close
	ErrClosed = errors.New("communicator: closed")
)

// Client is the synchronous surface of the coordinating service
type Client interface {
	// Login registers the worker. It must succeed before jobs are pulled.
	Login(ctx context.Context, info types.WorkerInfo) error

	// PullJob assigns the next waiting job to the worker.
	// A nil job with a nil error means nothing is waiting.
	PullJob(ctx context.Context, workerID, requestID string) (*types.Job, error)

	// SendResult delivers a snapshot or a final report
	SendResult(ctx context.Context, report types.JobReport) error

	// Heartbeat signals liveness and returns pending push actions
	Heartbeat(ctx context.Context, hb types.Heartbeat) ([]types.Action, error)
}

// CallError is a call that failed after all retries
type CallError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Rejected wraps err so the retry policy gives up at once
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRejected, err)
}
