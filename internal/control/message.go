// ============================================================================
// hive-exec Control Messages
// ============================================================================
//
// Package: internal/control
// File: message.go
// Purpose: The message vocabulary that drives every job lifecycle transition
//
// Producers:
//   - communicator completions (JobFetched, LoginCompleted, FetchJob)
//   - coordinator push actions delivered with heartbeat replies
//     (AbortJob, RequestSnapshot, FetchJob)
//   - executors (FinishedJob, JobFailed, SnapshotReady)
//   - auxiliary goroutines of the worker core
//     (JobAborted, SnapshotCaptured, ResultReady)
//
// Consumer: exactly one, the worker control loop. Messages are never
// persisted and never redelivered.
//
// ============================================================================

package control

import (
	"fmt"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Kind tags a control message
type Kind int

const (
	// FetchJob asks the worker to pull one more job if it has a free slot
	FetchJob Kind = iota
	// JobFetched carries a job returned by PullJob
	JobFetched
	// AbortJob requests cooperative cancellation of a running job
	AbortJob
	// JobAborted is posted once the executor acknowledged or the abort window elapsed
	JobAborted
	// RequestSnapshot asks a running job for an intermediate state
	RequestSnapshot
	// SnapshotReady is posted by the executor when a requested snapshot was taken
	SnapshotReady
	// SnapshotCaptured carries the retrieved snapshot bytes
	SnapshotCaptured
	// FinishedJob is posted by the executor when job code returned
	FinishedJob
	// ResultReady carries the retrieved finished job bytes
	ResultReady
	// JobFailed carries a fault caught at the execution context boundary
	JobFailed
	// LoginCompleted carries the outcome of Login; Err is nil on success
	LoginCompleted
)

var kindNames = map[Kind]string{
	FetchJob:         "FetchJob",
	JobFetched:       "JobFetched",
	AbortJob:         "AbortJob",
	JobAborted:       "JobAborted",
	RequestSnapshot:  "RequestSnapshot",
	SnapshotReady:    "SnapshotReady",
	SnapshotCaptured: "SnapshotCaptured",
	FinishedJob:      "FinishedJob",
	ResultReady:      "ResultReady",
	JobFailed:        "JobFailed",
	LoginCompleted:   "LoginCompleted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message is one control message. Only the fields relevant to Kind are set.
type Message struct {
	Kind  Kind
	JobID types.JobID // empty for FetchJob and LoginCompleted
	Job   *types.Job  // JobFetched
	Data  []byte      // SnapshotCaptured, ResultReady
	Err   error       // JobFailed, LoginCompleted, and retrieval failures
}

func (m Message) String() string {
	if m.JobID == "" {
		return m.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", m.Kind, m.JobID)
}

// Constructors for the common messages

func Fetch() Message { return Message{Kind: FetchJob} }
func Abort(id types.JobID) Message { return Message{Kind: AbortJob, JobID: id} }
func Aborted(id types.JobID) Message { return Message{Kind: JobAborted, JobID: id} }
func Snapshot(id types.JobID) Message { return Message{Kind: RequestSnapshot, JobID: id} }
func SnapshotTaken(id types.JobID) Message { return Message{Kind: SnapshotReady, JobID: id} }
func Finished(id types.JobID) Message { return Message{Kind: FinishedJob, JobID: id} }
func Failed(id types.JobID, err error) Message {
	return Message{Kind: JobFailed, JobID: id, Err: err}
}

// Fetched wraps a pulled job
func Fetched(job *types.Job) Message {
	return Message{Kind: JobFetched, JobID: job.ID, Job: job}
}

// Sink accepts control messages. The Queue implements it; executors and
// adapters only ever see a Sink.
type Sink interface {
	Post(m Message) error
}
