package sandbox

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

var (
	// ErrDestroyed is returned by operations on a torn down context
	ErrDestroyed = errors.New("sandbox: context destroyed")

	// ErrUnknownEntry means no module of the context provides the job kind
	ErrUnknownEntry = errors.New("sandbox: unknown job entry")

	// ErrAlreadyStarted is returned by a second Start on one executor
	ErrAlreadyStarted = errors.New("sandbox: executor already started")

	// ErrNotFinished is returned by GetFinishedJob when the job did not complete
	ErrNotFinished = errors.New("sandbox: job did not finish")

	// ErrNoSnapshot is returned by GetSnapshot before any snapshot was taken
	ErrNoSnapshot = errors.New("sandbox: no snapshot taken")
)

// FaultError is a failure raised by job code and caught at the context
// boundary. Panic is set when the job panicked rather than returning an error.
type FaultError struct {
	JobID types.JobID
	Err   error
	Panic bool
	Stack []byte // only for panics
}

func (e *FaultError) Error() string {
	if e.Panic {
		return fmt.Sprintf("job %s: panic: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}
