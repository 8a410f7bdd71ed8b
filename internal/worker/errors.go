package worker

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/hive-exec/internal/module"
	"github.com/ChuLiYu/hive-exec/internal/sandbox"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrNotLoggedIn is reported when the coordinator no longer knows the worker
	ErrNotLoggedIn = errors.New("worker not logged in")
)

// JobLoadError is a job that could not be bound to code: it names a module
// that is not available, or a job kind no loaded module provides, or its
// payload was rejected by the job factory.
type JobLoadError struct {
	JobID types.JobID
	Entry string
	Err   error
}

func (e *JobLoadError) Error() string {
	return fmt.Sprintf("load job %s (%s): %v", e.JobID, e.Entry, e.Err)
}

func (e *JobLoadError) Unwrap() error {
	return e.Err
}

// classify maps a failure to the error kind reported to the coordinator
func classify(err error) types.ErrorKind {
	var (
		loadErr  *JobLoadError
		fault    *sandbox.FaultError
		resolErr *module.ResolutionError
	)
	switch {
	case errors.As(err, &loadErr):
		return types.ErrorJobLoad
	case errors.As(err, &fault):
		return types.ErrorExecutionFault
	case errors.Is(err, module.ErrNotAvailable):
		return types.ErrorJobLoad
	case errors.As(err, &resolErr):
		return types.ErrorModuleResolution
	default:
		return types.ErrorExecutionFault
	}
}
