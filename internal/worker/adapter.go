package worker

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/communicator"
	"github.com/ChuLiYu/hive-exec/internal/control"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// adapter turns communicator completions into control messages.
// It holds no state and never touches the active job map.
type adapter struct {
	sink   control.Sink
	logger zerolog.Logger
}

var _ communicator.Handler = (*adapter)(nil)

func (a *adapter) post(m control.Message) {
	if err := a.sink.Post(m); err != nil {
		a.logger.Debug().Err(err).Str("message", m.String()).Msg("Completion dropped")
	}
}

func (a *adapter) LoginCompleted(err error) {
	a.post(control.Message{Kind: control.LoginCompleted, Err: err})
}

func (a *adapter) JobPulled(job *types.Job, err error) {
	if job == nil || err != nil {
		a.post(control.Message{Kind: control.JobFetched, Err: err})
		return
	}
	a.post(control.Fetched(job))
}

func (a *adapter) ResultSent(report types.JobReport, err error) {
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("job_id", string(report.JobID)).
			Bool("final", report.Final).
			Str("error_kind", string(types.ErrorCommunication)).
			Msg("Result could not be delivered")
	}
}

func (a *adapter) HeartbeatCompleted(actions []types.Action, err error) {
	if err != nil {
		if errors.Is(err, communicator.ErrRejected) {
			// the coordinator lost the session, log in again
			a.post(control.Message{Kind: control.LoginCompleted, Err: ErrNotLoggedIn})
			return
		}
		a.logger.Warn().Err(err).Msg("Heartbeat failed")
		return
	}

	for _, action := range actions {
		switch action.Kind {
		case types.ActionFetchJob:
			a.post(control.Fetch())
		case types.ActionAbortJob:
			a.post(control.Abort(action.JobID))
		case types.ActionRequestSnapshot:
			a.post(control.Snapshot(action.JobID))
		default:
			a.logger.Warn().Str("action", string(action.Kind)).Msg("Unknown coordinator action")
		}
	}
}
