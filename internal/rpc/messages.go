package rpc

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// ============================================================================
// Domain types
// ============================================================================

func marshalWorkerInfo(info types.WorkerInfo) []byte {
	var e encoder
	e.string(1, info.ID)
	e.string(2, info.Name)
	e.int(3, int64(info.Cores))
	e.int(4, info.MemoryMB)
	e.int(5, int64(info.MaxJobs))
	return e.b
}

func unmarshalWorkerInfo(b []byte) (types.WorkerInfo, error) {
	var info types.WorkerInfo
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			info.ID = f.str()
		case 2:
			info.Name = f.str()
		case 3:
			info.Cores = int(f.int())
		case 4:
			info.MemoryMB = f.int()
		case 5:
			info.MaxJobs = int(f.int())
		}
		return nil
	})
	return info, err
}

func marshalJob(job *types.Job) []byte {
	var e encoder
	e.string(1, string(job.ID))
	e.bytes(2, job.Payload)
	e.string(3, job.Entry)
	for _, ref := range job.Modules {
		var m encoder
		m.string(1, ref.Name)
		m.string(2, ref.Version)
		e.message(4, m.b)
	}
	e.string(5, string(job.Status))
	e.double(6, job.Progress)
	e.string(7, job.WorkerID)
	e.int(8, int64(job.Attempt))
	e.bytes(9, job.Result)
	e.bytes(10, job.Snapshot)
	e.string(11, job.Error)
	e.string(12, string(job.ErrorKind))
	e.int(13, job.CreatedAt)
	e.int(14, job.UpdatedAt)
	return e.b
}

func unmarshalJob(b []byte) (*types.Job, error) {
	job := &types.Job{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			job.ID = types.JobID(f.str())
		case 2:
			job.Payload = f.bytes()
		case 3:
			job.Entry = f.str()
		case 4:
			var ref types.ModuleRef
			err := walk(f.raw, func(num protowire.Number, f field) error {
				switch num {
				case 1:
					ref.Name = f.str()
				case 2:
					ref.Version = f.str()
				}
				return nil
			})
			if err != nil {
				return err
			}
			job.Modules = append(job.Modules, ref)
		case 5:
			job.Status = types.JobStatus(f.str())
		case 6:
			job.Progress = f.double()
		case 7:
			job.WorkerID = f.str()
		case 8:
			job.Attempt = int(f.int())
		case 9:
			job.Result = f.bytes()
		case 10:
			job.Snapshot = f.bytes()
		case 11:
			job.Error = f.str()
		case 12:
			job.ErrorKind = types.ErrorKind(f.str())
		case 13:
			job.CreatedAt = f.int()
		case 14:
			job.UpdatedAt = f.int()
		}
		return nil
	})
	return job, err
}

func marshalReport(r types.JobReport) []byte {
	var e encoder
	e.string(1, r.WorkerID)
	e.string(2, string(r.JobID))
	e.bytes(3, r.Payload)
	e.bool(4, r.Final)
	e.string(5, string(r.Status))
	e.double(6, r.Progress)
	e.string(7, string(r.ErrorKind))
	e.string(8, r.Error)
	return e.b
}

func unmarshalReport(b []byte) (types.JobReport, error) {
	var r types.JobReport
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			r.WorkerID = f.str()
		case 2:
			r.JobID = types.JobID(f.str())
		case 3:
			r.Payload = f.bytes()
		case 4:
			r.Final = f.bool()
		case 5:
			r.Status = types.JobStatus(f.str())
		case 6:
			r.Progress = f.double()
		case 7:
			r.ErrorKind = types.ErrorKind(f.str())
		case 8:
			r.Error = f.str()
		}
		return nil
	})
	return r, err
}

func marshalHeartbeat(hb types.Heartbeat) []byte {
	var e encoder
	e.string(1, hb.WorkerID)
	for _, id := range hb.ActiveJobs {
		e.b = protowire.AppendTag(e.b, 2, protowire.BytesType)
		e.b = protowire.AppendString(e.b, string(id))
	}
	for _, id := range hb.ActiveJobs {
		p, ok := hb.Progress[id]
		if !ok {
			continue
		}
		var entry encoder
		entry.string(1, string(id))
		entry.double(2, p)
		e.message(3, entry.b)
	}
	e.int(4, int64(hb.FreeSlots))
	e.int(5, hb.Timestamp)
	return e.b
}

func unmarshalHeartbeat(b []byte) (types.Heartbeat, error) {
	var hb types.Heartbeat
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			hb.WorkerID = f.str()
		case 2:
			hb.ActiveJobs = append(hb.ActiveJobs, types.JobID(f.str()))
		case 3:
			var id types.JobID
			var p float64
			err := walk(f.raw, func(num protowire.Number, f field) error {
				switch num {
				case 1:
					id = types.JobID(f.str())
				case 2:
					p = f.double()
				}
				return nil
			})
			if err != nil {
				return err
			}
			if hb.Progress == nil {
				hb.Progress = make(map[types.JobID]float64)
			}
			hb.Progress[id] = p
		case 4:
			hb.FreeSlots = int(f.int())
		case 5:
			hb.Timestamp = f.int()
		}
		return nil
	})
	return hb, err
}

func marshalAction(a types.Action) []byte {
	var e encoder
	e.string(1, string(a.Kind))
	e.string(2, string(a.JobID))
	return e.b
}

func unmarshalAction(b []byte) (types.Action, error) {
	var a types.Action
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			a.Kind = types.ActionKind(f.str())
		case 2:
			a.JobID = types.JobID(f.str())
		}
		return nil
	})
	return a, err
}

func marshalResource(r *types.Resource) []byte {
	var e encoder
	e.string(1, r.ID)
	e.string(2, r.Name)
	e.int(3, int64(r.Cores))
	e.int(4, r.MemoryMB)
	e.int(5, int64(r.MaxJobs))
	e.int(6, int64(r.JobCount))
	e.int(7, r.LastHeartbeat)
	e.int(8, r.LoginAt)
	e.bool(9, r.Online)
	return e.b
}

func unmarshalResource(b []byte) (*types.Resource, error) {
	r := &types.Resource{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			r.ID = f.str()
		case 2:
			r.Name = f.str()
		case 3:
			r.Cores = int(f.int())
		case 4:
			r.MemoryMB = f.int()
		case 5:
			r.MaxJobs = int(f.int())
		case 6:
			r.JobCount = int(f.int())
		case 7:
			r.LastHeartbeat = f.int()
		case 8:
			r.LoginAt = f.int()
		case 9:
			r.Online = f.bool()
		}
		return nil
	})
	return r, err
}

// ============================================================================
// Requests and responses
// ============================================================================

// Empty is the request or response of calls without arguments or results
type Empty struct{}

func (*Empty) marshal() []byte { return nil }

func (*Empty) unmarshal(b []byte) error {
	return walk(b, func(protowire.Number, field) error { return nil })
}

// LoginRequest: 1 info
type LoginRequest struct {
	Info types.WorkerInfo
}

func (m *LoginRequest) marshal() []byte {
	var e encoder
	e.message(1, marshalWorkerInfo(m.Info))
	return e.b
}

func (m *LoginRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		if num != 1 {
			return nil
		}
		info, err := unmarshalWorkerInfo(f.raw)
		m.Info = info
		return err
	})
}

// PullJobRequest: 1 worker_id 2 request_id
type PullJobRequest struct {
	WorkerID  string
	RequestID string
}

func (m *PullJobRequest) marshal() []byte {
	var e encoder
	e.string(1, m.WorkerID)
	e.string(2, m.RequestID)
	return e.b
}

func (m *PullJobRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.WorkerID = f.str()
		case 2:
			m.RequestID = f.str()
		}
		return nil
	})
}

// JobMessage: 1 job, absent when there is none
type JobMessage struct {
	Job *types.Job
}

func (m *JobMessage) marshal() []byte {
	if m.Job == nil {
		return nil
	}
	var e encoder
	e.message(1, marshalJob(m.Job))
	return e.b
}

func (m *JobMessage) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		if num != 1 {
			return nil
		}
		job, err := unmarshalJob(f.raw)
		m.Job = job
		return err
	})
}

// ReportRequest: 1 report
type ReportRequest struct {
	Report types.JobReport
}

func (m *ReportRequest) marshal() []byte {
	var e encoder
	e.message(1, marshalReport(m.Report))
	return e.b
}

func (m *ReportRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		if num != 1 {
			return nil
		}
		r, err := unmarshalReport(f.raw)
		m.Report = r
		return err
	})
}

// HeartbeatRequest: 1 heartbeat
type HeartbeatRequest struct {
	Heartbeat types.Heartbeat
}

func (m *HeartbeatRequest) marshal() []byte {
	var e encoder
	e.message(1, marshalHeartbeat(m.Heartbeat))
	return e.b
}

func (m *HeartbeatRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		if num != 1 {
			return nil
		}
		hb, err := unmarshalHeartbeat(f.raw)
		m.Heartbeat = hb
		return err
	})
}

// HeartbeatResponse: 1 actions (repeated)
type HeartbeatResponse struct {
	Actions []types.Action
}

func (m *HeartbeatResponse) marshal() []byte {
	var e encoder
	for _, a := range m.Actions {
		e.message(1, marshalAction(a))
	}
	return e.b
}

func (m *HeartbeatResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		if num != 1 {
			return nil
		}
		a, err := unmarshalAction(f.raw)
		m.Actions = append(m.Actions, a)
		return err
	})
}

// SubmitJobResponse: 1 job_id
type SubmitJobResponse struct {
	JobID types.JobID
}

func (m *SubmitJobResponse) marshal() []byte {
	var e encoder
	e.string(1, string(m.JobID))
	return e.b
}

func (m *SubmitJobResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		if num == 1 {
			m.JobID = types.JobID(f.str())
		}
		return nil
	})
}

// Control operations accepted by ControlJob
const (
	OpAbort    = "abort"
	OpSnapshot = "snapshot"
)

// ControlJobRequest: 1 job_id 2 op
type ControlJobRequest struct {
	JobID types.JobID
	Op    string
}

func (m *ControlJobRequest) marshal() []byte {
	var e encoder
	e.string(1, string(m.JobID))
	e.string(2, m.Op)
	return e.b
}

func (m *ControlJobRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.JobID = types.JobID(f.str())
		case 2:
			m.Op = f.str()
		}
		return nil
	})
}

// StatusResponse: 1 jobs (repeated) 2 workers (repeated)
type StatusResponse struct {
	Jobs    []*types.Job
	Workers []*types.Resource
}

func (m *StatusResponse) marshal() []byte {
	var e encoder
	for _, job := range m.Jobs {
		e.message(1, marshalJob(job))
	}
	for _, r := range m.Workers {
		e.message(2, marshalResource(r))
	}
	return e.b
}

func (m *StatusResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			job, err := unmarshalJob(f.raw)
			if err != nil {
				return err
			}
			m.Jobs = append(m.Jobs, job)
		case 2:
			r, err := unmarshalResource(f.raw)
			if err != nil {
				return err
			}
			m.Workers = append(m.Workers, r)
		}
		return nil
	})
}

// Stats counts the jobs of the response per status
func (m *StatusResponse) Stats() map[types.JobStatus]int {
	stats := make(map[types.JobStatus]int)
	for _, job := range m.Jobs {
		stats[job.Status]++
	}
	return stats
}
