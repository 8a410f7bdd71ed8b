package worker

import (
	"sort"
	"time"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// heartbeatLoop sends a liveness signal every interval. Until the
// coordinator accepts the login, each tick retries the login instead.
func (c *Core) heartbeatLoop() {
	defer c.loopWg.Done()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.loggedIn.Load() {
				c.login()
				continue
			}
			c.comm.HeartbeatAsync(c.heartbeat(time.Now()))
		case <-c.stopCh:
			return
		}
	}
}

// heartbeat builds the signal from the last published view
func (c *Core) heartbeat(now time.Time) types.Heartbeat {
	views := *c.view.Load()

	hb := types.Heartbeat{
		WorkerID:   c.config.ID,
		ActiveJobs: make([]types.JobID, 0, len(views)),
		Progress:   make(map[types.JobID]float64, len(views)),
		FreeSlots:  c.config.MaxJobs - len(views),
		Timestamp:  now.UnixMilli(),
	}
	if hb.FreeSlots < 0 {
		hb.FreeSlots = 0
	}
	for _, v := range views {
		hb.ActiveJobs = append(hb.ActiveJobs, v.id)
		if v.exec != nil {
			hb.Progress[v.id] = v.exec.Progress()
		}
	}
	sort.Slice(hb.ActiveJobs, func(i, j int) bool { return hb.ActiveJobs[i] < hb.ActiveJobs[j] })
	return hb
}
