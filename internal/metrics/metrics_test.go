package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsStarted, "jobsStarted counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.jobDuration, "jobDuration histogram should be initialized")
	assert.NotNil(t, collector.jobsByStatus, "jobsByStatus gauge should be initialized")
	assert.NotNil(t, collector.workersOnline, "workersOnline gauge should be initialized")
}

func TestWorkerJobLifecycle(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordJobStarted()
	collector.SetActiveJobs(1)
	collector.RecordSnapshot()
	collector.RecordJobFinished(0.5)
	collector.SetActiveJobs(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFinished))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.snapshots))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsActive))
}

func TestRecordJobFailedByKind(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	testCases := []struct {
		kind  types.ErrorKind
		times int
	}{
		{types.ErrorModuleResolution, 2},
		{types.ErrorJobLoad, 1},
		{types.ErrorExecutionFault, 3},
	}

	for _, tc := range testCases {
		for i := 0; i < tc.times; i++ {
			collector.RecordJobFailed(tc.kind)
		}
	}
	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			got := testutil.ToFloat64(collector.jobsFailed.WithLabelValues(string(tc.kind)))
			assert.Equal(t, float64(tc.times), got)
		})
	}
}

func TestControlMessages(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordControlMessage("FetchJob")
	collector.RecordControlMessage("FetchJob")
	collector.RecordControlMessage("AbortJob")
	collector.RecordControlError()

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.controlMessages.WithLabelValues("FetchJob")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.controlMessages.WithLabelValues("AbortJob")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.controlErrors))
}

func TestCoordinatorStats(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordSubmit()
	collector.RecordAssign()
	collector.RecordRequeue(3)
	collector.SetWorkersOnline(2)
	collector.UpdateJobStats(map[types.JobStatus]int{
		types.StatusWaiting:     4,
		types.StatusCalculating: 1,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.jobsRequeued))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.workersOnline))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.jobsByStatus.WithLabelValues("waiting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsByStatus.WithLabelValues("failed")))
}

func TestNilCollectorRecordsNothing(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordJobStarted()
		collector.RecordJobFinished(1.0)
		collector.RecordJobAborted(1.0)
		collector.RecordJobFailed(types.ErrorJobLoad)
		collector.SetActiveJobs(3)
		collector.RecordSnapshot()
		collector.RecordControlMessage("FetchJob")
		collector.RecordControlError()
		collector.RecordSubmit()
		collector.RecordAssign()
		collector.RecordRequeue(1)
		collector.UpdateJobStats(nil)
		collector.SetWorkersOnline(1)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	// Prometheus metrics are safe for concurrent use
	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordJobStarted()
			collector.RecordJobFinished(0.1)
			collector.RecordControlMessage("FinishedJob")
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.jobsFinished))
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()

	collector1 := NewCollector(reg)
	require.NotNil(t, collector1)

	// a second collector on the same registry is a duplicate registration
	assert.Panics(t, func() {
		NewCollector(reg)
	}, "Creating a second collector should panic due to duplicate registration")

	// separate registries are independent
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	collector.RecordJobStarted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "hive_worker_jobs_started_total 1"))
}
