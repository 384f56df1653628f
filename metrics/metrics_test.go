package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/capture"
)

func newCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	return c, reg
}

func TestNewCollectorRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	assert.Error(t, err, "a second collector on the same registry collides")
}

func TestFramesCounted(t *testing.T) {
	c, _ := newCollector(t)
	light := &capture.JobInfo{FrameType: camera.FrameLight, Exposure: 30}
	flat := &capture.JobInfo{FrameType: camera.FrameFlat, Exposure: 2}
	c.Observe(capture.Event{Kind: capture.EventImageReceived, Job: light, Value: 1})
	c.Observe(capture.Event{Kind: capture.EventImageReceived, Job: light, Value: 3})
	c.Observe(capture.Event{Kind: capture.EventImageReceived, Job: flat})
	c.Observe(capture.Event{Kind: capture.EventImageReceived, Job: &capture.JobInfo{FrameType: camera.FrameFlat, Calibrating: true}})
	c.Observe(capture.Event{Kind: capture.EventImageReceived, Job: &capture.JobInfo{FrameType: camera.FrameLight, Preview: true}})

	assert.Equal(t, 2., testutil.ToFloat64(c.framesCaptured.WithLabelValues("Light")))
	assert.Equal(t, 1., testutil.ToFloat64(c.framesCaptured.WithLabelValues("Flat")))
	assert.Equal(t, 2., testutil.ToFloat64(c.downloadTime))
	assert.Equal(t, 1, testutil.CollectAndCount(c.exposure))
}

func TestFailureCounters(t *testing.T) {
	c, _ := newCollector(t)
	for _, k := range []capture.EventKind{
		capture.EventCaptureError, capture.EventCaptureError,
		capture.EventDriverTimeout, capture.EventDriverRestart,
		capture.EventJobAborted, capture.EventJobComplete, capture.EventJobComplete,
	} {
		c.Observe(capture.Event{Kind: k})
	}
	assert.Equal(t, 2., testutil.ToFloat64(c.captureErrors))
	assert.Equal(t, 1., testutil.ToFloat64(c.timeouts))
	assert.Equal(t, 1., testutil.ToFloat64(c.restarts))
	assert.Equal(t, 1., testutil.ToFloat64(c.jobsAborted))
	assert.Equal(t, 2., testutil.ToFloat64(c.jobsCompleted))
}

func TestSequenceAndState(t *testing.T) {
	c, _ := newCollector(t)
	c.Observe(capture.Event{Kind: capture.EventStateChanged, State: capture.StateCapturing})
	assert.Equal(t, float64(capture.StateCapturing), testutil.ToFloat64(c.captureState))

	c.Observe(capture.Event{Kind: capture.EventSequenceComplete, State: capture.StateComplete})
	c.Observe(capture.Event{Kind: capture.EventSequenceComplete, State: capture.StateAborted})
	assert.Equal(t, 1., testutil.ToFloat64(c.sequences.WithLabelValues(capture.StateComplete.String())))
	assert.Equal(t, 1., testutil.ToFloat64(c.sequences.WithLabelValues(capture.StateAborted.String())))
}

func TestHandler(t *testing.T) {
	c, reg := newCollector(t)
	c.Observe(capture.Event{Kind: capture.EventJobComplete})
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "capseq_jobs_completed_total 1"))

	expected := `
# HELP capseq_driver_restarts_total Camera driver restarts requested after repeated timeouts
# TYPE capseq_driver_restarts_total counter
capseq_driver_restarts_total 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "capseq_driver_restarts_total"))
}
