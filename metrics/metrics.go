// Package metrics exposes capture activity as Prometheus metrics.
//
// A Collector is an observer of a capture.Process.  It is fed on the capture
// loop goroutine and scraped from HTTP goroutines; the Prometheus types it
// holds are safe for that.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/capseq/capture"
)

const namespace = "capseq"

// Collector holds the capture metrics
type Collector struct {
	framesCaptured *prometheus.CounterVec
	captureErrors  prometheus.Counter
	timeouts       prometheus.Counter
	restarts       prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsAborted    prometheus.Counter
	sequences      *prometheus.CounterVec

	captureState prometheus.Gauge
	downloadTime prometheus.Gauge
	exposure     prometheus.Histogram

	mu            sync.Mutex
	downloadCount int
	downloadMean  float64
}

// NewCollector creates the metrics and registers them on reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		framesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames captured and counted toward a job, by frame type",
		}, []string{"frame_type"}),
		captureErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_errors_total",
			Help:      "Exposures that failed to start or were reported failed by the camera",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exposure_timeouts_total",
			Help:      "Exposures that produced no image in time",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "driver_restarts_total",
			Help:      "Camera driver restarts requested after repeated timeouts",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs that captured all their frames",
		}),
		jobsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_aborted_total",
			Help:      "Jobs stopped before finishing",
		}),
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_finished_total",
			Help:      "Sequences that ran to the end of the queue, by final state",
		}, []string{"state"}),
		captureState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_state",
			Help:      "Numeric capture state, 0 is idle",
		}),
		downloadTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_time_average_seconds",
			Help:      "Mean time from end of exposure to image arrival",
		}),
		exposure: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exposure_seconds",
			Help:      "Exposure time of received frames",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),
	}
	for _, m := range []prometheus.Collector{
		c.framesCaptured, c.captureErrors, c.timeouts, c.restarts, c.jobsCompleted,
		c.jobsAborted, c.sequences, c.captureState, c.downloadTime, c.exposure,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe updates the metrics from a capture event; it is a capture.Observer
func (c *Collector) Observe(e capture.Event) {
	switch e.Kind {
	case capture.EventImageReceived:
		c.recordDownload(e.Value)
		if e.Job == nil {
			return
		}
		c.exposure.Observe(e.Job.Exposure)
		if !e.Job.Preview && !e.Job.Calibrating {
			c.framesCaptured.WithLabelValues(string(e.Job.FrameType)).Inc()
		}
	case capture.EventCaptureError:
		c.captureErrors.Inc()
	case capture.EventDriverTimeout:
		c.timeouts.Inc()
	case capture.EventDriverRestart:
		c.restarts.Inc()
	case capture.EventJobComplete:
		c.jobsCompleted.Inc()
	case capture.EventJobAborted:
		c.jobsAborted.Inc()
	case capture.EventSequenceComplete:
		c.sequences.WithLabelValues(e.State.String()).Inc()
	case capture.EventStateChanged:
		c.captureState.Set(float64(e.State))
	}
}

func (c *Collector) recordDownload(secs float64) {
	if secs <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloadCount++
	c.downloadMean += (secs - c.downloadMean) / float64(c.downloadCount)
	c.downloadTime.Set(c.downloadMean)
}

// Handler returns an HTTP handler serving the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
