package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/capture"
)

func freshConfig(t *testing.T, yaml string) Config {
	k = koanf.New(".")
	ConfigFileName = filepath.Join(t.TempDir(), "capseq.yml")
	if yaml != "" {
		require.NoError(t, os.WriteFile(ConfigFileName, []byte(yaml), 0644))
	}
	setupconfig()
	return loadConfig()
}

func TestDefaultsWithoutFile(t *testing.T) {
	c := freshConfig(t, "")
	assert.Equal(t, ":8000", c.Addr)
	assert.Equal(t, capture.DefaultOptions(), c.Capture)
	assert.Equal(t, []string{"Luminance", "Red", "Green", "Blue", "Ha"}, c.Sim.Filters)
}

func TestFileAndEnvironmentOverride(t *testing.T) {
	t.Setenv("CAPSEQ_ADDR", ":9100")
	t.Setenv("CAPSEQ_CAPTURE_PENDINGPOLL", "250ms")
	t.Setenv("CAPSEQ_SIM_SCALE", "0.5")
	c := freshConfig(t, "imageRoot: /data/frames\ncapture:\n  flatHardCap: 60\n")
	assert.Equal(t, ":9100", c.Addr)
	assert.Equal(t, "/data/frames", c.ImageRoot)
	assert.Equal(t, 60., c.Capture.FlatHardCap)
	assert.Equal(t, 250*time.Millisecond, c.Capture.PendingPoll)
	assert.Equal(t, 0.5, c.Sim.Scale)
	assert.Equal(t, 0.95, c.Capture.FlatSaturation, "untouched defaults survive")
}

func TestMkconfRoundTrip(t *testing.T) {
	c := freshConfig(t, "addr: \":7000\"\n")
	mkconf()
	k = koanf.New(".")
	setupconfig()
	assert.Equal(t, c, loadConfig())
}

func TestProgressMessage(t *testing.T) {
	e := capture.Event{Kind: capture.EventCaptureStarted, Job: &capture.JobInfo{
		FrameType: camera.FrameLight, Filter: "Red", Exposure: 30, Completed: 2, Count: 5,
	}}
	assert.Equal(t, "Light Red 30s frame 3/5", progress(e))

	e.Job.Calibrating = true
	e.Job.Exposure = 1.25
	assert.Equal(t, "calibrating Red flat, trying 1.250s", progress(e))

	assert.Equal(t, "sequence-complete", progress(capture.Event{Kind: capture.EventSequenceComplete}))
}
