package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/sequence"
)

func TestFindNextPendingJob(t *testing.T) {
	q := sequence.NewQueue()
	done, abandoned, aborted, idle := lightJob(1, 1), lightJob(1, 1), lightJob(1, 1), lightJob(1, 1)
	done.Status = sequence.StatusDone
	abandoned.Status = sequence.StatusAborted
	abandoned.Abandoned = true
	aborted.Status = sequence.StatusAborted
	for _, j := range []*sequence.Job{done, abandoned, aborted, idle} {
		q.Add(j)
	}
	s := newState(q)
	assert.Same(t, aborted, s.FindNextPendingJob())

	aborted.Status = sequence.StatusDone
	assert.Same(t, idle, s.FindNextPendingJob())

	idle.Status = sequence.StatusDone
	assert.Nil(t, s.FindNextPendingJob())
}

func TestCapturedFramesMap(t *testing.T) {
	s := newState(nil)
	assert.False(t, s.HasCapturedFramesMap())
	s.addCapturedFrame("a")
	assert.Zero(t, s.CapturedFramesCount("a"), "no map, nothing is counted")

	in := map[string]int{"a": 2}
	s.SetCapturedFramesMap(in)
	s.addCapturedFrame("a")
	s.addCapturedFrame("b")
	assert.Equal(t, 3, s.CapturedFramesCount("a"))
	assert.Equal(t, 1, s.CapturedFramesCount("b"))
	assert.Equal(t, 2, in["a"], "the caller's map is not modified")

	s.ClearCapturedFramesMap()
	assert.False(t, s.HasCapturedFramesMap())
}

func TestSetDarkFlatExposure(t *testing.T) {
	q := sequence.NewQueue()
	red := flatJob(1)
	red.Filter.Name = "Red"
	red.SetCurrentExposure(2)
	red.Calibration = sequence.CalibrationComplete
	blue := flatJob(1)
	blue.Filter.Name = "Blue"
	blue.SetCurrentExposure(4)
	blue.Calibration = sequence.CalibrationComplete
	manual := lightJob(1, 7)
	manual.FrameType = camera.FrameFlat
	manual.Filter.Name = "Green"
	q.Add(red)
	q.Add(blue)
	q.Add(manual)
	s := newState(q)

	dark := sequence.NewJob()
	dark.Type = sequence.TypeDarkFlat
	dark.FrameType = camera.FrameDark
	dark.Filter.Name = "Blue"
	assert.True(t, s.SetDarkFlatExposure(dark))
	assert.Equal(t, 4., dark.CurrentExposure())

	dark.Filter.Name = "Green"
	assert.True(t, s.SetDarkFlatExposure(dark))
	assert.Equal(t, 7., dark.CurrentExposure())

	dark.Filter.Name = "Red"
	dark.Binning = camera.Binning{X: 2, Y: 2}
	assert.False(t, s.SetDarkFlatExposure(dark), "binning must match")
}

func TestDarkFlatNeedsCalibratedFlat(t *testing.T) {
	q := sequence.NewQueue()
	flat := flatJob(1)
	q.Add(flat)
	s := newState(q)
	dark := sequence.NewJob()
	dark.Type = sequence.TypeDarkFlat
	dark.FrameType = camera.FrameDark
	assert.False(t, s.SetDarkFlatExposure(dark), "an ADU flat of an earlier session has no known exposure")
}

func TestDownloadTimeAndEstimate(t *testing.T) {
	q := sequence.NewQueue()
	j := lightJob(4, 10)
	j.Completed = 2
	j.DelayMs = 500
	q.Add(j)
	s := newState(q)
	s.addDownloadTime(1)
	s.addDownloadTime(2)
	s.addDownloadTime(3)
	assert.Equal(t, 2., s.AverageDownloadTime())
	assert.Equal(t, 25*time.Second, s.EstimatedTimeLeft())

	j.Status = sequence.StatusDone
	assert.Zero(t, s.EstimatedTimeLeft())
}

func TestSeqBoundary(t *testing.T) {
	s := newState(nil)
	rec := &fakeRecorder{next: 7}
	a := lightJob(1, 1)
	s.checkSeqBoundary(a, rec)
	assert.Equal(t, 7, s.nextSequenceID)
	s.nextSequenceID = 9
	s.checkSeqBoundary(a, rec)
	assert.Equal(t, 9, s.nextSequenceID, "same target keeps counting")

	b := lightJob(1, 1)
	b.Target = "NGC 7000"
	s.checkSeqBoundary(b, nil)
	assert.Equal(t, 1, s.nextSequenceID)
}

func TestSnapshot(t *testing.T) {
	j := lightJob(3, 5)
	h := newHarness(t, testOptions(), j)
	h.dev.auto = nil
	require.NoError(t, h.p.Start())
	h.clk.Drain()
	snap := h.p.State().Snapshot()
	assert.Equal(t, "Capturing", snap.CaptureState)
	if assert.NotNil(t, snap.ActiveJob) {
		assert.Equal(t, j.ID, snap.ActiveJob.ID)
	}
	assert.Equal(t, "CAPTURING", snap.ActiveStage)
}
