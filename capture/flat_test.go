package capture

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/sequence"
)

// converge runs the flat exposure search against a simulated response and
// returns the number of frames it took to land within tolerance
func converge(t *testing.T, response func(exp float64) float64) (int, float64) {
	t.Helper()
	o := DefaultOptions()
	j := flatJob(1)
	j.Calibration = sequence.Calibrating
	exp := j.CurrentExposure()
	for i := 1; i <= 20; i++ {
		adu := response(exp)
		if math.Abs(adu-j.TargetADU) <= j.ADUTolerance {
			return i, exp
		}
		next := o.CalculateFlatExpTime(j, adu)
		require.True(t, next > 0, "iteration %d proposed %v", i, next)
		exp = next
	}
	t.Fatalf("no convergence, samples %v", j.Samples)
	return 0, 0
}

func TestFlatSearchConvergesLinear(t *testing.T) {
	n, exp := converge(t, func(e float64) float64 { return 7000*e + 500 })
	assert.LessOrEqual(t, n, 4)
	assert.InDelta(t, (30000.-500)/7000, exp, 0.15)
}

func TestFlatSearchConvergesSublinear(t *testing.T) {
	n, _ := converge(t, func(e float64) float64 { return 8000 * math.Pow(e, 0.9) })
	assert.LessOrEqual(t, n, 10)
}

func TestFlatSearchConvergesFromAbove(t *testing.T) {
	n, _ := converge(t, func(e float64) float64 { return 50000*e + 100 })
	assert.LessOrEqual(t, n, 10)
}

func TestCalculateFlatExpTimeSteps(t *testing.T) {
	o := DefaultOptions()
	j := flatJob(1)
	assert.InDelta(t, 1.25, o.CalculateFlatExpTime(j, 10000), 1e-9, "one sample steps up")

	j = flatJob(1)
	assert.InDelta(t, 0.75, o.CalculateFlatExpTime(j, 40000), 1e-9, "one sample steps down")
	assert.Len(t, j.Samples, 1)
}

func TestCalculateFlatExpTimeHardCap(t *testing.T) {
	o := DefaultOptions()
	j := flatJob(1)
	j.AddSample(1, 10)
	j.SetCurrentExposure(2)
	// the linear prediction of 3000 s is beyond the cap, fall back to a step
	next := o.CalculateFlatExpTime(j, 20)
	assert.InDelta(t, 2.5, next, 1e-9)
}

func TestStuck(t *testing.T) {
	same := []sequence.Sample{{Exposure: 2}, {Exposure: 2}, {Exposure: 2.0001}}
	assert.True(t, stuck(same))
	assert.False(t, stuck(same[:2]))
	assert.False(t, stuck([]sequence.Sample{{Exposure: 1}, {Exposure: 2}, {Exposure: 2}}))
}

func TestTowards(t *testing.T) {
	assert.True(t, towards(2, 1, 30000, 10000))
	assert.False(t, towards(0.5, 1, 30000, 10000))
	assert.True(t, towards(0.5, 1, 30000, 50000))
	assert.True(t, towards(5, 1, 30000, 30000))
}

func TestFlatCalibrationInProcess(t *testing.T) {
	j := flatJob(2)
	h := newHarness(t, testOptions(), j)
	h.dev.auto = linearFlats(10000)

	require.NoError(t, h.p.Start())
	h.clk.Advance(time.Minute)

	require.Len(t, h.dev.exposures, 5)
	for i := 0; i < 3; i++ {
		assert.True(t, h.dev.exposures[i].Preview, "search frame %d", i)
	}
	assert.InDelta(t, 1.25, h.dev.exposures[1].Duration, 1e-9)
	for _, e := range h.dev.exposures[3:] {
		assert.False(t, e.Preview)
		assert.InDelta(t, 3, e.Duration, 1e-6)
	}
	assert.Equal(t, sequence.CalibrationComplete, j.Calibration)
	assert.Equal(t, 2, j.Completed, "search frames are not counted")
	assert.Equal(t, sequence.StatusDone, j.Status)
}

func TestFlatWithinToleranceCompletes(t *testing.T) {
	j := flatJob(1)
	h := newHarness(t, testOptions(), j)
	h.dev.auto = linearFlats(30200)

	require.NoError(t, h.p.Start())
	h.clk.Advance(time.Minute)

	require.Len(t, h.dev.exposures, 2)
	assert.Equal(t, h.dev.exposures[0].Duration, h.dev.exposures[1].Duration)
	assert.Equal(t, sequence.CalibrationComplete, j.Calibration)
	assert.Equal(t, 1, j.Completed)
}

func TestFlatSaturatedShortens(t *testing.T) {
	j := flatJob(1)
	h := newHarness(t, testOptions(), j)
	linear := linearFlats(10000)
	frames := 0
	h.dev.auto = func(e camera.Exposure) *camera.Image {
		frames++
		if frames == 1 {
			return &camera.Image{BitDepth: 16, Min: 60000, Max: 65535, Mean: 64000}
		}
		return linear(e)
	}
	require.NoError(t, h.p.Start())
	h.clk.Advance(time.Minute)

	require.Greater(t, len(h.dev.exposures), 2)
	assert.Less(t, h.dev.exposures[1].Duration, h.dev.exposures[0].Duration)
	assert.InDelta(t, 0.1, h.dev.exposures[1].Duration, 1e-9)
	assert.Equal(t, sequence.StatusDone, j.Status)
}

func TestFlatCollapsedRangeShortens(t *testing.T) {
	j := flatJob(1)
	h := newHarness(t, testOptions(), j)
	h.dev.auto = func(e camera.Exposure) *camera.Image {
		return &camera.Image{BitDepth: 16, Min: 500, Max: 505, Mean: 502}
	}
	require.NoError(t, h.p.Start())
	h.clk.Advance(3 * time.Second)

	require.GreaterOrEqual(t, len(h.dev.exposures), 2)
	assert.Less(t, h.dev.exposures[1].Duration, h.dev.exposures[0].Duration)
	assert.InDelta(t, 0.5, h.dev.exposures[1].Duration, 1e-9)
}

func TestFlatTargetBeyondBitDepthAborts(t *testing.T) {
	j := flatJob(1)
	j.TargetADU = 1000
	h := newHarness(t, testOptions(), j)
	h.dev.auto = func(e camera.Exposure) *camera.Image {
		return &camera.Image{BitDepth: 8, Min: 10, Max: 200, Mean: 100}
	}
	require.NoError(t, h.p.Start())
	h.clk.Advance(time.Minute)
	assert.Equal(t, StateAborted, h.state())
	assert.Equal(t, sequence.StatusAborted, j.Status)
}

func TestFlatNaNAborts(t *testing.T) {
	j := flatJob(1)
	h := newHarness(t, testOptions(), j)
	h.dev.auto = func(e camera.Exposure) *camera.Image {
		return &camera.Image{BitDepth: 16, Min: 0, Max: 1000, Mean: math.NaN()}
	}
	require.NoError(t, h.p.Start())
	h.clk.Advance(time.Minute)
	assert.Equal(t, StateAborted, h.state())
}

func TestFlatNeedsFITS(t *testing.T) {
	j := flatJob(1)
	j.Encoding = "JPEG"
	h := newHarness(t, testOptions(), j)
	require.NoError(t, h.p.Start())
	assert.Equal(t, StateAborted, h.state())
	assert.Empty(t, h.dev.exposures)
}

func TestDarkFlatUsesFlatExposure(t *testing.T) {
	flat := flatJob(1)
	dark := sequence.NewJob()
	dark.Type = sequence.TypeDarkFlat
	dark.FrameType = camera.FrameDark
	dark.Exposure = 1
	h := newHarness(t, testOptions(), flat, dark)
	linear := linearFlats(10000)
	h.dev.auto = func(e camera.Exposure) *camera.Image {
		if e.FrameType == camera.FrameDark {
			return lightImage(e)
		}
		return linear(e)
	}

	require.NoError(t, h.p.Start())
	h.clk.Advance(time.Minute)

	last := h.dev.exposures[len(h.dev.exposures)-1]
	assert.Equal(t, camera.FrameDark, last.FrameType)
	assert.InDelta(t, 3, last.Duration, 1e-6)
	assert.Equal(t, sequence.StatusDone, dark.Status)
}
