package mathx_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/nasa-jpl/capseq/mathx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ExampleRound() {
	fmt.Println(mathx.Round(1.3, 0.5))
	// Output: 1.5
}

func TestLinearFitExact(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	y := []float64{12, 22, 32, 42}
	a, b, err := mathx.LinearFit(x, y)
	require.NoError(t, err)
	assert.InDelta(t, 10, a, 1e-9)
	assert.InDelta(t, 2, b, 1e-9)
}

func TestLinearFitSingular(t *testing.T) {
	_, _, err := mathx.LinearFit([]float64{2, 2}, []float64{1, 5})
	assert.ErrorIs(t, err, mathx.ErrSingular)
}

func TestLinearFitTooFew(t *testing.T) {
	_, _, err := mathx.LinearFit([]float64{2}, []float64{1})
	assert.ErrorIs(t, err, mathx.ErrInsufficientData)
}

func TestPolyfitRecoversQuadratic(t *testing.T) {
	// exposure as a function of ADU, like the flat calibration uses it
	f := func(x float64) float64 { return 0.5 + 2e-5*x + 3e-10*x*x }
	x := []float64{5000, 12000, 20000, 31000, 45000}
	y := make([]float64, len(x))
	for i := range x {
		y[i] = f(x[i])
	}
	p, err := mathx.Polyfit(x, y, 2)
	require.NoError(t, err)
	for _, v := range []float64{8000, 25000, 40000} {
		assert.InDelta(t, f(v), p.Eval(v), 1e-9, "at x=%v", v)
	}
}

func TestPolyfitNeedsEnoughSamples(t *testing.T) {
	_, err := mathx.Polyfit([]float64{1, 2}, []float64{1, 2}, 2)
	assert.ErrorIs(t, err, mathx.ErrInsufficientData)
}

func TestPolyfitRepeatedAbscissaIsSingular(t *testing.T) {
	_, err := mathx.Polyfit([]float64{3, 3, 3}, []float64{1, 2, 3}, 2)
	assert.ErrorIs(t, err, mathx.ErrSingular)
}

func TestIsFinite(t *testing.T) {
	assert.True(t, mathx.IsFinite(1))
	assert.False(t, mathx.IsFinite(math.NaN()))
	assert.False(t, mathx.IsFinite(math.Inf(-1)))
}
