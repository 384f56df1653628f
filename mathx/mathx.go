// Package mathx provides small numeric helpers: rounding, and least squares
// fitting of lines and low-degree polynomials to a handful of samples.
package mathx

import (
	"errors"
	"math"
)

var (
	// ErrInsufficientData is generated when a fit is requested with fewer samples than unknowns
	ErrInsufficientData = errors.New("not enough samples for the requested fit")

	// ErrSingular is generated when the normal equations of a fit have no unique solution,
	// e.g. all abscissae are equal
	ErrSingular = errors.New("fit is singular")

	// ErrLengthMismatch is generated when x and y are not the same length
	ErrLengthMismatch = errors.New("x and y must be the same length")
)

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// IsFinite returns true if x is neither NaN nor +/-Inf
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// LinearFit computes the least squares line y = a*x + b through the samples.
func LinearFit(x, y []float64) (a, b float64, err error) {
	if len(x) != len(y) {
		return 0, 0, ErrLengthMismatch
	}
	n := float64(len(x))
	if len(x) < 2 {
		return 0, 0, ErrInsufficientData
	}
	var sx, sy, sxx, sxy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
		sxx += x[i] * x[i]
		sxy += x[i] * y[i]
	}
	den := n*sxx - sx*sx
	if den == 0 || !IsFinite(den) {
		return 0, 0, ErrSingular
	}
	a = (n*sxy - sx*sy) / den
	b = (sy - a*sx) / n
	return a, b, nil
}

// Polynomial is the result of a polynomial fit.  The fit is performed on the
// abscissa mapped to u = (x - Offset) / Scale, which keeps the normal equations
// well conditioned for inputs like 16-bit ADU values.
type Polynomial struct {
	// Coeffs holds the coefficients in increasing order of power of u
	Coeffs []float64

	// Offset is subtracted from x before scaling
	Offset float64

	// Scale divides x - Offset
	Scale float64
}

// Eval evaluates the polynomial at x
func (p Polynomial) Eval(x float64) float64 {
	u := (x - p.Offset) / p.Scale
	// horner
	out := 0.
	for i := len(p.Coeffs) - 1; i >= 0; i-- {
		out = out*u + p.Coeffs[i]
	}
	return out
}

// Polyfit fits a polynomial of the given degree to the samples in the least
// squares sense.
func Polyfit(x, y []float64, degree int) (Polynomial, error) {
	if len(x) != len(y) {
		return Polynomial{}, ErrLengthMismatch
	}
	if degree < 0 || len(x) < degree+1 {
		return Polynomial{}, ErrInsufficientData
	}
	lo, hi := x[0], x[0]
	for _, v := range x {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	offset := (hi + lo) / 2
	scale := (hi - lo) / 2
	if scale == 0 {
		scale = 1
	}
	m := degree + 1

	// normal equations A c = r, A[i][j] = sum u^(i+j), r[i] = sum y u^i
	A := make([][]float64, m)
	for i := range A {
		A[i] = make([]float64, m+1)
	}
	for k := range x {
		u := (x[k] - offset) / scale
		pw := make([]float64, 2*m-1)
		pw[0] = 1
		for i := 1; i < len(pw); i++ {
			pw[i] = pw[i-1] * u
		}
		for i := 0; i < m; i++ {
			for j := 0; j < m; j++ {
				A[i][j] += pw[i+j]
			}
			A[i][m] += y[k] * pw[i]
		}
	}
	c, err := solve(A)
	if err != nil {
		return Polynomial{}, err
	}
	return Polynomial{Coeffs: c, Offset: offset, Scale: scale}, nil
}

// solve performs gaussian elimination with partial pivoting on the augmented
// matrix A, which is modified in place
func solve(A [][]float64) ([]float64, error) {
	n := len(A)
	for col := 0; col < n; col++ {
		piv := col
		for row := col + 1; row < n; row++ {
			if math.Abs(A[row][col]) > math.Abs(A[piv][col]) {
				piv = row
			}
		}
		if math.Abs(A[piv][col]) < 1e-12 {
			return nil, ErrSingular
		}
		A[col], A[piv] = A[piv], A[col]
		for row := col + 1; row < n; row++ {
			f := A[row][col] / A[col][col]
			for k := col; k <= n; k++ {
				A[row][k] -= f * A[col][k]
			}
		}
	}
	out := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := A[row][n]
		for k := row + 1; k < n; k++ {
			sum -= A[row][k] * out[k]
		}
		out[row] = sum / A[row][row]
	}
	return out, nil
}
