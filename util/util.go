// Package util contains misc internal utilities.
package util

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Clamp limits x to the closed interval [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a floating point number of seconds to a time.Duration,
// rounding to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// NearlyEqual returns true if a and b differ by no more than tol
func NearlyEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// FormatSecs formats a number of seconds with the minimal number of digits
// that round trips, e.g. 5 => "5", 0.25 => "0.25"
func FormatSecs(secs float64) string {
	return strconv.FormatFloat(secs, 'f', -1, 64)
}

// SanitizeName makes s usable as a single path component by replacing
// separators and whitespace with underscores
func SanitizeName(s string) string {
	s = strings.TrimSpace(s)
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "-")
	return r.Replace(s)
}
