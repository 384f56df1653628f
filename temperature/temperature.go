// Package temperature holds temperature units and the settle criterion used
// when a camera is cooled toward a setpoint.
package temperature

import "math"

// Celsius is a temperature in C
type Celsius float64

// Delta returns the absolute difference between two temperatures
func Delta(a, b Celsius) Celsius {
	return Celsius(math.Abs(float64(a - b)))
}

// Settled returns true if current is within tol of target.
// A non-positive tolerance requires an exact match.
func Settled(current, target, tol Celsius) bool {
	return Delta(current, target) <= tol
}
