// Package util contains misc internal utilities.
package util

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrOutOfRange is wrapped by Limiter.Validate
var ErrOutOfRange = errors.New("value out of range")

// GetBit returns the value of a given bit in a byte
func GetBit(b byte, bitIndex uint) bool {
	return b&(1<<bitIndex) != 0
}

// SetBit sets the bit at bitIndex of b to value and returns the result
func SetBit(b byte, bitIndex uint, value bool) byte {
	if value {
		return b | (1 << bitIndex)
	}
	return b &^ (1 << bitIndex)
}

// Clamp limits input to the range [low, high]
func Clamp(input, low, high float64) float64 {
	return math.Max(low, math.Min(input, high))
}

// SecsToDuration converts a floating point number of seconds to a duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// Limiter holds an inclusive range a setpoint must fall in
type Limiter struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// Check returns true if v is within the limits
func (l Limiter) Check(v float64) bool {
	return v >= l.Min && v <= l.Max && !math.IsNaN(v)
}

// Validate returns a descriptive error if v is outside the limits
func (l Limiter) Validate(name string, v float64) error {
	if !l.Check(v) {
		return fmt.Errorf("%w: %s %g outside allowed range [%g, %g]", ErrOutOfRange, name, v, l.Min, l.Max)
	}
	return nil
}

// Symmetric returns a Limiter of [-lim, lim]
func Symmetric(lim float64) Limiter {
	return Limiter{Min: -lim, Max: lim}
}
