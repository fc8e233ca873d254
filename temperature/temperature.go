// Package temperature holds typed temperatures and conversions between them.
// Cryogenic controllers report in Kelvin; the HTTP layer and the rest of the
// lab tend to think in Celsius.
package temperature

import "strconv"

type (
	// Celsius is a temperature in C
	Celsius float64

	// Kelvin is a temperature in K
	Kelvin float64

	// Fahrenheit is a temperature in deg F
	Fahrenheit float64
)

// AbsoluteZero in Celsius
const AbsoluteZero Celsius = -273.15

func (k Kelvin) String() string {
	return strconv.FormatFloat(float64(k), 'f', -1, 64) + " K"
}

func (c Celsius) String() string {
	return strconv.FormatFloat(float64(c), 'f', -1, 64) + " C"
}

// Physical is true if k is not below absolute zero
func (k Kelvin) Physical() bool {
	return k >= 0
}

// C2K converts a temp in Celsius to Kelvin
func C2K(c Celsius) Kelvin {
	return Kelvin(c - AbsoluteZero)
}

// K2C converts a temp in Kelvin to Celsius
func K2C(k Kelvin) Celsius {
	return Celsius(k) + AbsoluteZero
}

// C2F converts a temp in Celsius to Fahrenheit
func C2F(c Celsius) Fahrenheit {
	return Fahrenheit(c*9/5 + 32)
}

// F2K converts a temp in Fahrenheit to Kelvin
func F2K(f Fahrenheit) Kelvin {
	return C2K(Celsius((f - 32) * 5 / 9))
}
