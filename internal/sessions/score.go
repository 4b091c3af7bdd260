package sessions

import "math"

// Score is a normalized decimal in [0,1]. It is never a percentage.
type Score float64

// NewScore clamps v into [0,1] and rounds to four decimal places.
// NaN becomes 0.
func NewScore(v float64) Score {
	return Score(Round4(Clamp01(v)))
}

// Valid reports whether the score is a finite value in [0,1].
func (s Score) Valid() bool {
	f := float64(s)
	return !math.IsNaN(f) && f >= 0 && f <= 1
}

func (s Score) Float() float64 {
	return float64(s)
}

// Clamp01 clamps v into [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Round4 rounds to the stored decimal precision.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
