package model

import "math"

// Location is a planar position in a projected coordinate system (metres).
type Location struct {
	X float64
	Y float64
}

// DistanceTo returns the Euclidean distance between two locations.
func (l Location) DistanceTo(other Location) float64 {
	return math.Hypot(l.X-other.X, l.Y-other.Y)
}
