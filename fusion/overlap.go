package fusion

import "image"

// Overlaps reports whether the intersection of a and b covers more than half of the
// smaller of the two.
func Overlaps(a, b image.Rectangle) bool {
	inter := a.Intersect(b)
	if inter.Empty() {
		return false
	}
	smaller := min(area(a), area(b))
	return 2*area(inter) > smaller
}

func area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}
