package pointcloud

import "github.com/golang/geo/r3"

// FilterRange culls points by their Euclidean norm from the local origin.
// Two passes run back to back: the first removes every point strictly
// farther than maxRange, the second removes every point strictly closer
// than minRange. Points sitting exactly on either bound survive. Because
// the passes are independent, a configuration with minRange > maxRange
// leaves nothing at all rather than flipping into a band around the bounds.
// The input slice is never modified.
func FilterRange(points []r3.Vector, minRange, maxRange float64) []r3.Vector {
	kept := make([]r3.Vector, 0, len(points))
	for _, p := range points {
		if p.Norm() > maxRange {
			continue
		}
		kept = append(kept, p)
	}
	out := kept[:0]
	for _, p := range kept {
		if p.Norm() < minRange {
			continue
		}
		out = append(out, p)
	}
	return out
}
