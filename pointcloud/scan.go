// Package pointcloud holds point-cloud scans, their PCD serialization, and
// range-based filtering of scan points.
package pointcloud

import (
	"time"

	"github.com/golang/geo/r3"
)

// Scan is a single sensor sweep: an ordered set of 3D points expressed in
// the frame the sensor captured them in, in meters. A scan is immutable once
// received; downstream stages that reshape the point set allocate new slices
// rather than editing this one.
type Scan struct {
	Points []r3.Vector
	Stamp  time.Time
	Frame  string
}

// Size returns the number of points in the scan.
func (s *Scan) Size() int {
	return len(s.Points)
}
