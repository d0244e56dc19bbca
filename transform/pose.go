// Package transform tracks stamped rigid transforms and answers
// nearest-in-time pose lookups used to gate scan integration.
package transform

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform from a sensor frame into the volume frame,
// stored as a unit rotation quaternion and a translation in meters.
type Pose struct {
	R quat.Number
	T r3.Vector
}

// Identity returns the pose that maps every point to itself.
func Identity() Pose {
	return Pose{R: quat.Number{Real: 1}}
}

// NewPose builds a pose from a rotation given as (w, x, y, z) components
// and a translation.
func NewPose(w, x, y, z float64, t r3.Vector) Pose {
	return Pose{R: quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}, T: t}
}

// ApplyPoint re-expresses p in the target frame by rotating it through the
// pose quaternion and then translating: R p R* + T. The rotation must be a
// unit quaternion, which makes the conjugate its inverse.
func (p Pose) ApplyPoint(v r3.Vector) r3.Vector {
	pv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rv := quat.Mul(quat.Mul(p.R, pv), quat.Conj(p.R))
	return r3.Vector{X: rv.Imag + p.T.X, Y: rv.Jmag + p.T.Y, Z: rv.Kmag + p.T.Z}
}

// Apply re-expresses every point of pts in the target frame, returning a
// new slice and leaving the input untouched.
func (p Pose) Apply(pts []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i, v := range pts {
		out[i] = p.ApplyPoint(v)
	}
	return out
}
