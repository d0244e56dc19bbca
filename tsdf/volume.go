// Package tsdf implements a sparse truncated signed distance field volume
// with incremental point-cloud integration and triangle-mesh extraction.
package tsdf

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// WeightFunc maps a signed-distance sample to the weight its update
// contributes to a voxel. Integration consults it once per voxel visit.
type WeightFunc func(sdf float64) float64

// ConstantWeight weighs every sample at 1 regardless of distance.
func ConstantWeight(float64) float64 { return 1.0 }

// VoxelCoords are the integer grid indices of a voxel.
type VoxelCoords struct {
	I, J, K int64
}

type voxel struct {
	dist   float32
	weight float32
}

// Volume is a sparse TSDF over an unbounded voxel grid. Only voxels inside
// the truncation band around observed surfaces (plus, with space carving,
// voxels along observation rays) are allocated. A Volume is not safe for
// concurrent use; the owner must serialize integration against reads.
type Volume struct {
	voxelSize    float64
	truncDist    float64
	spaceCarving bool
	voxels       map[VoxelCoords]*voxel
}

// NewVolume creates an empty volume. voxelSize and truncDist are in meters
// and must be positive. spaceCarving updates free-space voxels along the
// whole sensor ray, letting later observations erase surfaces that moved.
func NewVolume(voxelSize, truncDist float64, spaceCarving bool) (*Volume, error) {
	if voxelSize <= 0 {
		return nil, errors.New("voxel size must be positive")
	}
	if truncDist <= 0 {
		return nil, errors.New("truncation distance must be positive")
	}
	return &Volume{
		voxelSize:    voxelSize,
		truncDist:    truncDist,
		spaceCarving: spaceCarving,
		voxels:       make(map[VoxelCoords]*voxel),
	}, nil
}

// VoxelSize returns the edge length of one voxel in meters.
func (v *Volume) VoxelSize() float64 { return v.voxelSize }

// TruncationDistance returns the half-width of the update band in meters.
func (v *Volume) TruncationDistance() float64 { return v.truncDist }

// SpaceCarving reports whether free-space carving is enabled.
func (v *Volume) SpaceCarving() bool { return v.spaceCarving }

// Len returns the number of allocated voxels.
func (v *Volume) Len() int { return len(v.voxels) }

func (v *Volume) voxelKey(p r3.Vector) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor(p.X / v.voxelSize)),
		J: int64(math.Floor(p.Y / v.voxelSize)),
		K: int64(math.Floor(p.Z / v.voxelSize)),
	}
}

func (v *Volume) voxelCenter(c VoxelCoords) r3.Vector {
	return r3.Vector{
		X: (float64(c.I) + 0.5) * v.voxelSize,
		Y: (float64(c.J) + 0.5) * v.voxelSize,
		Z: (float64(c.K) + 0.5) * v.voxelSize,
	}
}

// Integrate fuses one batch of points observed from origin into the field.
// Each point traces a ray from origin: voxels within the truncation band of
// the measured surface are updated with a weighted running average of the
// signed distance, and with space carving enabled the free-space voxels
// along the whole ray are updated as well. weigh is called per voxel visit
// with the signed-distance sample; nil selects ConstantWeight. The running
// average makes the fused field insensitive to batch order for a fixed
// weight function, up to float rounding.
func (v *Volume) Integrate(points []r3.Vector, origin r3.Vector, weigh WeightFunc) {
	if weigh == nil {
		weigh = ConstantWeight
	}
	for _, p := range points {
		v.integrateRay(p, origin, weigh)
	}
}

func (v *Volume) integrateRay(p, origin r3.Vector, weigh WeightFunc) {
	ray := p.Sub(origin)
	depth := ray.Norm()
	if depth == 0 {
		return
	}
	dir := ray.Mul(1 / depth)
	begin := depth - v.truncDist
	if v.spaceCarving || begin < 0 {
		begin = 0
	}
	end := depth + v.truncDist

	// Half-voxel steps so the traversal cannot skip a voxel on the segment.
	step := v.voxelSize / 2
	var last VoxelCoords
	haveLast := false
	for t := begin; t <= end; t += step {
		key := v.voxelKey(origin.Add(dir.Mul(t)))
		if haveLast && key == last {
			continue
		}
		last, haveLast = key, true
		v.updateVoxel(key, depth, origin, weigh)
	}
}

func (v *Volume) updateVoxel(key VoxelCoords, depth float64, origin r3.Vector, weigh WeightFunc) {
	sdf := depth - v.voxelCenter(key).Sub(origin).Norm()
	if sdf <= -v.truncDist {
		return
	}
	clamped := math.Min(sdf, v.truncDist)
	w := weigh(sdf)
	if w <= 0 {
		return
	}
	vox, ok := v.voxels[key]
	if !ok {
		vox = &voxel{}
		v.voxels[key] = vox
	}
	wSum := float64(vox.weight) + w
	vox.dist = float32((float64(vox.dist)*float64(vox.weight) + clamped*w) / wSum)
	vox.weight = float32(wSum)
}

// activeBounds returns the axis-aligned bounds over the centers of voxels
// whose weight reaches minWeight, and whether any such voxel exists.
func (v *Volume) activeBounds(minWeight float64) (lo, hi r3.Vector, ok bool) {
	first := true
	for key, vox := range v.voxels {
		if float64(vox.weight) < minWeight {
			continue
		}
		c := v.voxelCenter(key)
		if first {
			lo, hi = c, c
			first = false
			continue
		}
		lo.X = math.Min(lo.X, c.X)
		lo.Y = math.Min(lo.Y, c.Y)
		lo.Z = math.Min(lo.Z, c.Z)
		hi.X = math.Max(hi.X, c.X)
		hi.Y = math.Max(hi.Y, c.Y)
		hi.Z = math.Max(hi.Z, c.Z)
	}
	return lo, hi, !first
}
