package tsdf

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/soypat/sdf/render"
	gr3 "gonum.org/v1/gonum/spatial/r3"

	"github.com/viam-labs/tsdf-fusion/mesh"
)

// Marching cubes resolution bounds along the longest axis of the
// extraction domain.
const (
	minMeshCells = 16
	maxMeshCells = 512
)

// sdfView adapts the volume to the sdf.SDF3 sampling interface the octree
// renderer consumes. Unallocated space and voxels under the weight
// threshold both evaluate to the positive truncation distance, i.e. free
// space.
type sdfView struct {
	vol       *Volume
	minWeight float64
	bounds    gr3.Box
}

func (s *sdfView) Evaluate(p gr3.Vec) float64 {
	vox, ok := s.vol.voxels[s.vol.voxelKey(r3.Vector{X: p.X, Y: p.Y, Z: p.Z})]
	if !ok || float64(vox.weight) < s.minWeight {
		return s.vol.truncDist
	}
	return float64(vox.dist)
}

func (s *sdfView) Bounds() gr3.Box { return s.bounds }

// ExtractTriangleMesh runs marching cubes over the field and returns the
// surface at its zero crossing. Voxels whose accumulated weight is below
// minWeight count as unobserved and are excluded from the surface. With
// fillHoles the extraction domain is padded a full truncation band past
// the allocated voxels so surfaces reaching the volume boundary close;
// without it the domain clips tight to the allocation envelope and
// boundary surfaces stay open. An unobserved volume yields an empty mesh,
// which is a normal result rather than an error.
func (v *Volume) ExtractTriangleMesh(fillHoles bool, minWeight float64) (*mesh.Mesh, error) {
	lo, hi, ok := v.activeBounds(minWeight)
	if !ok {
		return &mesh.Mesh{}, nil
	}
	pad := v.voxelSize
	if fillHoles {
		pad = v.truncDist + v.voxelSize
	}
	bounds := gr3.Box{
		Min: gr3.Vec{X: lo.X - pad, Y: lo.Y - pad, Z: lo.Z - pad},
		Max: gr3.Vec{X: hi.X + pad, Y: hi.Y + pad, Z: hi.Z + pad},
	}
	view := &sdfView{vol: v, minWeight: minWeight, bounds: bounds}
	tris, err := render.RenderAll(render.NewOctreeRenderer(view, meshCells(bounds, v.voxelSize)))
	if err != nil {
		return nil, errors.Wrap(err, "rendering volume surface")
	}
	soup := make([][3]r3.Vector, len(tris))
	for i, tri := range tris {
		for j := 0; j < 3; j++ {
			soup[i][j] = r3.Vector{X: tri[j].X, Y: tri[j].Y, Z: tri[j].Z}
		}
	}
	return mesh.FromSoup(soup, v.voxelSize*1e-6), nil
}

func meshCells(b gr3.Box, voxelSize float64) int {
	longest := math.Max(b.Max.X-b.Min.X, math.Max(b.Max.Y-b.Min.Y, b.Max.Z-b.Min.Z))
	// Two sampling cells per voxel keeps the reconstruction crisp without
	// oversampling the nearest-neighbor field.
	cells := int(math.Ceil(longest / voxelSize * 2))
	if cells < minMeshCells {
		cells = minMeshCells
	}
	if cells > maxMeshCells {
		cells = maxMeshCells
	}
	return cells
}
