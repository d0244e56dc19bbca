// Package mesh holds indexed triangle meshes and their PLY serialization.
package mesh

import (
	"math"

	"github.com/golang/geo/r3"
)

// Mesh is an indexed triangle surface: an ordered vertex list plus an
// ordered list of triangles, each referencing three vertex indices.
// Extraction produces a fresh mesh per export and nothing mutates one
// after creation.
type Mesh struct {
	Vertices  []r3.Vector
	Triangles [][3]int32
}

// Empty reports whether the mesh has no vertices.
func (m *Mesh) Empty() bool {
	return len(m.Vertices) == 0
}

// FromSoup indexes a triangle soup, merging corners that coincide within
// eps of each other. Triangle order is preserved and vertices appear in
// first-use order. Triangles that collapse under merging are dropped.
func FromSoup(tris [][3]r3.Vector, eps float64) *Mesh {
	if eps <= 0 {
		eps = 1e-9
	}
	m := &Mesh{
		Vertices:  []r3.Vector{},
		Triangles: make([][3]int32, 0, len(tris)),
	}
	index := make(map[[3]int64]int32, len(tris))
	for _, tri := range tris {
		var ids [3]int32
		for i, v := range tri {
			key := [3]int64{
				int64(math.Round(v.X / eps)),
				int64(math.Round(v.Y / eps)),
				int64(math.Round(v.Z / eps)),
			}
			id, ok := index[key]
			if !ok {
				id = int32(len(m.Vertices))
				index[key] = id
				m.Vertices = append(m.Vertices, v)
			}
			ids[i] = id
		}
		if ids[0] == ids[1] || ids[1] == ids[2] || ids[0] == ids[2] {
			continue
		}
		m.Triangles = append(m.Triangles, ids)
	}
	return m
}
