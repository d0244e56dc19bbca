package tsdf

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/viam-labs/tsdf-fusion/mesh"
)

func TestExtractEmptyVolume(t *testing.T) {
	vol, err := NewVolume(0.1, 0.3, false)
	test.That(t, err, test.ShouldBeNil)

	m, err := vol.ExtractTriangleMesh(true, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Empty(), test.ShouldBeTrue)
	test.That(t, m.Triangles, test.ShouldBeEmpty)
}

func TestExtractAllBelowMinWeight(t *testing.T) {
	vol, err := NewVolume(0.1, 0.3, false)
	test.That(t, err, test.ShouldBeNil)
	vol.Integrate([]r3.Vector{{X: 1}}, r3.Vector{}, nil)
	test.That(t, vol.Len(), test.ShouldBeGreaterThan, 0)

	// Every voxel saw a single update, so a threshold of 2 masks them all.
	m, err := vol.ExtractTriangleMesh(true, 2.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Empty(), test.ShouldBeTrue)
}

func TestExtractWallSurface(t *testing.T) {
	vol, err := NewVolume(0.1, 0.3, false)
	test.That(t, err, test.ShouldBeNil)
	vol.Integrate(wallScan(), r3.Vector{}, nil)

	m, err := vol.ExtractTriangleMesh(true, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Empty(), test.ShouldBeFalse)
	test.That(t, len(m.Triangles), test.ShouldBeGreaterThan, 0)

	// The surface stays inside the padded extraction domain around the
	// wall, and part of it crosses zero near the true plane x=2.
	nearPlane := false
	for _, v := range m.Vertices {
		test.That(t, v.X, test.ShouldBeBetween, 1.2, 2.8)
		test.That(t, v.Y, test.ShouldBeBetween, -1.1, 1.1)
		test.That(t, v.Z, test.ShouldBeBetween, -1.1, 1.1)
		if v.X > 1.85 && v.X < 2.15 {
			nearPlane = true
		}
	}
	test.That(t, nearPlane, test.ShouldBeTrue)

	// Triangle indices all reference real vertices.
	for _, tri := range m.Triangles {
		for _, idx := range tri {
			test.That(t, int(idx), test.ShouldBeLessThan, len(m.Vertices))
			test.That(t, idx, test.ShouldBeGreaterThanOrEqualTo, 0)
		}
	}
}

func TestExtractWithoutFillHoles(t *testing.T) {
	vol, err := NewVolume(0.1, 0.3, false)
	test.That(t, err, test.ShouldBeNil)
	vol.Integrate(wallScan(), r3.Vector{}, nil)

	m, err := vol.ExtractTriangleMesh(false, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Empty(), test.ShouldBeFalse)
}

// triangleSet canonicalizes a mesh into its multiset of triangles so two
// extractions compare independent of vertex numbering.
func triangleSet(m *mesh.Mesh) map[string]int {
	set := make(map[string]int)
	for _, tri := range m.Triangles {
		corners := make([]string, 3)
		for i, idx := range tri {
			v := m.Vertices[idx]
			corners[i] = fmt.Sprintf("%.6f,%.6f,%.6f", v.X, v.Y, v.Z)
		}
		sort.Strings(corners)
		set[strings.Join(corners, " ")]++
	}
	return set
}

func TestExtractRepeatable(t *testing.T) {
	vol, err := NewVolume(0.1, 0.3, false)
	test.That(t, err, test.ShouldBeNil)
	vol.Integrate(wallScan(), r3.Vector{}, nil)

	first, err := vol.ExtractTriangleMesh(true, 0.5)
	test.That(t, err, test.ShouldBeNil)
	second, err := vol.ExtractTriangleMesh(true, 0.5)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, second.Empty(), test.ShouldBeFalse)
	test.That(t, len(second.Vertices), test.ShouldEqual, len(first.Vertices))
	test.That(t, triangleSet(second), test.ShouldResemble, triangleSet(first))
}

func TestExtractMinWeightMasksStray(t *testing.T) {
	vol, err := NewVolume(0.1, 0.3, false)
	test.That(t, err, test.ShouldBeNil)

	// The wall is observed twice; a stray return only once.
	wall := wallScan()
	vol.Integrate(wall, r3.Vector{}, nil)
	vol.Integrate(wall, r3.Vector{}, nil)
	vol.Integrate([]r3.Vector{{Y: 5}}, r3.Vector{}, nil)

	m, err := vol.ExtractTriangleMesh(true, 1.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Empty(), test.ShouldBeFalse)
	for _, v := range m.Vertices {
		test.That(t, v.Y, test.ShouldBeLessThan, 2.0)
	}
}
