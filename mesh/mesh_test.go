package mesh

import (
	"bytes"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/grid"
)

func TestFragmentRoundTrip(t *testing.T) {
	f := &Fragment{
		NumInternal: 2,
		Vertices: []mgl32.Vec3{
			{0, 0, 0}, {1, 0, 0}, {0.5, 1.25, -3},
		},
		Keys:      []uint64{0xdeadbeefcafe},
		Triangles: [][3]uint32{{0, 1, 2}},
		Chunk:     bucket.ChunkID{Gen: 1, Coord: [3]int32{2, -1, 0}},
	}

	var buf bytes.Buffer
	require.NoError(t, f.Marshal(&buf))
	require.Equal(t, f.HostBytes(), buf.Len())

	got, err := Unmarshal(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestUnmarshalCorrupt(t *testing.T) {
	f := &Fragment{
		Vertices: []mgl32.Vec3{{0, 0, 0}},
		Keys:     []uint64{7},
	}
	var buf bytes.Buffer
	require.NoError(t, f.Marshal(&buf))

	_, err := Unmarshal(buf.Bytes()[:buf.Len()-1])
	require.Error(t, err)

	_, err = Unmarshal(nil)
	require.Error(t, err)
}

func TestEdgeKeyCanonical(t *testing.T) {
	a := [3]int32{4, 7, -2}
	b := [3]int32{5, 7, -2}

	// both orderings of the endpoints give the same key
	require.Equal(t, EdgeKey(a, b), EdgeKey(b, a))

	// diagonals canonicalize too
	c := [3]int32{4, 8, -1}
	require.Equal(t, EdgeKey(a, c), EdgeKey(c, a))

	// distinct edges give distinct keys
	require.NotEqual(t, EdgeKey(a, b), EdgeKey(a, c))
	require.NotEqual(t, EdgeKey(a, b), EdgeKey([3]int32{4, 8, -2}, [3]int32{5, 8, -2}))
}

func TestEdgeKeyNeighborAgreement(t *testing.T) {
	// two bins share the plane x = 8; an edge on that plane must key
	// identically no matter which bin computes it
	left := grid.Grid{Spacing: 1, Extents: [3]grid.Extent{{0, 8}, {0, 8}, {0, 8}}}
	right := grid.Grid{Spacing: 1, Extents: [3]grid.Extent{{8, 16}, {0, 8}, {0, 8}}}

	a := [3]int32{8, 3, 5}
	b := [3]int32{8, 4, 5}

	require.True(t, OnSharedBoundary(a, b, left))
	require.True(t, OnSharedBoundary(a, b, right))
	require.Equal(t, EdgeKey(a, b), EdgeKey(b, a))
}

func TestOnSharedBoundary(t *testing.T) {
	g := grid.Grid{Spacing: 1, Extents: [3]grid.Extent{{0, 8}, {0, 8}, {0, 8}}}

	// interior edge
	require.False(t, OnSharedBoundary([3]int32{3, 3, 3}, [3]int32{4, 3, 3}, g))

	// edge along the x=0 face
	require.True(t, OnSharedBoundary([3]int32{0, 3, 3}, [3]int32{0, 4, 3}, g))

	// edge crossing the boundary plane is not on it
	require.False(t, OnSharedBoundary([3]int32{7, 3, 3}, [3]int32{8, 3, 3}, g))

	// edge on the upper face
	require.True(t, OnSharedBoundary([3]int32{3, 8, 3}, [3]int32{4, 8, 3}, g))
}
