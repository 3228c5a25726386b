package marching

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/compute"
	"github.com/frustreated/mlsgpu/grid"
	"github.com/frustreated/mlsgpu/mls"
	"github.com/frustreated/mlsgpu/splats"
	"github.com/frustreated/mlsgpu/tree"
)

func TestTablesStructure(t *testing.T) {
	tb := LookupTables()

	// empty configurations emit nothing
	require.Equal(t, uint8(0), tb.Count[0][0])
	require.Equal(t, uint8(0), tb.Count[0][1])
	require.Equal(t, uint8(0), tb.Count[255][0])
	require.Equal(t, uint8(0), tb.Count[255][1])

	for code := 0; code < NumCubes; code++ {
		// index count is a whole number of triangles
		require.Zero(t, tb.Count[code][1]%3, "code %d", code)

		// counts agree with the start offsets
		require.Equal(t, uint16(tb.Count[code][0]), tb.Start[code+1][0]-tb.Start[code][0])
		require.Equal(t, uint16(tb.Count[code][1]), tb.Start[code+1][1]-tb.Start[code][1])

		// every index points at one of the code's vertices
		for _, idx := range tb.TriIndices[tb.Start[code][1]:tb.Start[code+1][1]] {
			require.Less(t, idx, tb.Count[code][0])
		}
	}

	// complementary codes cut the same edges
	for code := 0; code < NumCubes; code++ {
		comp := 255 - code
		require.Equal(t, tb.Count[code][0], tb.Count[comp][0], "code %d", code)
	}

	require.Equal(t, uint16(len(tb.VertexEdges)), tb.Start[NumCubes][0])
	require.Equal(t, uint16(len(tb.TriIndices)), tb.Start[NumCubes][1])
}

func TestTablesSingleCorner(t *testing.T) {
	tb := LookupTables()

	// exactly one corner outside: the isosurface caps that corner
	for v := uint8(0); v < 8; v++ {
		code := 1 << v
		require.Greater(t, tb.Count[code][1], uint8(0), "corner %d", v)
	}
}

func TestNextPermutation(t *testing.T) {
	vs := []tvtx{{v: 0}, {v: 1}, {v: 2}}
	count := 1
	for nextPermutation(vs) {
		count++
	}
	require.Equal(t, 6, count)
	// no successor after the last permutation: vs is left descending
	require.Equal(t, uint8(2), vs[0].v)
}

// sphereField is a test field: signed distance to a sphere.
type sphereField struct {
	center mgl32.Vec3
	radius float32
	grid   grid.Grid
}

func (f *sphereField) Slice(q *compute.Queue, z int32, out *compute.Image2D) *compute.Event {
	return q.Enqueue(func() error {
		for y := int32(0); y < f.grid.NumVertices(1); y++ {
			for x := int32(0); x < f.grid.NumVertices(0); x++ {
				p := f.grid.VertexWorld(x, y, z)
				out.Pixels[int(y)*out.Width+int(x)] = p.Sub(f.center).Len() - f.radius
			}
		}
		return nil
	})
}

func testQueue(t *testing.T) *compute.Queue {
	t.Helper()
	ctx, err := compute.NewContext(compute.Devices()[0])
	require.NoError(t, err)
	t.Cleanup(ctx.Close)
	q, err := ctx.NewQueue()
	require.NoError(t, err)
	return q
}

func TestExtractSphere(t *testing.T) {
	q := testQueue(t)

	g := grid.Grid{Spacing: 1, Extents: [3]grid.Extent{{0, 8}, {0, 8}, {0, 8}}}
	field := &sphereField{center: mgl32.Vec3{4, 4, 4}, radius: 2.5, grid: g}

	e := NewExtractor(q, 9)
	frag, err := Extract(e, field, g, bucket.ChunkID{})
	require.NoError(t, err)

	require.NotEmpty(t, frag.Vertices)
	require.NotEmpty(t, frag.Triangles)

	// all interpolated vertices sit on the sphere
	for _, v := range frag.Vertices {
		require.InDelta(t, 2.5, float64(v.Sub(mgl32.Vec3{4, 4, 4}).Len()), 0.25)
	}

	// triangle indices are in range and non-degenerate
	for _, tri := range frag.Triangles {
		for _, idx := range tri {
			require.Less(t, int(idx), len(frag.Vertices))
		}
		require.False(t, tri[0] == tri[1] && tri[1] == tri[2])
	}

	// the sphere is interior to the bin: no external vertices
	require.Equal(t, 0, frag.NumExternal())
	require.Len(t, frag.Keys, 0)

	// closed surface: every edge is shared by exactly two triangles
	edgeUse := map[[2]uint32]int{}
	for _, tri := range frag.Triangles {
		for i := 0; i < 3; i++ {
			a, b := tri[i], tri[(i+1)%3]
			if a > b {
				a, b = b, a
			}
			edgeUse[[2]uint32{a, b}]++
		}
	}
	for edge, n := range edgeUse {
		require.Equal(t, 2, n, "edge %v", edge)
	}

	// Euler characteristic of a genus-0 surface
	v := len(frag.Vertices)
	f := len(frag.Triangles)
	edges := len(edgeUse)
	require.Equal(t, 2, v-edges+f)
}

func TestExtractNeighborKeysAgree(t *testing.T) {
	q := testQueue(t)

	// one sphere straddling the plane x=8 shared by two bins
	center := mgl32.Vec3{8, 4, 4}
	left := grid.Grid{Spacing: 1, Extents: [3]grid.Extent{{0, 8}, {0, 8}, {0, 8}}}
	right := grid.Grid{Spacing: 1, Extents: [3]grid.Extent{{8, 16}, {0, 8}, {0, 8}}}

	e := NewExtractor(q, 9)

	fragLeft, err := Extract(e, &sphereField{center: center, radius: 2.5, grid: left}, left, bucket.ChunkID{})
	require.NoError(t, err)
	fragRight, err := Extract(e, &sphereField{center: center, radius: 2.5, grid: right}, right, bucket.ChunkID{})
	require.NoError(t, err)

	require.NotEmpty(t, fragLeft.Keys)
	require.NotEmpty(t, fragRight.Keys)

	// every key on the shared face appears on both sides, with matching
	// positions
	posByKey := map[uint64]mgl32.Vec3{}
	for i, k := range fragLeft.Keys {
		posByKey[k] = fragLeft.Vertices[fragLeft.NumInternal+i]
	}
	matched := 0
	for i, k := range fragRight.Keys {
		if p, ok := posByKey[k]; ok {
			rp := fragRight.Vertices[fragRight.NumInternal+i]
			require.InDelta(t, float64(p[0]), float64(rp[0]), 1e-5)
			require.InDelta(t, float64(p[1]), float64(rp[1]), 1e-5)
			require.InDelta(t, float64(p[2]), float64(rp[2]), 1e-5)
			matched++
		}
	}
	require.Greater(t, matched, 0)
}

func TestExtractWithMLSField(t *testing.T) {
	q := testQueue(t)

	// splats on the corners of a small cube, normals outward
	g := grid.Grid{Spacing: 0.5, Extents: [3]grid.Extent{{-2, 6}, {-2, 6}, {-2, 6}}}
	var ss []splats.Splat
	for i := 0; i < 8; i++ {
		p := mgl32.Vec3{float32(i & 1), float32(i >> 1 & 1), float32(i >> 2 & 1)}
		n := p.Sub(mgl32.Vec3{0.5, 0.5, 0.5}).Normalize()
		ss = append(ss, splats.Splat{Position: p, Normal: n, Radius: 0.75})
	}

	tr, err := tree.Build(q, ss, g)
	require.NoError(t, err)
	field, err := mls.NewPlainMLS().Build(q, tr, g)
	require.NoError(t, err)

	e := NewExtractor(q, 9)
	frag, err := Extract(e, field, g, bucket.ChunkID{})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(frag.Triangles), 12)

	// all vertices near the cube surface
	for _, v := range frag.Vertices {
		d := v.Sub(mgl32.Vec3{0.5, 0.5, 0.5}).Len()
		require.Less(t, float64(d), 1.7)
	}
}
