// Package marching extracts the isosurface of a bin's implicit field with
// slab-streamed marching tetrahedra and turns it into a mesh fragment with
// canonical external-vertex keys.
package marching

import (
	"sort"
	"sync"
)

const (
	// NumCubes is the number of corner sign configurations.
	NumCubes = 256

	// NumEdges is the number of cube edges the six tetrahedra use,
	// including face and body diagonals.
	NumEdges = 19

	// NumTetrahedra is the tetrahedra per cube.
	NumTetrahedra = 6
)

// edgeIndices lists the corner pairs of every usable edge. Corner i sits at
// offset (i&1, i>>1&1, i>>2&1) within the cell.
var edgeIndices = [NumEdges][2]uint8{
	{0, 1}, {0, 2}, {0, 3}, {1, 3}, {2, 3},
	{0, 4}, {0, 5}, {1, 5}, {4, 5},
	{0, 6}, {2, 6}, {4, 6},
	{0, 7}, {1, 7}, {2, 7}, {3, 7}, {4, 7}, {5, 7}, {6, 7},
}

// tetrahedronIndices decomposes the cube around the 0-7 body diagonal.
var tetrahedronIndices = [NumTetrahedra][4]uint8{
	{0, 7, 1, 3},
	{0, 7, 3, 2},
	{0, 7, 2, 6},
	{0, 7, 6, 4},
	{0, 7, 4, 5},
	{0, 7, 5, 1},
}

// Tables holds the per-configuration emission data, built once at init.
type Tables struct {
	// Start indexes VertexEdges/TriIndices per cube code; entry NumCubes is
	// the total.
	Start [NumCubes + 1][2]uint16

	// Count is the (vertex, index) emission count per cube code.
	Count [NumCubes][2]uint8

	// VertexEdges names the edge each emitted vertex is interpolated on.
	VertexEdges []uint8

	// TriIndices references emitted vertices cell-locally, three per
	// triangle.
	TriIndices []uint8
}

var (
	tablesOnce sync.Once
	tables     *Tables
)

// LookupTables returns the canonical tetrahedron decomposition tables.
func LookupTables() *Tables {
	tablesOnce.Do(func() {
		tables = makeTables()
	})
	return tables
}

func findEdge(v0, v1 uint8) uint8 {
	if v0 > v1 {
		v0, v1 = v1, v0
	}
	for i, e := range edgeIndices {
		if e[0] == v0 && e[1] == v1 {
			return uint8(i)
		}
	}
	panic("marching: no such edge")
}

// tvtx is a tetrahedron vertex with its inside/outside flag, ordered like a
// pair for the permutation walk.
type tvtx struct {
	v   uint8
	out bool
}

func tvtxLess(a, b tvtx) bool {
	if a.v != b.v {
		return a.v < b.v
	}
	return !a.out && b.out
}

// permutationParity counts inversions mod 2.
func permutationParity(vs []tvtx) uint {
	var parity uint
	for i := range vs {
		for j := i + 1; j < len(vs); j++ {
			if tvtxLess(vs[j], vs[i]) {
				parity ^= 1
			}
		}
	}
	return parity
}

// nextPermutation steps vs to its lexicographic successor, reporting false
// after the last permutation.
func nextPermutation(vs []tvtx) bool {
	i := len(vs) - 2
	for i >= 0 && !tvtxLess(vs[i], vs[i+1]) {
		i--
	}
	if i < 0 {
		return false
	}
	j := len(vs) - 1
	for !tvtxLess(vs[i], vs[j]) {
		j--
	}
	vs[i], vs[j] = vs[j], vs[i]
	for l, r := i+1, len(vs)-1; l < r; l, r = l+1, r-1 {
		vs[l], vs[r] = vs[r], vs[l]
	}
	return true
}

// makeTables enumerates all corner sign configurations, rotates each
// tetrahedron into a canonical orientation, and records which edges carry
// interpolated vertices and how they triangulate.
func makeTables() *Tables {
	t := &Tables{}

	for code := 0; code < NumCubes; code++ {
		t.Start[code][0] = uint16(len(t.VertexEdges))
		t.Start[code][1] = uint16(len(t.TriIndices))

		// triangle corners recorded as edge numbers, compacted below
		var triangles []uint8
		for j := 0; j < NumTetrahedra; j++ {
			var tvtxs [4]tvtx
			outside := 0
			for k := 0; k < 4; k++ {
				v := tetrahedronIndices[j][k]
				o := code&(1<<v) != 0
				if o {
					outside++
				}
				tvtxs[k] = tvtx{v: v, out: o}
			}
			baseParity := permutationParity(tvtxs[:])

			// flip inside/outside so at most two corners are outside; the
			// winding flips with it
			if outside > 2 {
				baseParity ^= 1
				for k := range tvtxs {
					tvtxs[k].out = !tvtxs[k].out
				}
			}

			// rotate into a canonical configuration: all inside, corner 0
			// outside, or corners (0,1) outside
			sort.Slice(tvtxs[:], func(a, b int) bool { return tvtxLess(tvtxs[a], tvtxs[b]) })
			for {
				if permutationParity(tvtxs[:]) == baseParity {
					t0, t1, t2, t3 := tvtxs[0].v, tvtxs[1].v, tvtxs[2].v, tvtxs[3].v
					mask := 0
					for k := range tvtxs {
						if tvtxs[k].out {
							mask |= 1 << k
						}
					}
					if mask == 0 {
						break
					} else if mask == 1 {
						triangles = append(triangles,
							findEdge(t0, t1), findEdge(t0, t3), findEdge(t0, t2))
						break
					} else if mask == 3 {
						triangles = append(triangles,
							findEdge(t0, t2), findEdge(t1, t2), findEdge(t1, t3),
							findEdge(t1, t3), findEdge(t0, t3), findEdge(t0, t2))
						break
					}
				}
				if !nextPermutation(tvtxs[:]) {
					break
				}
			}
		}

		// assign compact per-cell vertex slots to the edges in use
		var edgeCompact [NumEdges]int
		pool := 0
		for e := uint8(0); e < NumEdges; e++ {
			used := false
			for _, tri := range triangles {
				if tri == e {
					used = true
					break
				}
			}
			if used {
				edgeCompact[e] = pool
				pool++
				t.VertexEdges = append(t.VertexEdges, e)
			}
		}
		for _, tri := range triangles {
			t.TriIndices = append(t.TriIndices, uint8(edgeCompact[tri]))
		}

		t.Count[code][0] = uint8(len(t.VertexEdges)) - uint8(t.Start[code][0])
		t.Count[code][1] = uint8(len(t.TriIndices)) - uint8(t.Start[code][1])
	}

	t.Start[NumCubes][0] = uint16(len(t.VertexEdges))
	t.Start[NumCubes][1] = uint16(len(t.TriIndices))
	return t
}
