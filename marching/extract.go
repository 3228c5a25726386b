package marching

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/compute"
	"github.com/frustreated/mlsgpu/grid"
	"github.com/frustreated/mlsgpu/mesh"
	"github.com/frustreated/mlsgpu/mls"
	"github.com/frustreated/mlsgpu/stats"
)

// cornerOffset returns the cell-local offset of cube corner v.
func cornerOffset(v uint8) [3]int32 {
	return [3]int32{int32(v & 1), int32(v >> 1 & 1), int32(v >> 2 & 1)}
}

// occupiedCell is one compacted cell that straddles the isosurface.
type occupiedCell struct {
	x, y int32
	code uint8

	// exclusive prefix offsets of the cell's vertex and index emissions,
	// carried across slab pairs
	vertexBase uint32
	indexBase  uint32
}

// rawVertex is one emitted (pre-weld) vertex.
type rawVertex struct {
	pos      mgl32.Vec3
	key      uint64
	external bool
}

// Extractor runs the per-bin marching tetrahedra pipeline on a device
// queue. The two slab images are reused across bins.
type Extractor struct {
	queue  *compute.Queue
	prev   *compute.Image2D
	curr   *compute.Image2D
	maxdim int
}

// NewExtractor sizes an extractor for bins of at most maxVertices sample
// columns per axis.
func NewExtractor(q *compute.Queue, maxVertices int) *Extractor {
	return &Extractor{
		queue:  q,
		prev:   compute.NewImage2D(maxVertices, maxVertices),
		curr:   compute.NewImage2D(maxVertices, maxVertices),
		maxdim: maxVertices,
	}
}

// ensure grows the slab images when a bin needs more columns than any
// earlier one.
func (e *Extractor) ensure(nx, ny int) {
	if nx <= e.prev.Width && ny <= e.prev.Height {
		return
	}
	w, h := e.prev.Width, e.prev.Height
	if nx > w {
		w = nx
	}
	if ny > h {
		h = ny
	}
	e.prev = compute.NewImage2D(w, h)
	e.curr = compute.NewImage2D(w, h)
}

// Extract rasterizes the field over the bin's grid slab by slab and
// returns the welded fragment. The fragment's vertices are laid out
// [internal | external] with keys for the external suffix.
func Extract(e *Extractor, field mls.Field, g grid.Grid, chunk bucket.ChunkID) (*mesh.Fragment, error) {
	timer := stats.Default.StartTimer("device.extract.time")
	defer timer.Stop()

	tables := LookupTables()

	nx := int(g.NumVertices(0))
	ny := int(g.NumVertices(1))
	cellsZ := g.NumCells(2)
	e.ensure(nx, ny)

	var (
		rawVerts []rawVertex
		rawTris  [][3]uint32
	)
	var vertexCarry, indexCarry uint32

	// prime the first plane
	if err := field.Slice(e.queue, 0, e.prev).Wait(); err != nil {
		return nil, err
	}

	for z := int32(0); z < cellsZ; z++ {
		sliceEvent := field.Slice(e.queue, z+1, e.curr)

		z := z
		gen := e.queue.Enqueue(func() error {
			// countOccupied + compact
			occupied := e.compactOccupied(tables, nx, ny)

			// countElements + exclusive scan with carry-in
			for i := range occupied {
				c := &occupied[i]
				c.vertexBase = vertexCarry
				c.indexBase = indexCarry
				vertexCarry += uint32(tables.Count[c.code][0])
				indexCarry += uint32(tables.Count[c.code][1])
			}

			// generateElements
			for _, c := range occupied {
				e.generate(tables, c, z, g, &rawVerts, &rawTris)
			}
			return nil
		}, sliceEvent)

		// the generation step reads prev and curr; swap only after it
		// completed so the images are not overwritten mid-slab
		if err := gen.Wait(); err != nil {
			return nil, err
		}
		e.prev, e.curr = e.curr, e.prev
	}
	if err := e.queue.Finish(); err != nil {
		return nil, err
	}

	return weld(rawVerts, rawTris, chunk), nil
}

// compactOccupied marks cells whose corners straddle the isosurface and
// compresses them into a dense list. Cells touching a sample without splat
// support (NaN) are skipped.
func (e *Extractor) compactOccupied(tables *Tables, nx, ny int) []occupiedCell {
	var out []occupiedCell
	for y := int32(0); y < int32(ny-1); y++ {
		for x := int32(0); x < int32(nx-1); x++ {
			code, ok := e.cellCode(x, y)
			if !ok {
				continue
			}
			if tables.Count[code][0] == 0 && tables.Count[code][1] == 0 {
				continue
			}
			out = append(out, occupiedCell{x: x, y: y, code: code})
		}
	}
	return out
}

// cellCode builds the 8-bit outside mask of the cell at (x, y) between the
// two current slabs; ok is false when any corner is NaN.
func (e *Extractor) cellCode(x, y int32) (uint8, bool) {
	var code uint8
	for v := uint8(0); v < 8; v++ {
		val := e.corner(x, y, v)
		if math.IsNaN(float64(val)) {
			return 0, false
		}
		if val >= 0 {
			code |= 1 << v
		}
	}
	return code, true
}

func (e *Extractor) corner(x, y int32, v uint8) float32 {
	off := cornerOffset(v)
	img := e.prev
	if off[2] == 1 {
		img = e.curr
	}
	return img.At(int(x+off[0]), int(y+off[1]))
}

// generate emits the cell's interpolated vertices and triangles.
func (e *Extractor) generate(tables *Tables, c occupiedCell, z int32, g grid.Grid, verts *[]rawVertex, tris *[][3]uint32) {
	vStart := tables.Start[c.code][0]
	vCount := uint16(tables.Count[c.code][0])
	for k := uint16(0); k < vCount; k++ {
		edge := tables.VertexEdges[vStart+k]
		a := cornerOffset(edgeIndices[edge][0])
		b := cornerOffset(edgeIndices[edge][1])

		va := e.corner(c.x, c.y, edgeIndices[edge][0])
		vb := e.corner(c.x, c.y, edgeIndices[edge][1])
		t := va / (va - vb)

		la := [3]int32{c.x + a[0], c.y + a[1], z + a[2]}
		lb := [3]int32{c.x + b[0], c.y + b[1], z + b[2]}
		wa := g.VertexWorld(la[0], la[1], la[2])
		wb := g.VertexWorld(lb[0], lb[1], lb[2])
		pos := wa.Add(wb.Sub(wa).Mul(t))

		ga := globalVertex(la, g)
		gb := globalVertex(lb, g)
		*verts = append(*verts, rawVertex{
			pos:      pos,
			key:      mesh.EdgeKey(ga, gb),
			external: mesh.OnSharedBoundary(ga, gb, g),
		})
	}

	iStart := tables.Start[c.code][1]
	iCount := uint16(tables.Count[c.code][1])
	for k := uint16(0); k < iCount; k += 3 {
		*tris = append(*tris, [3]uint32{
			c.vertexBase + uint32(tables.TriIndices[iStart+k]),
			c.vertexBase + uint32(tables.TriIndices[iStart+k+1]),
			c.vertexBase + uint32(tables.TriIndices[iStart+k+2]),
		})
	}
}

// globalVertex converts bin-local vertex coordinates to global ones shared
// with neighbouring bins.
func globalVertex(local [3]int32, g grid.Grid) [3]int32 {
	return [3]int32{
		g.Extents[0].Lo + local[0],
		g.Extents[1].Lo + local[1],
		g.Extents[2].Lo + local[2],
	}
}

// weld deduplicates the per-cell vertices by edge key, sorts the result
// [internal | external] and drops degenerate triangles.
func weld(rawVerts []rawVertex, rawTris [][3]uint32, chunk bucket.ChunkID) *mesh.Fragment {
	// first pass: one representative per key
	repr := make(map[uint64]uint32, len(rawVerts))
	remap := make([]uint32, len(rawVerts))
	type unique struct {
		pos      mgl32.Vec3
		key      uint64
		external bool
	}
	var uniques []unique
	for i, v := range rawVerts {
		if id, ok := repr[v.key]; ok {
			remap[i] = id
			continue
		}
		id := uint32(len(uniques))
		repr[v.key] = id
		remap[i] = id
		uniques = append(uniques, unique{pos: v.pos, key: v.key, external: v.external})
	}

	// second pass: internal vertices first, externals behind them
	var numInternal int
	for _, u := range uniques {
		if !u.external {
			numInternal++
		}
	}
	f := &mesh.Fragment{
		NumInternal: numInternal,
		Vertices:    make([]mgl32.Vec3, len(uniques)),
		Keys:        make([]uint64, len(uniques)-numInternal),
		Chunk:       chunk,
	}
	final := make([]uint32, len(uniques))
	in, ex := 0, numInternal
	for i, u := range uniques {
		if u.external {
			final[i] = uint32(ex)
			f.Vertices[ex] = u.pos
			f.Keys[ex-numInternal] = u.key
			ex++
		} else {
			final[i] = uint32(in)
			f.Vertices[in] = u.pos
			in++
		}
	}

	for _, t := range rawTris {
		a := final[remap[t[0]]]
		b := final[remap[t[1]]]
		c := final[remap[t[2]]]
		if a == b && b == c {
			continue
		}
		f.Triangles = append(f.Triangles, [3]uint32{a, b, c})
	}

	stats.Default.Add("mesh.vertices", uint64(len(f.Vertices)))
	stats.Default.Add("mesh.triangles", uint64(len(f.Triangles)))
	return f
}
