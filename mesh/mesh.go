// Package mesh defines the mesh fragments produced per bin and the
// canonical external-vertex keys that let neighbouring bins agree on
// shared vertices.
package mesh

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/grid"
)

// ErrTypeCorrupt marks fragments that fail to deserialize.
const ErrTypeCorrupt = "internal_error"

// Fragment is the mesh a bin's device pipeline produced. Vertices are laid
// out [internal | external]; Keys parallels the external suffix. Triangle
// indices are local to the fragment. Fragments from bins of different
// chunks never share keys.
type Fragment struct {
	NumInternal int
	Vertices    []mgl32.Vec3
	Keys        []uint64
	Triangles   [][3]uint32
	Chunk       bucket.ChunkID
}

// NumExternal returns the number of external vertices.
func (f *Fragment) NumExternal() int {
	return len(f.Vertices) - f.NumInternal
}

// HostBytes returns the fragment's serialized size, used to reserve gather
// buffer space.
func (f *Fragment) HostBytes() int {
	return 4 + 4 + 4 + 16 + 12*len(f.Vertices) + 8*len(f.Keys) + 12*len(f.Triangles)
}

// Marshal appends the fragment's fixed little-endian layout to w.
func (f *Fragment) Marshal(w io.Writer) error {
	var buf bytes.Buffer
	buf.Grow(f.HostBytes())

	var tmp [8]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp[:4], v)
		buf.Write(tmp[:4])
	}
	putU32(uint32(len(f.Vertices)))
	putU32(uint32(f.NumInternal))
	putU32(uint32(len(f.Triangles)))
	putU32(f.Chunk.Gen)
	for i := 0; i < 3; i++ {
		putU32(uint32(f.Chunk.Coord[i]))
	}
	for _, v := range f.Vertices {
		for i := 0; i < 3; i++ {
			putU32(math.Float32bits(v[i]))
		}
	}
	for _, k := range f.Keys {
		binary.LittleEndian.PutUint64(tmp[:], k)
		buf.Write(tmp[:])
	}
	for _, t := range f.Triangles {
		for i := 0; i < 3; i++ {
			putU32(t[i])
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// Unmarshal decodes a fragment from its fixed layout.
func Unmarshal(data []byte) (*Fragment, error) {
	corrupt := func() (*Fragment, error) {
		return nil, errors.New("corrupt mesh fragment").
			WithType(ErrTypeCorrupt).
			WithTag("bytes", len(data))
	}
	if len(data) < 28 {
		return corrupt()
	}

	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(data[off:]) }

	numVertices := int(u32(0))
	numInternal := int(u32(4))
	numTriangles := int(u32(8))
	f := &Fragment{
		NumInternal: numInternal,
		Chunk: bucket.ChunkID{
			Gen: u32(12),
			Coord: [3]int32{
				int32(u32(16)), int32(u32(20)), int32(u32(24)),
			},
		},
	}
	if numInternal > numVertices {
		return corrupt()
	}
	numKeys := numVertices - numInternal

	need := 28 + 12*numVertices + 8*numKeys + 12*numTriangles
	if len(data) != need {
		return corrupt()
	}

	off := 28
	f.Vertices = make([]mgl32.Vec3, numVertices)
	for i := range f.Vertices {
		for j := 0; j < 3; j++ {
			f.Vertices[i][j] = math.Float32frombits(u32(off))
			off += 4
		}
	}
	f.Keys = make([]uint64, numKeys)
	for i := range f.Keys {
		f.Keys[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	f.Triangles = make([][3]uint32, numTriangles)
	for i := range f.Triangles {
		for j := 0; j < 3; j++ {
			f.Triangles[i][j] = u32(off)
			off += 4
		}
	}
	return f, nil
}

const coordBits = 19
const coordMask = (uint64(1) << coordBits) - 1

// EdgeKey builds the canonical 64-bit key of the grid edge between two
// global vertex coordinates. The endpoints are ordered so any two bins
// looking at the same edge produce the same bit pattern; the packed fields
// are the edge direction and the masked coordinates of the canonical first
// endpoint.
func EdgeKey(a, b [3]int32) uint64 {
	// canonical order: first nonzero direction component positive
	for i := 0; i < 3; i++ {
		if b[i] != a[i] {
			if b[i] < a[i] {
				a, b = b, a
			}
			break
		}
	}

	dir := uint64(0)
	for i := 0; i < 3; i++ {
		d := b[i] - a[i] + 1 // {-1,0,1} -> {0,1,2}
		dir = dir*3 + uint64(d)
	}

	return dir<<57 |
		(uint64(uint32(a[0]))&coordMask)<<38 |
		(uint64(uint32(a[1]))&coordMask)<<coordBits |
		uint64(uint32(a[2]))&coordMask
}

// OnSharedBoundary reports whether the edge (a, b), in global vertex
// coordinates, lies on a face of the bin's region that a neighbouring bin
// can share. Vertices on such edges are external and carry keys.
func OnSharedBoundary(a, b [3]int32, g grid.Grid) bool {
	for i := 0; i < 3; i++ {
		lo := g.Extents[i].Lo
		hi := g.Extents[i].Hi
		if a[i] == b[i] && (a[i] == lo || a[i] == hi) {
			return true
		}
	}
	return false
}
