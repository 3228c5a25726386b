package grid

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Extent is a half-open cell range [Lo, Hi) along one axis.
type Extent struct {
	Lo int32
	Hi int32
}

func (e Extent) Count() int32 {
	return e.Hi - e.Lo
}

// Grid maps integer cell coordinates to world space. The reference point is
// the world position of cell (0,0,0)'s lower corner; cells are isotropic
// cubes of Spacing world units. Extents bound the region of interest but
// cell coordinates themselves are global, so two grids sharing a reference
// and spacing agree on every cell regardless of their extents.
type Grid struct {
	Reference mgl32.Vec3
	Spacing   float32
	Extents   [3]Extent
}

func New(reference mgl32.Vec3, spacing float32, extents [3]Extent) Grid {
	return Grid{Reference: reference, Spacing: spacing, Extents: extents}
}

// NumCells returns the cell count along the given axis.
func (g Grid) NumCells(axis int) int32 {
	return g.Extents[axis].Count()
}

// TotalCells returns the number of cells covered by the extents.
func (g Grid) TotalCells() uint64 {
	return uint64(g.NumCells(0)) * uint64(g.NumCells(1)) * uint64(g.NumCells(2))
}

// NumVertices returns the vertex count along the given axis.
func (g Grid) NumVertices(axis int) int32 {
	return g.NumCells(axis) + 1
}

// VertexWorld returns the world position of the grid vertex at local
// coordinates (x,y,z), relative to the lower extent corner.
func (g Grid) VertexWorld(x, y, z int32) mgl32.Vec3 {
	return mgl32.Vec3{
		g.Reference[0] + g.Spacing*float32(g.Extents[0].Lo+x),
		g.Reference[1] + g.Spacing*float32(g.Extents[1].Lo+y),
		g.Reference[2] + g.Spacing*float32(g.Extents[2].Lo+z),
	}
}

// WorldToCell converts a world position to continuous global cell
// coordinates. Flooring the result gives the containing cell.
func (g Grid) WorldToCell(p mgl32.Vec3) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = (float64(p[i]) - float64(g.Reference[i])) / float64(g.Spacing)
	}
	return out
}

// CellOf returns the global cell containing the world position.
func (g Grid) CellOf(p mgl32.Vec3) [3]int32 {
	c := g.WorldToCell(p)
	return [3]int32{
		int32(math.Floor(c[0])),
		int32(math.Floor(c[1])),
		int32(math.Floor(c[2])),
	}
}

// SubGrid returns a grid with the same reference and spacing restricted to
// the given global cell extents.
func (g Grid) SubGrid(extents [3]Extent) Grid {
	return Grid{Reference: g.Reference, Spacing: g.Spacing, Extents: extents}
}

// DivDown divides rounding towards negative infinity.
func DivDown(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// RoundDown rounds a down to a multiple of b, towards negative infinity.
func RoundDown(a, b int32) int32 {
	return DivDown(a, b) * b
}

// RoundUp rounds a up to a multiple of b, towards positive infinity.
func RoundUp(a, b int32) int32 {
	return -RoundDown(-a, b)
}
