// Package mls evaluates the moving-least-squares implicit field whose zero
// set is the reconstructed surface. The numeric kernel is a plug-in behind
// the Field interface; PlainMLS is the shipped default.
package mls

import (
	"github.com/frustreated/mlsgpu/compute"
	"github.com/frustreated/mlsgpu/grid"
	"github.com/frustreated/mlsgpu/tree"
)

// Field evaluates the implicit function over one bin's grid, one z vertex
// plane at a time. Out holds NumVertices(0) × NumVertices(1) samples in
// row-major order. Samples may be NaN where the field is undefined; the
// extractor skips cells touching such samples.
type Field interface {
	Slice(q *compute.Queue, z int32, out *compute.Image2D) *compute.Event
}

// Builder constructs a field over a bin's acceleration structure.
type Builder interface {
	Build(q *compute.Queue, t *tree.Tree, g grid.Grid) (Field, error)
}

// PlainMLS is a weighted-plane MLS: the field at a vertex is the weighted
// mean of signed distances to the splat planes, with the compact Wendland
// weight scaled by each splat's radius.
type PlainMLS struct {
	// RadiusScale widens the support of every splat.
	RadiusScale float32
}

// NewPlainMLS returns the default field builder.
func NewPlainMLS() *PlainMLS {
	return &PlainMLS{RadiusScale: 1}
}

func (p *PlainMLS) Build(q *compute.Queue, t *tree.Tree, g grid.Grid) (Field, error) {
	scale := p.RadiusScale
	if scale <= 0 {
		scale = 1
	}
	return &plainField{tree: t, grid: g, scale: scale}, nil
}

type plainField struct {
	tree  *tree.Tree
	grid  grid.Grid
	scale float32
}

func (f *plainField) Slice(q *compute.Queue, z int32, out *compute.Image2D) *compute.Event {
	return q.Enqueue(func() error {
		nx := int(f.grid.NumVertices(0))
		ny := int(f.grid.NumVertices(1))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				out.Pixels[y*out.Width+x] = f.sample(int32(x), int32(y), z)
			}
		}
		return nil
	})
}

// sample evaluates the field at one grid vertex.
func (f *plainField) sample(x, y, z int32) float32 {
	pos := f.grid.VertexWorld(x, y, z)

	var sumW, sumWD float64
	f.tree.ForEach([3]int32{x, y, z}, func(idx int32) {
		s := f.tree.Splats[idx]
		r := s.Radius * f.scale

		d := pos.Sub(s.Position)
		dist2 := float64(d.Dot(d))
		r2 := float64(r) * float64(r)
		if dist2 >= r2 {
			return
		}

		// Wendland-style weight (1 - d^2/r^2)^4
		t := 1 - dist2/r2
		w := t * t
		w *= w

		signed := float64(d.Dot(s.Normal))
		sumW += w
		sumWD += w * signed
	})

	if sumW == 0 {
		// No support means outside. A positive value on the order of one
		// cell keeps interpolated crossings strictly inside their cells, so
		// the surface closes at the edge of splat support.
		return f.grid.Spacing
	}
	return float32(sumWD / sumW)
}
