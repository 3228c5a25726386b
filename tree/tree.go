// Package tree builds the per-bin spatial acceleration structure: an
// octree of splat references keyed by Morton codes of cell coordinates,
// with flat (commands, start) lookup buffers so a cell's covering splats
// are enumerated in O(levels).
package tree

import (
	"math/bits"
	"sort"

	"github.com/aukilabs/go-tooling/pkg/errors"

	"github.com/frustreated/mlsgpu/compute"
	"github.com/frustreated/mlsgpu/grid"
	"github.com/frustreated/mlsgpu/splats"
)

// MaxLevels bounds the octree depth; cell coordinates must fit 10 bits per
// axis for the 30-bit Morton codes.
const MaxLevels = 10

// expandBits spreads the low 10 bits of v so they occupy every third bit.
func expandBits(v uint32) uint32 {
	v = (v | (v << 16)) & 0x030000FF
	v = (v | (v << 8)) & 0x0300F00F
	v = (v | (v << 4)) & 0x030C30C3
	v = (v | (v << 2)) & 0x09249249
	return v
}

// Morton interleaves three 10-bit coordinates into one code.
func Morton(x, y, z uint32) uint32 {
	return expandBits(x) | expandBits(y)<<1 | expandBits(z)<<2
}

// entry is one splat reference at one level of the tree.
type entry struct {
	code  uint32
	splat int32
}

// level is the flat lookup for one octree depth: sorted unique codes with
// start offsets into the shared commands array.
type level struct {
	codes []uint32
	start []int32 // len(codes)+1; commands[start[i]:start[i+1]] cover codes[i]
}

// Tree is the acceleration structure over one bin's splats. Splats is the
// device copy the field evaluation samples from.
type Tree struct {
	Splats []splats.Splat

	grid     grid.Grid
	levels   []level
	commands []int32
}

// Build constructs the tree on the device queue. The grid is the bin's
// sub-grid; every splat is filed at the finest level where a single aligned
// node contains its whole clipped cell range, keyed by that node's Morton
// code.
func Build(q *compute.Queue, ss []splats.Splat, g grid.Grid) (*Tree, error) {
	numLevels := 1
	maxDim := int32(1)
	for i := 0; i < 3; i++ {
		if n := g.NumCells(i) + 1; n > maxDim {
			maxDim = n
		}
	}
	for (int32(1) << (numLevels - 1)) < maxDim {
		numLevels++
	}
	if numLevels > MaxLevels {
		return nil, errors.New("bin grid too large for the splat tree").
			WithType(compute.ErrTypeDevice).
			WithTag("max_dim", maxDim)
	}

	t := &Tree{
		Splats: ss,
		grid:   g,
		levels: make([]level, numLevels),
	}

	e := q.Enqueue(func() error {
		return t.build(numLevels)
	})
	if err := e.Wait(); err != nil {
		return nil, err
	}
	return t, nil
}

// build sorts splat references by (level, code) and derives the per-level
// cell descriptors. Runs on the queue goroutine.
func (t *Tree) build(numLevels int) error {
	finest := numLevels - 1

	entries := make([][]entry, numLevels)
	for idx, s := range t.Splats {
		lo, hi, ok := t.cellRange(s)
		if !ok {
			continue
		}

		// the finest level whose aligned node contains the whole range
		shift := 0
		for shift < finest {
			contained := true
			for i := 0; i < 3; i++ {
				if lo[i]>>shift != hi[i]>>shift {
					contained = false
					break
				}
			}
			if contained {
				break
			}
			shift++
		}
		lvl := finest - shift

		code := Morton(uint32(lo[0]>>shift), uint32(lo[1]>>shift), uint32(lo[2]>>shift))
		entries[lvl] = append(entries[lvl], entry{code: code, splat: int32(idx)})
	}

	for lvl := range entries {
		es := entries[lvl]
		sort.Slice(es, func(i, j int) bool { return es[i].code < es[j].code })

		l := &t.levels[lvl]
		for _, e := range es {
			if n := len(l.codes); n == 0 || l.codes[n-1] != e.code {
				l.codes = append(l.codes, e.code)
				l.start = append(l.start, int32(len(t.commands)))
			}
			t.commands = append(t.commands, e.splat)
		}
		l.start = append(l.start, int32(len(t.commands)))
	}
	return nil
}

// cellRange computes the splat's inclusive cell range local to the bin's
// grid, clipped to the grid plus a one-cell apron; ok is false when the
// splat lies fully outside.
func (t *Tree) cellRange(s splats.Splat) (lo, hi [3]int32, ok bool) {
	for i := 0; i < 3; i++ {
		span := t.grid.NumCells(i)
		l := cellFloor(s.Position[i]-s.Radius, t.grid, i)
		h := cellFloor(s.Position[i]+s.Radius, t.grid, i)
		if h < -1 || l > span {
			return lo, hi, false
		}
		lo[i] = clamp32(l, 0, span)
		hi[i] = clamp32(h, 0, span)
	}
	return lo, hi, true
}

func cellFloor(w float32, g grid.Grid, axis int) int32 {
	c := (float64(w) - float64(g.Reference[axis])) / float64(g.Spacing)
	cell := int32(fastFloor(c))
	return cell - g.Extents[axis].Lo
}

func fastFloor(f float64) int64 {
	i := int64(f)
	if float64(i) > f {
		i--
	}
	return i
}

func clamp32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NumLevels returns the tree depth.
func (t *Tree) NumLevels() int {
	return len(t.levels)
}

// ForEach enumerates the splats whose range covers the given local cell,
// walking one descriptor per level.
func (t *Tree) ForEach(cell [3]int32, fn func(splat int32)) {
	finest := len(t.levels) - 1
	for lvl := 0; lvl <= finest; lvl++ {
		shift := finest - lvl
		code := Morton(uint32(cell[0]>>shift), uint32(cell[1]>>shift), uint32(cell[2]>>shift))

		l := &t.levels[lvl]
		i := sort.Search(len(l.codes), func(i int) bool { return l.codes[i] >= code })
		if i < len(l.codes) && l.codes[i] == code {
			for _, splat := range t.commands[l.start[i]:l.start[i+1]] {
				fn(splat)
			}
		}
	}
}

// LevelOf returns the depth a cuboid of the given cell span is filed at,
// exposed for sizing diagnostics.
func LevelOf(span int32) int {
	if span <= 0 {
		return 0
	}
	return bits.Len32(uint32(span))
}
