package tree

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/frustreated/mlsgpu/compute"
	"github.com/frustreated/mlsgpu/grid"
	"github.com/frustreated/mlsgpu/splats"
)

func testQueue(t *testing.T) *compute.Queue {
	t.Helper()
	ctx, err := compute.NewContext(compute.Devices()[0])
	require.NoError(t, err)
	t.Cleanup(ctx.Close)
	q, err := ctx.NewQueue()
	require.NoError(t, err)
	return q
}

func TestMorton(t *testing.T) {
	require.Equal(t, uint32(0), Morton(0, 0, 0))
	require.Equal(t, uint32(1), Morton(1, 0, 0))
	require.Equal(t, uint32(2), Morton(0, 1, 0))
	require.Equal(t, uint32(4), Morton(0, 0, 1))
	require.Equal(t, uint32(7), Morton(1, 1, 1))

	// codes are unique over a small volume
	seen := map[uint32]bool{}
	for z := uint32(0); z < 8; z++ {
		for y := uint32(0); y < 8; y++ {
			for x := uint32(0); x < 8; x++ {
				code := Morton(x, y, z)
				require.False(t, seen[code])
				seen[code] = true
			}
		}
	}
}

func binGrid(cells int32) grid.Grid {
	return grid.Grid{
		Spacing: 1,
		Extents: [3]grid.Extent{{0, cells}, {0, cells}, {0, cells}},
	}
}

func splat(x, y, z, r float32) splats.Splat {
	return splats.Splat{Position: mgl32.Vec3{x, y, z}, Normal: mgl32.Vec3{0, 0, 1}, Radius: r}
}

func TestTreeCoversAllCellsInRange(t *testing.T) {
	q := testQueue(t)

	ss := []splats.Splat{
		splat(1.5, 1.5, 1.5, 0.4),  // one cell
		splat(3.0, 3.0, 3.0, 1.2),  // spans several cells
		splat(6.5, 0.5, 2.5, 0.3),  // near the x boundary
		splat(3.5, 3.5, 3.5, 0.45), // straddles the node boundary at 4
	}
	g := binGrid(8)

	tr, err := Build(q, ss, g)
	require.NoError(t, err)

	// brute force: for every cell, the set of splats whose bbox overlaps it
	// must be a subset of what ForEach yields
	for z := int32(0); z < 8; z++ {
		for y := int32(0); y < 8; y++ {
			for x := int32(0); x < 8; x++ {
				got := map[int32]bool{}
				tr.ForEach([3]int32{x, y, z}, func(s int32) { got[s] = true })

				for idx, s := range ss {
					overlap := true
					cell := [3]int32{x, y, z}
					for i := 0; i < 3; i++ {
						lo := s.Position[i] - s.Radius
						hi := s.Position[i] + s.Radius
						if float32(cell[i]+1) <= lo || float32(cell[i]) > hi {
							overlap = false
							break
						}
					}
					if overlap {
						require.True(t, got[int32(idx)],
							"cell (%d,%d,%d) misses splat %d", x, y, z, idx)
					}
				}
			}
		}
	}
}

func TestTreeSkipsOutOfRangeSplats(t *testing.T) {
	q := testQueue(t)

	ss := []splats.Splat{
		splat(100, 100, 100, 0.5), // far outside
		splat(1.5, 1.5, 1.5, 0.4),
	}
	tr, err := Build(q, ss, binGrid(4))
	require.NoError(t, err)

	var total int
	for z := int32(0); z < 4; z++ {
		for y := int32(0); y < 4; y++ {
			for x := int32(0); x < 4; x++ {
				tr.ForEach([3]int32{x, y, z}, func(s int32) {
					require.Equal(t, int32(1), s)
					total++
				})
			}
		}
	}
	require.Greater(t, total, 0)
}

func TestTreeTooLarge(t *testing.T) {
	q := testQueue(t)

	_, err := Build(q, nil, binGrid(4096))
	require.Error(t, err)
}
