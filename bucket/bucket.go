// Package bucket partitions the bounding grid into device-sized work units
// (bins), batches them for dispatch, and loads their splats on the worker
// side.
package bucket

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"

	"github.com/frustreated/mlsgpu/grid"
	"github.com/frustreated/mlsgpu/splats"
	"github.com/frustreated/mlsgpu/stats"
)

const (
	// ErrTypeBucketExplosion marks pathological blob overlap that makes the
	// recursion exceed its hard depth ceiling.
	ErrTypeBucketExplosion = "bucket_explosion"

	// hardDepthLimit is the recursion ceiling.
	hardDepthLimit = 64

	// stuckLimit is how many consecutive levels may fail to reduce the
	// splat count before the overflow is accepted.
	stuckLimit = 8
)

// ChunkID identifies one output file: a generation counter plus integer
// chunk coordinates.
type ChunkID struct {
	Gen   uint32
	Coord [3]int32
}

// Less orders chunks for deterministic output file emission.
func (c ChunkID) Less(o ChunkID) bool {
	if c.Gen != o.Gen {
		return c.Gen < o.Gen
	}
	for i := 2; i >= 0; i-- {
		if c.Coord[i] != o.Coord[i] {
			return c.Coord[i] < o.Coord[i]
		}
	}
	return false
}

// Bin is one unit of work for a device worker: a set of splat-id ranges and
// the sub-grid their isosurface is extracted on.
type Bin struct {
	Ranges    []splats.Range
	NumSplats uint64
	Grid      grid.Grid
	Chunk     ChunkID
}

// Config carries the bucketer limits.
type Config struct {
	// MaxSplats bounds the splats referenced by one bin.
	MaxSplats uint64

	// MaxCells bounds the cells of one bin's region.
	MaxCells uint64

	// MaxSplit bounds the per-axis fan-out of one recursion step.
	MaxSplit int32

	// Microblock is the indivisible cell-block edge, a power of two and a
	// multiple of the blob index's base bucket size.
	Microblock int32

	// ChunkCells is the output chunk edge in cells; zero disables chunking.
	ChunkCells int32

	// Generation is carried into every emitted chunk id.
	Generation uint32
}

// blobRec is one blob with microblock coordinates relative to the bounding
// grid's lower extent.
type blobRec struct {
	first, last  uint64
	lower, upper [3]int32
}

type bucketer struct {
	cfg   Config
	bound grid.Grid
	emit  func(Bin) error
}

// Bucket partitions the set's bounding grid and emits bins in depth-first
// traversal order. With chunking enabled the traversal is truncated at the
// chunk grid first, and every bin inherits its containing chunk's
// coordinate.
func Bucket(set *splats.FastBlobSet, cfg Config, emit func(Bin) error) error {
	bound := set.BoundingGrid()

	timer := stats.Default.StartTimer("bucket.time")
	defer timer.Stop()

	// One blob enumeration per pass, at microblock granularity.
	bs := set.Blobs(bound, cfg.Microblock)
	defer bs.Close()

	var blobs []blobRec
	for {
		b, ok := bs.Next()
		if !ok {
			break
		}
		blobs = append(blobs, blobRec{first: b.FirstSplat, last: b.LastSplat, lower: b.Lower, upper: b.Upper})
	}

	bk := &bucketer{cfg: cfg, bound: bound, emit: emit}

	var microExt [3]int32
	for i := 0; i < 3; i++ {
		microExt[i] = grid.DivDown(bound.NumCells(i)-1, cfg.Microblock) + 1
	}

	if cfg.ChunkCells <= 0 {
		return bk.recurse(node{hi: microExt}, blobs, ChunkID{Gen: cfg.Generation}, 0, 0)
	}

	chunkMicro := grid.DivDown(cfg.ChunkCells-1, cfg.Microblock) + 1
	var chunks [3]int32
	for i := 0; i < 3; i++ {
		chunks[i] = grid.DivDown(microExt[i]-1, chunkMicro) + 1
	}
	for cz := int32(0); cz < chunks[2]; cz++ {
		for cy := int32(0); cy < chunks[1]; cy++ {
			for cx := int32(0); cx < chunks[0]; cx++ {
				n := node{
					lo: [3]int32{cx * chunkMicro, cy * chunkMicro, cz * chunkMicro},
				}
				for i := 0; i < 3; i++ {
					n.hi[i] = min32(n.lo[i]+chunkMicro, microExt[i])
				}
				sub := intersectBlobs(blobs, n)
				if len(sub) == 0 {
					continue
				}
				chunk := ChunkID{Gen: cfg.Generation, Coord: [3]int32{cx, cy, cz}}
				if err := bk.recurse(n, sub, chunk, 0, 0); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// node is a cuboid of microblocks, half-open per axis, relative to the
// bounding grid's lower extent.
type node struct {
	lo, hi [3]int32
}

func (bk *bucketer) recurse(n node, blobs []blobRec, chunk ChunkID, depth, stuck int) error {
	if len(blobs) == 0 {
		return nil
	}
	if depth > hardDepthLimit {
		return errors.New("bucket recursion exceeded its depth ceiling").
			WithType(ErrTypeBucketExplosion).
			WithTag("micro_lo", n.lo).
			WithTag("micro_hi", n.hi).
			WithTag("blobs", len(blobs))
	}

	var numSplats uint64
	for _, b := range blobs {
		numSplats += b.last - b.first
	}
	cells := bk.cellCount(n)

	fits := numSplats <= bk.cfg.MaxSplats && cells <= bk.cfg.MaxCells
	indivisible := n.hi[0]-n.lo[0] == 1 && n.hi[1]-n.lo[1] == 1 && n.hi[2]-n.lo[2] == 1
	if fits || (indivisible && cells <= bk.cfg.MaxCells) || stuck >= stuckLimit {
		if !fits {
			stats.Default.Add("bucket.overflow", 1)
			logs.WithTag("splats", numSplats).
				WithTag("max_splats", bk.cfg.MaxSplats).
				WithTag("micro_lo", n.lo).
				WithTag("micro_hi", n.hi).
				Warn("bin exceeds the splat budget due to irreducible overlap")
		}
		return bk.emitNode(n, blobs, numSplats, chunk)
	}

	// split each axis into up to MaxSplit roughly-equal pieces
	var pieces, step [3]int32
	for i := 0; i < 3; i++ {
		ext := n.hi[i] - n.lo[i]
		pieces[i] = min32(bk.cfg.MaxSplit, ext)
		if pieces[i] < 1 {
			pieces[i] = 1
		}
		step[i] = grid.DivDown(ext-1, pieces[i]) + 1
	}

	for z := int32(0); z < pieces[2]; z++ {
		for y := int32(0); y < pieces[1]; y++ {
			for x := int32(0); x < pieces[0]; x++ {
				child := node{
					lo: [3]int32{
						n.lo[0] + x*step[0],
						n.lo[1] + y*step[1],
						n.lo[2] + z*step[2],
					},
				}
				for i := 0; i < 3; i++ {
					child.hi[i] = min32(child.lo[i]+step[i], n.hi[i])
				}
				if child.lo[0] >= child.hi[0] || child.lo[1] >= child.hi[1] || child.lo[2] >= child.hi[2] {
					continue
				}
				sub := intersectBlobs(blobs, child)
				if len(sub) == 0 {
					continue
				}

				var subSplats uint64
				for _, b := range sub {
					subSplats += b.last - b.first
				}
				childStuck := 0
				if subSplats >= numSplats && subSplats > bk.cfg.MaxSplats {
					childStuck = stuck + 1
				}
				if err := bk.recurse(child, sub, chunk, depth+1, childStuck); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// cellCount returns the number of grid cells covered by a node, clipped to
// the bounding extents.
func (bk *bucketer) cellCount(n node) uint64 {
	var cells uint64 = 1
	for i := 0; i < 3; i++ {
		lo := n.lo[i] * bk.cfg.Microblock
		hi := min32(n.hi[i]*bk.cfg.Microblock, bk.bound.NumCells(i))
		cells *= uint64(hi - lo)
	}
	return cells
}

func (bk *bucketer) emitNode(n node, blobs []blobRec, numSplats uint64, chunk ChunkID) error {
	var extents [3]grid.Extent
	for i := 0; i < 3; i++ {
		extents[i] = grid.Extent{
			Lo: bk.bound.Extents[i].Lo + n.lo[i]*bk.cfg.Microblock,
			Hi: bk.bound.Extents[i].Lo + min32(n.hi[i]*bk.cfg.Microblock, bk.bound.NumCells(i)),
		}
	}

	bin := Bin{
		NumSplats: numSplats,
		Grid:      bk.bound.SubGrid(extents),
		Chunk:     chunk,
	}
	for _, b := range blobs {
		if k := len(bin.Ranges); k > 0 && bin.Ranges[k-1].Last == b.first {
			bin.Ranges[k-1].Last = b.last
			continue
		}
		bin.Ranges = append(bin.Ranges, splats.Range{First: b.first, Last: b.last})
	}

	stats.Default.Add("bins.emitted", 1)
	stats.Default.Peak("bins.max_splats", numSplats)
	metricBinsEmitted.Inc()
	return bk.emit(bin)
}

// intersectBlobs returns the blobs whose microblock range intersects the
// node.
func intersectBlobs(blobs []blobRec, n node) []blobRec {
	var out []blobRec
	for _, b := range blobs {
		hit := true
		for i := 0; i < 3; i++ {
			if b.upper[i] < n.lo[i] || b.lower[i] >= n.hi[i] {
				hit = false
				break
			}
		}
		if hit {
			out = append(out, b)
		}
	}
	return out
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
