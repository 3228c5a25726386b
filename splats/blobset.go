package splats

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/frustreated/mlsgpu/grid"
	"github.com/frustreated/mlsgpu/stats"
)

// ErrTypeEmptyInput marks inputs with no finite splat at all.
const ErrTypeEmptyInput = "empty_input"

// Blob describes a maximal run of consecutive splat ids whose bounding
// boxes cover the identical bucket range. Coordinates are in buckets of the
// set's base bucket size, relative to the world origin.
type Blob struct {
	FirstSplat uint64
	LastSplat  uint64
	Lower      [3]int32
	Upper      [3]int32
}

// NumSplats returns the number of splats in the blob.
func (b Blob) NumSplats() uint64 {
	return b.LastSplat - b.FirstSplat
}

// SplatToBuckets computes the inclusive bucket range covered by a splat's
// bounding box. Bucket (0,0,0) is the one overlapping cell (0,0,0) of the
// grid's global cell coordinates.
func SplatToBuckets(s Splat, g grid.Grid, bucketSize int32) (lower, upper [3]int32) {
	for i := 0; i < 3; i++ {
		lo := (float64(s.Position[i]) - float64(s.Radius) - float64(g.Reference[i])) / float64(g.Spacing)
		hi := (float64(s.Position[i]) + float64(s.Radius) - float64(g.Reference[i])) / float64(g.Spacing)
		lower[i] = grid.DivDown(int32(math.Floor(lo)), bucketSize)
		upper[i] = grid.DivDown(int32(math.Floor(hi)), bucketSize)
	}
	return lower, upper
}

// Collective is the cross-rank exchange used by the distributed blob index
// build. A single-process run uses SingleRank.
type Collective interface {
	Rank() int
	Ranks() int

	// AllReduceBounds combines per-rank bucket bounds with min/max. Ranks
	// with no finite splat pass ok=false and receive the global result.
	AllReduceBounds(lower, upper [3]int32, ok bool) ([3]int32, [3]int32, bool, error)

	// AllReduceCounts sums per-rank finite and non-finite splat counts.
	AllReduceCounts(finite, nonFinite uint64) (uint64, uint64, error)

	// AllGatherBlobs concatenates every rank's blob list in rank order.
	AllGatherBlobs(local []Blob) ([]Blob, error)
}

// SingleRank is the trivial collective of a one-process run.
type SingleRank struct{}

func (SingleRank) Rank() int  { return 0 }
func (SingleRank) Ranks() int { return 1 }

func (SingleRank) AllReduceBounds(lower, upper [3]int32, ok bool) ([3]int32, [3]int32, bool, error) {
	return lower, upper, ok, nil
}

func (SingleRank) AllReduceCounts(finite, nonFinite uint64) (uint64, uint64, error) {
	return finite, nonFinite, nil
}

func (SingleRank) AllGatherBlobs(local []Blob) ([]Blob, error) {
	return local, nil
}

// FastBlobSet is a FileSet with a precomputed blob index at a base bucket
// size, plus the bounding grid of all finite splats. Blob enumeration for
// compatible grids is answered from the index by integer scaling; anything
// else falls back to one blob per splat.
type FastBlobSet struct {
	*FileSet

	baseBucket int32
	blobs      []Blob
	bounding   grid.Grid
	numSplats  uint64
	nonFinite  uint64
}

// BuildBlobs runs the bounding-and-binning pass over the whole set and
// returns the indexed set. With a multi-rank collective, each rank scans an
// even share of the id space and the results are exchanged so every rank
// holds the identical index.
func BuildBlobs(set *FileSet, spacing float32, baseBucket int32, coll Collective) (*FastBlobSet, error) {
	if baseBucket <= 0 {
		return nil, errors.New("base bucket size must be positive").
			WithTag("base_bucket", baseBucket)
	}

	timer := stats.Default.StartTimer("blobs.build.time")
	defer timer.Stop()

	// The binning grid: origin reference, requested spacing, extents fixed
	// up after the pass.
	g := grid.Grid{Reference: mgl32.Vec3{}, Spacing: spacing}

	part := partition(set, coll.Rank(), coll.Ranks())
	stream := set.Stream(part)
	defer stream.Close()

	var (
		local     []Blob
		haveAny   bool
		boundLo   [3]int32
		boundHi   [3]int32
		numFinite uint64
	)
	for {
		splat, id, ok := stream.Next()
		if !ok {
			break
		}
		numFinite++

		lower, upper := SplatToBuckets(splat, g, baseBucket)
		if !haveAny {
			boundLo, boundHi = lower, upper
			haveAny = true
		} else {
			for i := 0; i < 3; i++ {
				boundLo[i] = min32(boundLo[i], lower[i])
				boundHi[i] = max32(boundHi[i], upper[i])
			}
		}

		if n := len(local); n > 0 {
			last := &local[n-1]
			if last.LastSplat == id && last.Lower == lower && last.Upper == upper {
				last.LastSplat = id + 1
				continue
			}
		}
		local = append(local, Blob{FirstSplat: id, LastSplat: id + 1, Lower: lower, Upper: upper})
	}
	if err := stream.Err(); err != nil {
		return nil, errors.New("blob index build failed").
			WithType(ErrTypeIO).
			Wrap(err)
	}

	boundLo, boundHi, haveAny, err := coll.AllReduceBounds(boundLo, boundHi, haveAny)
	if err != nil {
		return nil, err
	}
	numFinite, nonFinite, err := coll.AllReduceCounts(numFinite, stream.NonFinite())
	if err != nil {
		return nil, err
	}
	if !haveAny {
		return nil, errors.New("no finite splat in input").
			WithType(ErrTypeEmptyInput)
	}
	blobs, err := coll.AllGatherBlobs(local)
	if err != nil {
		return nil, err
	}

	stats.Default.Add("splats.nonfinite", nonFinite)
	stats.Default.Add("blobs.count", uint64(len(blobs)))
	metricNonFinite.Add(float64(nonFinite))

	g.Extents = [3]grid.Extent{
		{Lo: boundLo[0] * baseBucket, Hi: (boundHi[0] + 1) * baseBucket},
		{Lo: boundLo[1] * baseBucket, Hi: (boundHi[1] + 1) * baseBucket},
		{Lo: boundLo[2] * baseBucket, Hi: (boundHi[2] + 1) * baseBucket},
	}

	return &FastBlobSet{
		FileSet:    set,
		baseBucket: baseBucket,
		blobs:      blobs,
		bounding:   g,
		numSplats:  numFinite,
		nonFinite:  nonFinite,
	}, nil
}

// partition splits the set's id ranges into an even share for one rank,
// by splat count.
func partition(set *FileSet, rank, ranks int) []Range {
	all := set.AllRanges()
	if ranks <= 1 {
		return all
	}

	var total uint64
	for _, r := range all {
		total += r.Last - r.First
	}
	lo := total * uint64(rank) / uint64(ranks)
	hi := total * uint64(rank+1) / uint64(ranks)

	var out []Range
	var seen uint64
	for _, r := range all {
		n := r.Last - r.First
		first, last := r.First, r.Last
		if seen < lo {
			skip := lo - seen
			if skip >= n {
				seen += n
				continue
			}
			first += skip
		}
		if seen+n > hi {
			keep := hi - seen
			if first-r.First >= keep {
				break
			}
			last = r.First + keep
		}
		if first < last {
			out = append(out, Range{First: first, Last: last})
		}
		seen += n
		if seen >= hi {
			break
		}
	}
	return out
}

// NumSplats returns the exact number of finite splats.
func (s *FastBlobSet) NumSplats() uint64 {
	return s.numSplats
}

// NonFinite returns the number of non-finite splats found by the build.
func (s *FastBlobSet) NonFinite() uint64 {
	return s.nonFinite
}

// BaseBucket returns the base bucket size of the index.
func (s *FastBlobSet) BaseBucket() int32 {
	return s.baseBucket
}

// BoundingGrid returns the grid covering all finite splats, with its lower
// extent aligned to the base bucket size.
func (s *FastBlobSet) BoundingGrid() grid.Grid {
	return s.bounding
}

// BlobStream enumerates blobs for one (grid, bucketSize) request.
type BlobStream struct {
	next func() (Blob, bool)
	done func()
}

// Next returns the next blob. It reports false at end of stream.
func (bs *BlobStream) Next() (Blob, bool) {
	return bs.next()
}

// Close releases any resources behind the stream.
func (bs *BlobStream) Close() {
	if bs.done != nil {
		bs.done()
	}
}

// Blobs enumerates blobs at the requested grid and bucket size. When the
// bucket size is a multiple of the base and the grid is origin-referenced
// with base-aligned extents, the precomputed index is rescaled; otherwise
// the stream degrades to one blob per splat.
func (s *FastBlobSet) Blobs(g grid.Grid, bucketSize int32) *BlobStream {
	if s.fastPath(g, bucketSize) {
		ratio := bucketSize / s.baseBucket
		var offset [3]int32
		for i := 0; i < 3; i++ {
			offset[i] = g.Extents[i].Lo / s.baseBucket
		}
		i := 0
		return &BlobStream{next: func() (Blob, bool) {
			if i >= len(s.blobs) {
				return Blob{}, false
			}
			b := s.blobs[i]
			i++
			for axis := 0; axis < 3; axis++ {
				b.Lower[axis] = grid.DivDown(b.Lower[axis]-offset[axis], ratio)
				b.Upper[axis] = grid.DivDown(b.Upper[axis]-offset[axis], ratio)
			}
			return b, true
		}}
	}

	// slow path: one blob per finite splat
	stream := s.FileSet.Stream(s.AllRanges())
	return &BlobStream{
		next: func() (Blob, bool) {
			splat, id, ok := stream.Next()
			if !ok {
				return Blob{}, false
			}
			lower, upper := SplatToBuckets(splat, g, bucketSize)
			for axis := 0; axis < 3; axis++ {
				lower[axis] -= grid.DivDown(g.Extents[axis].Lo, bucketSize)
				upper[axis] -= grid.DivDown(g.Extents[axis].Lo, bucketSize)
			}
			return Blob{FirstSplat: id, LastSplat: id + 1, Lower: lower, Upper: upper}, true
		},
		done: stream.Close,
	}
}

func (s *FastBlobSet) fastPath(g grid.Grid, bucketSize int32) bool {
	if bucketSize <= 0 || bucketSize%s.baseBucket != 0 {
		return false
	}
	if g.Reference != (mgl32.Vec3{}) || g.Spacing != s.bounding.Spacing {
		return false
	}
	for i := 0; i < 3; i++ {
		if g.Extents[i].Lo%s.baseBucket != 0 {
			return false
		}
	}
	return true
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
