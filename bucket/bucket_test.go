package bucket

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/frustreated/mlsgpu/pipe"
	"github.com/frustreated/mlsgpu/ply"
	"github.com/frustreated/mlsgpu/splats"
)

func writeSplatFile(t *testing.T, path string, ss []splats.Splat) *ply.Reader {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("ply\nformat binary_little_endian 1.0\n" +
		"element vertex " + strconv.Itoa(len(ss)) + "\n" +
		"property float32 x\nproperty float32 y\nproperty float32 z\n" +
		"property float32 nx\nproperty float32 ny\nproperty float32 nz\n" +
		"property float32 radius\n" +
		"end_header\n")
	require.NoError(t, err)

	buf := make([]byte, splats.RawSize)
	for _, s := range ss {
		splats.PutRaw(buf, s)
		_, err = f.Write(buf)
		require.NoError(t, err)
	}

	r, err := ply.Open(path)
	require.NoError(t, err)
	return r
}

func splat(x, y, z, r float32) splats.Splat {
	return splats.Splat{Position: mgl32.Vec3{x, y, z}, Normal: mgl32.Vec3{0, 0, 1}, Radius: r}
}

func buildSet(t *testing.T, spacing float32, baseBucket int32, ss []splats.Splat) *splats.FastBlobSet {
	t.Helper()
	r := writeSplatFile(t, filepath.Join(t.TempDir(), "in.ply"), ss)
	fbs, err := splats.BuildBlobs(splats.NewFileSet([]*ply.Reader{r}), spacing, baseBucket, splats.SingleRank{})
	require.NoError(t, err)
	return fbs
}

// a spread of splats across a 16-cell-wide region
func spread() []splats.Splat {
	var ss []splats.Splat
	for i := 0; i < 64; i++ {
		x := float32(i%16) + 0.5
		y := float32((i/16)%4)*4 + 0.5
		z := float32(i/64) + 0.5
		ss = append(ss, splat(x, y, z, 0.4))
	}
	return ss
}

func TestBucketBudgetAndCoverage(t *testing.T) {
	fbs := buildSet(t, 1, 2, spread())

	cfg := Config{
		MaxSplats:  8,
		MaxCells:   1 << 20,
		MaxSplit:   2,
		Microblock: 2,
	}

	var bins []Bin
	err := Bucket(fbs, cfg, func(b Bin) error {
		bins = append(bins, b)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, bins)

	covered := map[uint64]int{}
	for _, bin := range bins {
		var n uint64
		for _, r := range bin.Ranges {
			n += r.Last - r.First
			for id := r.First; id < r.Last; id++ {
				covered[id]++
			}
		}
		require.Equal(t, bin.NumSplats, n)

		// the budget may only be exceeded for irreducible overlap, which
		// this input does not have
		require.LessOrEqual(t, bin.NumSplats, cfg.MaxSplats)

		// the bin's region must lie inside the bounding grid
		bg := fbs.BoundingGrid()
		for i := 0; i < 3; i++ {
			require.GreaterOrEqual(t, bin.Grid.Extents[i].Lo, bg.Extents[i].Lo)
			require.LessOrEqual(t, bin.Grid.Extents[i].Hi, bg.Extents[i].Hi)
		}
	}

	// every finite splat is covered at least once
	require.Len(t, covered, 64)
}

func TestBucketSingleBinWhenSmall(t *testing.T) {
	fbs := buildSet(t, 1, 2, []splats.Splat{
		splat(0.5, 0.5, 0.5, 0.3),
		splat(1.5, 1.5, 1.5, 0.3),
	})

	cfg := Config{MaxSplats: 100, MaxCells: 1 << 20, MaxSplit: 2, Microblock: 2}

	var bins []Bin
	require.NoError(t, Bucket(fbs, cfg, func(b Bin) error {
		bins = append(bins, b)
		return nil
	}))
	require.Len(t, bins, 1)
	require.Equal(t, uint64(2), bins[0].NumSplats)
}

func TestBucketAcceptsIrreducibleOverflow(t *testing.T) {
	// many splats in the same cell cannot be separated below MaxSplats
	var ss []splats.Splat
	for i := 0; i < 32; i++ {
		ss = append(ss, splat(0.5, 0.5, 0.5, 0.2))
	}
	fbs := buildSet(t, 1, 2, ss)

	cfg := Config{MaxSplats: 4, MaxCells: 1 << 20, MaxSplit: 2, Microblock: 2}

	var bins []Bin
	require.NoError(t, Bucket(fbs, cfg, func(b Bin) error {
		bins = append(bins, b)
		return nil
	}))
	require.Len(t, bins, 1)
	require.Equal(t, uint64(32), bins[0].NumSplats)
}

func TestBucketChunking(t *testing.T) {
	fbs := buildSet(t, 1, 2, spread())

	cfg := Config{
		MaxSplats:  16,
		MaxCells:   1 << 20,
		MaxSplit:   2,
		Microblock: 2,
		ChunkCells: 8,
	}

	chunks := map[ChunkID]bool{}
	require.NoError(t, Bucket(fbs, cfg, func(b Bin) error {
		chunks[b.Chunk] = true

		// the bin must lie inside its chunk cell
		bg := fbs.BoundingGrid()
		for i := 0; i < 3; i++ {
			chunkLo := bg.Extents[i].Lo + b.Chunk.Coord[i]*cfg.ChunkCells
			require.GreaterOrEqual(t, b.Grid.Extents[i].Lo, chunkLo)
			require.LessOrEqual(t, b.Grid.Extents[i].Hi, chunkLo+cfg.ChunkCells)
		}
		return nil
	}))
	require.Greater(t, len(chunks), 1)
}

func TestChunkIDOrdering(t *testing.T) {
	a := ChunkID{Gen: 0, Coord: [3]int32{1, 0, 0}}
	b := ChunkID{Gen: 0, Coord: [3]int32{0, 1, 0}}
	c := ChunkID{Gen: 1, Coord: [3]int32{0, 0, 0}}

	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}

func TestCollectorBatching(t *testing.T) {
	var batches []Batch
	c := &Collector{
		MaxLoadSplats: 10,
		Forward: func(b Batch) error {
			batches = append(batches, b)
			return nil
		},
	}

	mkBin := func(n uint64, chunk ChunkID) Bin {
		return Bin{NumSplats: n, Chunk: chunk}
	}

	chunk0 := ChunkID{}
	chunk1 := ChunkID{Coord: [3]int32{1, 0, 0}}

	require.NoError(t, c.Add(mkBin(4, chunk0)))
	require.NoError(t, c.Add(mkBin(4, chunk0)))
	require.NoError(t, c.Add(mkBin(4, chunk0))) // overflows: flush first two
	require.NoError(t, c.Add(mkBin(1, chunk1))) // chunk boundary: flush third
	require.NoError(t, c.Flush())

	require.Len(t, batches, 3)
	require.Len(t, batches[0].Bins, 2)
	require.Equal(t, uint64(8), batches[0].NumSplats)
	require.Len(t, batches[1].Bins, 1)
	require.Equal(t, chunk0, batches[1].Chunk())
	require.Len(t, batches[2].Bins, 1)
	require.Equal(t, chunk1, batches[2].Chunk())
}

func TestLoader(t *testing.T) {
	ss := spread()
	fbs := buildSet(t, 1, 2, ss)

	cfg := Config{MaxSplats: 8, MaxCells: 1 << 20, MaxSplit: 2, Microblock: 2}

	var batches []Batch
	collector := &Collector{
		MaxLoadSplats: 16,
		Forward: func(b Batch) error {
			batches = append(batches, b)
			return nil
		},
	}
	require.NoError(t, Bucket(fbs, cfg, collector.Add))
	require.NoError(t, collector.Flush())
	require.NotEmpty(t, batches)

	loader := &Loader{
		Set:    fbs.FileSet,
		Buffer: pipe.NewCircularBuffer("load", 64*1024),
	}

	var loadedSplats int
	for _, batch := range batches {
		lb, err := loader.Load(batch)
		require.NoError(t, err)

		for _, bin := range batch.Bins {
			got := lb.BinSplats(bin)
			require.Len(t, got, int(bin.NumSplats))
			for _, s := range got {
				require.True(t, s.IsFinite())
				// the splat belongs in the bin's grid region, padded by its
				// radius
				for i := 0; i < 3; i++ {
					lo := float32(bin.Grid.Extents[i].Lo)*bin.Grid.Spacing - s.Radius
					hi := float32(bin.Grid.Extents[i].Hi)*bin.Grid.Spacing + s.Radius
					require.GreaterOrEqual(t, s.Position[i], lo-bin.Grid.Spacing)
					require.LessOrEqual(t, s.Position[i], hi+bin.Grid.Spacing)
				}
			}
			loadedSplats += len(got)
		}
		lb.Release()
	}
	require.GreaterOrEqual(t, loadedSplats, len(ss))
}

func TestMergeRanges(t *testing.T) {
	got := mergeRanges([]splats.Range{
		{First: 10, Last: 20},
		{First: 0, Last: 5},
		{First: 15, Last: 25},
		{First: 5, Last: 7},
	})
	require.Equal(t, []splats.Range{{First: 0, Last: 7}, {First: 10, Last: 25}}, got)
}
