package splats

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/frustreated/mlsgpu/grid"
	"github.com/frustreated/mlsgpu/ply"
)

func writeSplatFile(t *testing.T, path string, ss []Splat) *ply.Reader {
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

	buf := make([]byte, RawSize)
	for _, s := range ss {
		PutRaw(buf, s)
		_, err = f.Write(buf)
		require.NoError(t, err)
	}

	r, err := ply.Open(path)
	require.NoError(t, err)
	return r
}

func splat(x, y, z, r float32) Splat {
	return Splat{Position: mgl32.Vec3{x, y, z}, Normal: mgl32.Vec3{0, 0, 1}, Radius: r}
}

func nanSplat() Splat {
	nan := float32(math.NaN())
	return Splat{Position: mgl32.Vec3{nan, 0, 0}, Normal: mgl32.Vec3{0, 0, 1}, Radius: 1}
}

func testSet(t *testing.T, files ...[]Splat) *FileSet {
	t.Helper()
	dir := t.TempDir()
	readers := make([]*ply.Reader, len(files))
	for i, ss := range files {
		readers[i] = writeSplatFile(t, filepath.Join(dir, "f"+strconv.Itoa(i)+".ply"), ss)
	}
	set := NewFileSet(readers)
	set.BufferSize = 4 * RawSize // force several refills per file
	return set
}

func TestSplatIDs(t *testing.T) {
	id := MakeID(3, 12345)
	require.Equal(t, 3, FileOf(id))
	require.Equal(t, uint64(12345), OffsetOf(id))
}

func TestIsFinite(t *testing.T) {
	require.True(t, splat(0, 0, 0, 1).IsFinite())
	require.False(t, nanSplat().IsFinite())
	require.False(t, splat(0, 0, 0, 0).IsFinite())
	require.False(t, splat(0, 0, 0, -1).IsFinite())

	inf := Splat{Position: mgl32.Vec3{0, float32(math.Inf(1)), 0}, Normal: mgl32.Vec3{0, 0, 1}, Radius: 1}
	require.False(t, inf.IsFinite())
}

func TestStreamEnumeratesFiniteOnly(t *testing.T) {
	set := testSet(t,
		[]Splat{splat(0, 0, 0, 1), nanSplat(), splat(1, 0, 0, 1)},
		[]Splat{nanSplat(), splat(2, 0, 0, 1)},
	)

	st := set.Stream(set.AllRanges())
	defer st.Close()

	var ids []uint64
	for {
		_, id, ok := st.Next()
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	require.NoError(t, st.Err())
	require.Equal(t, []uint64{MakeID(0, 0), MakeID(0, 2), MakeID(1, 1)}, ids)
	require.Equal(t, uint64(2), st.NonFinite())
	require.Equal(t, uint64(5), set.MaxSplats())
}

func TestStreamMultiRange(t *testing.T) {
	set := testSet(t, []Splat{
		splat(0, 0, 0, 1), splat(1, 0, 0, 1), splat(2, 0, 0, 1),
		splat(3, 0, 0, 1), splat(4, 0, 0, 1), splat(5, 0, 0, 1),
	})

	st := set.Stream([]Range{
		{First: MakeID(0, 1), Last: MakeID(0, 3)},
		{First: MakeID(0, 5), Last: MakeID(0, 6)},
	})
	defer st.Close()

	var xs []float32
	for {
		s, _, ok := st.Next()
		if !ok {
			break
		}
		xs = append(xs, s.Position[0])
	}
	require.NoError(t, st.Err())
	require.Equal(t, []float32{1, 2, 5}, xs)
}

func TestSplatToBuckets(t *testing.T) {
	g := grid.Grid{Spacing: 1}

	lower, upper := SplatToBuckets(splat(0.5, 0.5, 0.5, 0.25), g, 2)
	require.Equal(t, [3]int32{0, 0, 0}, lower)
	require.Equal(t, [3]int32{0, 0, 0}, upper)

	// bbox straddles the bucket boundary at x=2
	lower, upper = SplatToBuckets(splat(2.1, 0.5, 0.5, 0.5), g, 2)
	require.Equal(t, [3]int32{0, 0, 0}, lower)
	require.Equal(t, [3]int32{1, 0, 0}, upper)

	// negative coordinates round towards negative infinity
	lower, _ = SplatToBuckets(splat(-0.5, -0.5, -0.5, 0.25), g, 2)
	require.Equal(t, [3]int32{-1, -1, -1}, lower)
}

func TestBuildBlobsCoalesces(t *testing.T) {
	// first three splats share a bucket footprint, the fourth does not
	set := testSet(t, []Splat{
		splat(0.5, 0.5, 0.5, 0.2),
		splat(0.6, 0.5, 0.5, 0.2),
		splat(0.7, 0.5, 0.5, 0.2),
		splat(9.5, 0.5, 0.5, 0.2),
	})

	fbs, err := BuildBlobs(set, 1, 2, SingleRank{})
	require.NoError(t, err)
	require.Equal(t, uint64(4), fbs.NumSplats())
	require.Equal(t, uint64(0), fbs.NonFinite())

	bg := fbs.BoundingGrid()
	require.Equal(t, int32(0), bg.Extents[0].Lo)
	require.Equal(t, int32(10), bg.Extents[0].Hi)
	require.Zero(t, bg.Extents[0].Lo%2)

	bs := fbs.Blobs(bg, 2)
	defer bs.Close()

	var blobs []Blob
	for {
		b, ok := bs.Next()
		if !ok {
			break
		}
		blobs = append(blobs, b)
	}
	require.Len(t, blobs, 2)
	require.Equal(t, uint64(3), blobs[0].NumSplats())
	require.Equal(t, uint64(1), blobs[1].NumSplats())
	require.Equal(t, [3]int32{0, 0, 0}, blobs[0].Lower)
	require.Equal(t, [3]int32{4, 0, 0}, blobs[1].Lower)
}

func TestBlobCoverage(t *testing.T) {
	// property: the disjoint union of fast-path blob ranges equals the set
	// of finite splat ids
	set := testSet(t,
		[]Splat{splat(0, 0, 0, 0.5), nanSplat(), splat(3, 1, 2, 0.5), splat(3.1, 1, 2, 0.5)},
		[]Splat{splat(-4, -4, -4, 1), splat(8, 8, 8, 1)},
	)

	fbs, err := BuildBlobs(set, 0.5, 4, SingleRank{})
	require.NoError(t, err)

	bs := fbs.Blobs(fbs.BoundingGrid(), 4)
	defer bs.Close()

	covered := map[uint64]bool{}
	prevLast := uint64(0)
	for {
		b, ok := bs.Next()
		if !ok {
			break
		}
		require.GreaterOrEqual(t, b.FirstSplat, prevLast)
		prevLast = b.LastSplat
		for id := b.FirstSplat; id < b.LastSplat; id++ {
			covered[id] = true
		}
	}

	want := map[uint64]bool{
		MakeID(0, 0): true, MakeID(0, 2): true, MakeID(0, 3): true,
		MakeID(1, 0): true, MakeID(1, 1): true,
	}
	require.Equal(t, want, covered)
}

func TestBlobBoxContainment(t *testing.T) {
	set := testSet(t, []Splat{
		splat(0.2, 0.2, 0.2, 0.3),
		splat(1.4, 0.9, 2.2, 0.8),
		splat(-3.5, 2.2, 0.4, 1.1),
	})

	fbs, err := BuildBlobs(set, 0.5, 2, SingleRank{})
	require.NoError(t, err)

	bg := fbs.BoundingGrid()
	var offset [3]int32
	for i := 0; i < 3; i++ {
		offset[i] = bg.Extents[i].Lo / 2
	}

	bs := fbs.Blobs(bg, 2)
	defer bs.Close()

	st := set.Stream(set.AllRanges())
	defer st.Close()

	for {
		b, ok := bs.Next()
		if !ok {
			break
		}
		for id := b.FirstSplat; id < b.LastSplat; id++ {
			s, sid, ok := st.Next()
			require.True(t, ok)
			require.Equal(t, id, sid)

			lower, upper := SplatToBuckets(s, bg, 2)
			for i := 0; i < 3; i++ {
				require.GreaterOrEqual(t, lower[i]-offset[i], b.Lower[i])
				require.LessOrEqual(t, upper[i]-offset[i], b.Upper[i])
			}
		}
	}
}

func TestBlobSlowPathFallback(t *testing.T) {
	set := testSet(t, []Splat{
		splat(0.5, 0.5, 0.5, 0.2),
		splat(0.6, 0.5, 0.5, 0.2),
	})

	fbs, err := BuildBlobs(set, 1, 2, SingleRank{})
	require.NoError(t, err)

	// bucket size 3 is not a multiple of the base bucket size 2
	bs := fbs.Blobs(fbs.BoundingGrid(), 3)
	defer bs.Close()

	var n int
	for {
		_, ok := bs.Next()
		if !ok {
			break
		}
		n++
	}
	require.Equal(t, 2, n)
}

func TestBuildBlobsEmptyInput(t *testing.T) {
	set := testSet(t, []Splat{nanSplat(), nanSplat()})

	_, err := BuildBlobs(set, 1, 2, SingleRank{})
	require.Error(t, err)
	require.Equal(t, ErrTypeEmptyInput, errors.Type(err))
}

func TestBuildBlobsIOError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.ply")
	r := writeSplatFile(t, path, []Splat{splat(0, 0, 0, 1)})

	// truncate the body after the header was parsed
	require.NoError(t, os.Truncate(path, 40))

	set := NewFileSet([]*ply.Reader{r})
	_, err := BuildBlobs(set, 1, 2, SingleRank{})
	require.Error(t, err)
	require.Equal(t, ErrTypeIO, errors.Type(err))
}

func TestPartition(t *testing.T) {
	set := testSet(t,
		[]Splat{splat(0, 0, 0, 1), splat(1, 0, 0, 1), splat(2, 0, 0, 1)},
		[]Splat{splat(3, 0, 0, 1), splat(4, 0, 0, 1), splat(5, 0, 0, 1)},
	)

	var total uint64
	seen := map[uint64]int{}
	for rank := 0; rank < 4; rank++ {
		for _, r := range partition(set, rank, 4) {
			for id := r.First; id < r.Last; id++ {
				seen[id]++
				total++
			}
		}
	}
	require.Equal(t, uint64(6), total)
	for id, n := range seen {
		require.Equal(t, 1, n, "id %d seen %d times", id, n)
	}
}

func TestRawRoundTrip(t *testing.T) {
	s := splat(1.5, -2.5, 3.25, 0.125)
	buf := make([]byte, RawSize)
	PutRaw(buf, s)
	require.Equal(t, s, GetRaw(buf))
	require.Equal(t, math.Float32bits(1.5), binary.LittleEndian.Uint32(buf))
}
