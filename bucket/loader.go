package bucket

import (
	"github.com/aukilabs/go-tooling/pkg/errors"

	"github.com/frustreated/mlsgpu/pipe"
	"github.com/frustreated/mlsgpu/splats"
)

// LoadedBatch is a batch together with its splats, packed as raw records in
// a region borrowed from the loader's circular buffer. Release must be
// called once the device pipeline has consumed the splats.
type LoadedBatch struct {
	Batch  Batch
	Raw    []byte         // packed records of the deduplicated id ranges
	Ranges []splats.Range // sorted, merged; Raw follows this order

	buffer *pipe.CircularBuffer
	alloc  pipe.Alloc
}

// NumSplats returns the number of splats in the load.
func (l *LoadedBatch) NumSplats() int {
	return len(l.Raw) / splats.RawSize
}

// Splat decodes the i-th loaded splat.
func (l *LoadedBatch) Splat(i int) splats.Splat {
	return splats.GetRaw(l.Raw[i*splats.RawSize:])
}

// BinSplats decodes the splats referenced by one bin of the batch into a
// fresh slice, in id order. This is the copy the device upload consumes.
func (l *LoadedBatch) BinSplats(bin Bin) []splats.Splat {
	out := make([]splats.Splat, 0, bin.NumSplats)
	for _, want := range bin.Ranges {
		// locate the merged range holding want.First; merged ranges are
		// sorted and disjoint
		var base uint64
		for _, r := range l.Ranges {
			if want.First >= r.First && want.First < r.Last {
				off := base + (want.First - r.First)
				for id := want.First; id < want.Last; id++ {
					out = append(out, l.Splat(int(off+(id-want.First))))
				}
				break
			}
			base += r.Last - r.First
		}
	}
	return out
}

// Release returns the splat storage to the loader.
func (l *LoadedBatch) Release() {
	if l.buffer != nil {
		l.buffer.Free(l.alloc)
		l.buffer = nil
	}
}

// Loader runs on worker ranks: it pulls the splats of a batch from the
// file set into one contiguous buffer with backpressure from the load
// circular buffer.
type Loader struct {
	Set    *splats.FileSet
	Buffer *pipe.CircularBuffer
}

// Load streams the batch's id ranges into a freshly allocated splat
// buffer. Non-finite splats were already excluded from the bin counts by
// the blob index; a splat listed by several bins of the batch is loaded
// once, so at most Batch.NumSplats splats are loaded.
func (ld *Loader) Load(batch Batch) (*LoadedBatch, error) {
	total := batch.NumSplats

	// merge the per-bin ranges into one ordered multi-range read
	var ranges []splats.Range
	for _, bin := range batch.Bins {
		ranges = append(ranges, bin.Ranges...)
	}
	ranges = mergeRanges(ranges)

	alloc, n, err := ld.Buffer.Allocate(splats.RawSize, int(total))
	if err != nil {
		return nil, errors.New("allocating batch splat buffer failed").Wrap(err)
	}
	if uint64(n) < total {
		ld.Buffer.Free(alloc)
		return nil, errors.New("batch exceeds the load buffer capacity").
			WithType(pipe.ErrTypeMemoryPressure).
			WithTag("batch_splats", total).
			WithTag("buffer_splats", n)
	}

	stream := ld.Set.Stream(ranges)
	defer stream.Close()

	var loaded uint64
	for {
		s, _, ok := stream.Next()
		if !ok {
			break
		}
		if loaded >= total {
			break
		}
		splats.PutRaw(alloc.Data[loaded*splats.RawSize:], s)
		loaded++
	}
	if err := stream.Err(); err != nil {
		ld.Buffer.Free(alloc)
		return nil, errors.New("loading batch splats failed").Wrap(err)
	}

	return &LoadedBatch{
		Batch:  batch,
		Raw:    alloc.Data[:loaded*splats.RawSize],
		Ranges: ranges,
		buffer: ld.Buffer,
		alloc:  alloc,
	}, nil
}

// mergeRanges sorts and coalesces overlapping or duplicate id ranges. Bins
// in a batch may share splats near their boundaries; each splat is loaded
// once.
func mergeRanges(ranges []splats.Range) []splats.Range {
	if len(ranges) <= 1 {
		return ranges
	}
	sorted := make([]splats.Range, len(ranges))
	copy(sorted, ranges)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].First < sorted[j-1].First; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.First <= last.Last {
			if r.Last > last.Last {
				last.Last = r.Last
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
