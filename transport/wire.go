// Package transport moves work between the root rank and its workers over
// websocket connections: a demand-driven scatter channel for bins, a
// gather channel for mesh fragments, a progress channel and a one-shot
// statistics collection, all multiplexed by a one-byte message tag.
package transport

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/grid"
	"github.com/frustreated/mlsgpu/splats"
)

// Message tags. One tag per logical channel, plus the collective exchange
// of the distributed blob index build.
const (
	tagHello = iota + 1
	tagNeedWork
	tagHasWork
	tagFragment
	tagProgress
	tagStats
	tagAbort
	tagBounds
	tagBoundsRes
	tagCounts
	tagCountsRes
	tagBlobs
	tagBlobsRes
)

// ErrTypeTransport marks rank communication failures.
const ErrTypeTransport = "io_error"

// maxMessageBytes raises the websocket payload cap; a gathered fragment
// can far exceed the 32 MiB default.
const maxMessageBytes = 1 << 30

// ErrTypeAborted marks channel operations interrupted by a global abort.
const ErrTypeAborted = "aborted"

// ProgressDelta is one progress channel update.
type ProgressDelta struct {
	Delta uint64
	Pass  uint32
}

type wireWriter struct {
	buf bytes.Buffer
}

func newWireWriter(tag byte) *wireWriter {
	w := &wireWriter{}
	w.buf.WriteByte(tag)
	return w
}

func (w *wireWriter) bytes() []byte { return w.buf.Bytes() }

func (w *wireWriter) u8(v byte) { w.buf.WriteByte(v) }

func (w *wireWriter) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *wireWriter) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *wireWriter) i32(v int32) { w.u32(uint32(v)) }

func (w *wireWriter) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *wireWriter) raw(data []byte) { w.buf.Write(data) }

type wireReader struct {
	data []byte
	off  int
	bad  bool
}

func (r *wireReader) fail() {
	r.bad = true
}

func (r *wireReader) u8() byte {
	if r.off+1 > len(r.data) {
		r.fail()
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *wireReader) u32() uint32 {
	if r.off+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *wireReader) u64() uint64 {
	if r.off+8 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *wireReader) i32() int32 { return int32(r.u32()) }

func (r *wireReader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *wireReader) rest() []byte {
	v := r.data[r.off:]
	r.off = len(r.data)
	return v
}

func (r *wireReader) err(what string) error {
	if r.bad || r.off != len(r.data) {
		return errors.New("malformed transport message").
			WithType(ErrTypeTransport).
			WithTag("message", what).
			WithTag("bytes", len(r.data))
	}
	return nil
}

func writeGrid(w *wireWriter, g grid.Grid) {
	for i := 0; i < 3; i++ {
		w.f32(g.Reference[i])
	}
	w.f32(g.Spacing)
	for i := 0; i < 3; i++ {
		w.i32(g.Extents[i].Lo)
		w.i32(g.Extents[i].Hi)
	}
}

func readGrid(r *wireReader) grid.Grid {
	var g grid.Grid
	for i := 0; i < 3; i++ {
		g.Reference[i] = r.f32()
	}
	g.Spacing = r.f32()
	for i := 0; i < 3; i++ {
		g.Extents[i].Lo = r.i32()
		g.Extents[i].Hi = r.i32()
	}
	return g
}

func writeChunk(w *wireWriter, c bucket.ChunkID) {
	w.u32(c.Gen)
	for i := 0; i < 3; i++ {
		w.i32(c.Coord[i])
	}
}

func readChunk(r *wireReader) bucket.ChunkID {
	var c bucket.ChunkID
	c.Gen = r.u32()
	for i := 0; i < 3; i++ {
		c.Coord[i] = r.i32()
	}
	return c
}

// marshalBatch encodes a HasWork response: the bin count then each
// serialized bin. A zero count is the shutdown signal.
func marshalBatch(batch *bucket.Batch) []byte {
	w := newWireWriter(tagHasWork)
	if batch == nil {
		w.u64(0)
		return w.bytes()
	}
	w.u64(uint64(len(batch.Bins)))
	for _, bin := range batch.Bins {
		w.u64(bin.NumSplats)
		writeGrid(w, bin.Grid)
		writeChunk(w, bin.Chunk)
		w.u32(uint32(len(bin.Ranges)))
		for _, rg := range bin.Ranges {
			w.u64(rg.First)
			w.u64(rg.Last)
		}
	}
	return w.bytes()
}

func unmarshalBatch(r *wireReader) (*bucket.Batch, error) {
	count := r.u64()
	if count == 0 {
		if err := r.err("has_work"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	batch := &bucket.Batch{}
	for i := uint64(0); i < count && !r.bad; i++ {
		var bin bucket.Bin
		bin.NumSplats = r.u64()
		bin.Grid = readGrid(r)
		bin.Chunk = readChunk(r)
		numRanges := r.u32()
		for j := uint32(0); j < numRanges && !r.bad; j++ {
			bin.Ranges = append(bin.Ranges, splats.Range{First: r.u64(), Last: r.u64()})
		}
		batch.Bins = append(batch.Bins, bin)
		batch.NumSplats += bin.NumSplats
	}
	if err := r.err("has_work"); err != nil {
		return nil, err
	}
	return batch, nil
}

func marshalBlobs(tag byte, blobs []splats.Blob) []byte {
	w := newWireWriter(tag)
	w.u64(uint64(len(blobs)))
	for _, b := range blobs {
		w.u64(b.FirstSplat)
		w.u64(b.LastSplat)
		for i := 0; i < 3; i++ {
			w.i32(b.Lower[i])
		}
		for i := 0; i < 3; i++ {
			w.i32(b.Upper[i])
		}
	}
	return w.bytes()
}

func unmarshalBlobs(r *wireReader, what string) ([]splats.Blob, error) {
	count := r.u64()
	blobs := make([]splats.Blob, 0, count)
	for i := uint64(0); i < count && !r.bad; i++ {
		var b splats.Blob
		b.FirstSplat = r.u64()
		b.LastSplat = r.u64()
		for j := 0; j < 3; j++ {
			b.Lower[j] = r.i32()
		}
		for j := 0; j < 3; j++ {
			b.Upper[j] = r.i32()
		}
		blobs = append(blobs, b)
	}
	if err := r.err(what); err != nil {
		return nil, err
	}
	return blobs, nil
}
