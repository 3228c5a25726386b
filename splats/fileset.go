package splats

import (
	"github.com/aukilabs/go-tooling/pkg/errors"

	"github.com/frustreated/mlsgpu/ply"
)

// ErrTypeIO marks splat file access failures.
const ErrTypeIO = "io_error"

const (
	// DefaultBufferSize is the byte size of one read buffer of the
	// asynchronous splat stream.
	DefaultBufferSize = 128 << 20

	// DefaultNumBuffers is how many read buffers circulate between the
	// reader goroutine and the consumer.
	DefaultNumBuffers = 3
)

// FileSet is an ordered collection of splat PLY files addressed by stable
// splat ids: file index in the high id bits, within-file offset in the low
// bits. The files are read-only and shared; every stream opens its own
// handles.
type FileSet struct {
	readers []*ply.Reader

	// BufferSize and NumBuffers tune the stream's read pipeline.
	BufferSize int
	NumBuffers int
}

// NewFileSet wraps the given readers, in id order.
func NewFileSet(readers []*ply.Reader) *FileSet {
	return &FileSet{
		readers:    readers,
		BufferSize: DefaultBufferSize,
		NumBuffers: DefaultNumBuffers,
	}
}

// NumFiles returns the number of files in the set.
func (s *FileSet) NumFiles() int {
	return len(s.readers)
}

// MaxSplats returns an upper bound on the splats a full stream will
// enumerate. It counts non-finite splats too.
func (s *FileSet) MaxSplats() uint64 {
	var n uint64
	for _, r := range s.readers {
		n += r.NumVertices()
	}
	return n
}

// AllRanges returns the id ranges covering every file in the set.
func (s *FileSet) AllRanges() []Range {
	ranges := make([]Range, 0, len(s.readers))
	for i, r := range s.readers {
		if r.NumVertices() == 0 {
			continue
		}
		ranges = append(ranges, Range{
			First: MakeID(i, 0),
			Last:  MakeID(i, r.NumVertices()),
		})
	}
	return ranges
}

// streamBlock is a filled read buffer handed from the reader goroutine to
// the stream consumer.
type streamBlock struct {
	file    int
	firstID uint64
	records int
	buf     []byte
}

// Stream iterates the finite splats of an ordered list of id ranges. A
// dedicated reader goroutine fills a small pool of fixed-size buffers with
// raw vertex records; Next decodes one splat at a time, skipping non-finite
// ones.
type Stream struct {
	set     *FileSet
	bufSize int

	out  chan streamBlock
	pool chan []byte
	stop chan struct{}

	cur    streamBlock
	curPos int
	layout ply.Layout

	err       error
	errc      chan error
	nonFinite uint64
}

// Stream starts an asynchronous splat stream over the given ranges. Close
// must be called when done.
func (s *FileSet) Stream(ranges []Range) *Stream {
	st := &Stream{
		set:  s,
		out:  make(chan streamBlock, s.NumBuffers),
		pool: make(chan []byte, s.NumBuffers),
		stop: make(chan struct{}),
		errc: make(chan error, 1),
	}

	// no point reserving more than the whole set occupies on disk
	bufSize := s.BufferSize
	var total uint64
	for _, r := range s.readers {
		total += r.NumVertices() * uint64(r.Layout().VertexSize)
	}
	if total < uint64(bufSize) {
		bufSize = int(total)
	}
	if bufSize < RawSize {
		bufSize = RawSize
	}
	st.bufSize = bufSize

	for i := 0; i < s.NumBuffers; i++ {
		st.pool <- make([]byte, bufSize)
	}
	go st.read(ranges)
	return st
}

// read is the reader goroutine: it walks the ranges file segment by file
// segment, filling pool buffers with raw records.
func (st *Stream) read(ranges []Range) {
	defer close(st.out)

	var handle *ply.Handle
	handleFile := -1
	defer func() {
		if handle != nil {
			handle.Close()
		}
	}()

	for _, r := range ranges {
		first := r.First
		for first < r.Last {
			file := FileOf(first)
			if file >= len(st.set.readers) {
				break
			}
			reader := st.set.readers[file]
			vertexSize := reader.Layout().VertexSize
			maxRecords := st.bufSize / vertexSize
			if maxRecords == 0 {
				st.fail(errors.New("splat record larger than stream buffer").
					WithType(ErrTypeIO).
					WithTag("vertex_size", vertexSize))
				return
			}

			fileSize := reader.NumVertices()
			start := OffsetOf(first)
			end := start + uint64(maxRecords)
			if end > fileSize {
				end = fileSize
			}
			if FileOf(r.Last) == file && OffsetOf(r.Last) < end {
				end = OffsetOf(r.Last)
			}

			if start < end {
				if handle == nil || handleFile != file {
					if handle != nil {
						handle.Close()
					}
					h, err := reader.NewHandle()
					if err != nil {
						st.fail(err)
						return
					}
					handle = h
					handleFile = file
				}

				var buf []byte
				select {
				case buf = <-st.pool:
				case <-st.stop:
					return
				}

				n := int(end - start)
				if err := handle.ReadRaw(start, buf[:n*vertexSize]); err != nil {
					st.fail(err)
					return
				}
				metricBytesRead.Add(float64(n * vertexSize))

				block := streamBlock{file: file, firstID: first, records: n, buf: buf}
				select {
				case st.out <- block:
				case <-st.stop:
					return
				}
				first += uint64(n)
			}
			if end == fileSize {
				first = MakeID(file+1, 0)
			}
		}
	}
}

func (st *Stream) fail(err error) {
	select {
	case st.errc <- err:
	default:
	}
}

// Next returns the next finite splat and its id. It reports false at end of
// stream or on error; check Err afterwards.
func (st *Stream) Next() (Splat, uint64, bool) {
	for {
		if st.curPos >= st.cur.records {
			if st.cur.buf != nil {
				st.pool <- st.cur.buf
				st.cur.buf = nil
			}
			block, ok := <-st.out
			if !ok {
				select {
				case st.err = <-st.errc:
				default:
				}
				return Splat{}, 0, false
			}
			st.cur = block
			st.curPos = 0
			st.layout = st.set.readers[block.file].Layout()
		}

		record := st.cur.buf[st.curPos*st.layout.VertexSize:]
		id := st.cur.firstID + uint64(st.curPos)
		st.curPos++

		splat := decode(record, st.layout)
		if splat.IsFinite() {
			metricSplatsRead.Inc()
			return splat, id, true
		}
		st.nonFinite++
	}
}

// Err returns the read error that terminated the stream, if any.
func (st *Stream) Err() error {
	return st.err
}

// NonFinite returns the number of non-finite splats skipped so far.
func (st *Stream) NonFinite() uint64 {
	return st.nonFinite
}

// Close releases the stream. It is safe to call before the stream is
// drained.
func (st *Stream) Close() {
	close(st.stop)
	for range st.out {
	}
}
