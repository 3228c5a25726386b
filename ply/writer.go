package ply

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

func floatBits(f float32) uint32 {
	return math.Float32bits(f)
}

// Writer streams a binary little-endian mesh to one PLY file. Vertex and
// triangle counts are declared up front; Close verifies that exactly the
// declared amounts were written. Abort removes the partial file, which is
// the cleanup path on any pipeline failure.
type Writer struct {
	path string
	f    *os.File
	w    *bufio.Writer

	numVertices  uint64
	numTriangles uint64
	wroteVertex  uint64
	wroteTri     uint64

	scratch [13]byte
}

// NewWriter creates the output file and writes its header.
func NewWriter(path string, numVertices, numTriangles uint64) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.New("creating ply output failed").
			WithType(ErrTypeIO).
			WithTag("path", path).
			Wrap(err)
	}

	w := &Writer{
		path:         path,
		f:            f,
		w:            bufio.NewWriterSize(f, 1<<20),
		numVertices:  numVertices,
		numTriangles: numTriangles,
	}

	header := fmt.Sprintf("ply\nformat binary_little_endian 1.0\n"+
		"element vertex %d\n"+
		"property float32 x\nproperty float32 y\nproperty float32 z\n"+
		"element face %d\n"+
		"property list uint8 uint32 vertex_indices\n"+
		"end_header\n", numVertices, numTriangles)
	if _, err := w.w.WriteString(header); err != nil {
		w.Abort()
		return nil, errors.New("writing ply header failed").
			WithType(ErrTypeIO).
			WithTag("path", path).
			Wrap(err)
	}
	return w, nil
}

// WriteVertex appends one position.
func (w *Writer) WriteVertex(x, y, z float32) error {
	b := w.scratch[:12]
	binary.LittleEndian.PutUint32(b[0:], floatBits(x))
	binary.LittleEndian.PutUint32(b[4:], floatBits(y))
	binary.LittleEndian.PutUint32(b[8:], floatBits(z))
	if _, err := w.w.Write(b); err != nil {
		return errors.New("writing ply vertex failed").
			WithType(ErrTypeIO).
			WithTag("path", w.path).
			Wrap(err)
	}
	w.wroteVertex++
	return nil
}

// WriteTriangle appends one triangle.
func (w *Writer) WriteTriangle(a, b, c uint32) error {
	buf := w.scratch[:13]
	buf[0] = 3
	binary.LittleEndian.PutUint32(buf[1:], a)
	binary.LittleEndian.PutUint32(buf[5:], b)
	binary.LittleEndian.PutUint32(buf[9:], c)
	if _, err := w.w.Write(buf); err != nil {
		return errors.New("writing ply triangle failed").
			WithType(ErrTypeIO).
			WithTag("path", w.path).
			Wrap(err)
	}
	w.wroteTri++
	return nil
}

// Close flushes and closes the file, verifying the declared counts.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	defer func() { w.f = nil }()

	if w.wroteVertex != w.numVertices || w.wroteTri != w.numTriangles {
		w.Abort()
		return errors.New("ply output element counts do not match header").
			WithType(ErrTypeFormat).
			WithTag("path", w.path).
			WithTag("declared_vertices", w.numVertices).
			WithTag("written_vertices", w.wroteVertex).
			WithTag("declared_triangles", w.numTriangles).
			WithTag("written_triangles", w.wroteTri)
	}
	if err := w.w.Flush(); err != nil {
		w.Abort()
		return errors.New("flushing ply output failed").
			WithType(ErrTypeIO).
			WithTag("path", w.path).
			Wrap(err)
	}
	if err := w.f.Close(); err != nil {
		return errors.New("closing ply output failed").
			WithType(ErrTypeIO).
			WithTag("path", w.path).
			Wrap(err)
	}
	return nil
}

// Abort closes and deletes the partial file.
func (w *Writer) Abort() {
	if w.f == nil {
		return
	}
	w.f.Close()
	os.Remove(w.path)
	w.f = nil
}
