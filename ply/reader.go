// Package ply reads and writes the subset of the PLY format the
// reconstruction pipeline uses: binary little-endian vertex elements for
// input splats, and vertex+face elements for output meshes.
package ply

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	// ErrTypeIO marks file access failures.
	ErrTypeIO = "io_error"

	// ErrTypeFormat marks files that are not usable splat input.
	ErrTypeFormat = "invalid_format"
)

var splatProperties = []string{"x", "y", "z", "nx", "ny", "nz", "radius"}

var scalarSizes = map[string]int{
	"int8": 1, "uint8": 1, "char": 1, "uchar": 1,
	"int16": 2, "uint16": 2, "short": 2, "ushort": 2,
	"int32": 4, "uint32": 4, "int": 4, "uint": 4, "float32": 4, "float": 4,
	"int64": 8, "uint64": 8, "float64": 8, "double": 8,
}

// Layout describes where the seven splat fields sit inside one vertex
// record.
type Layout struct {
	VertexSize int
	// Offsets of x, y, z, nx, ny, nz, radius, in that order.
	Offsets [7]int
}

// Reader provides random access to the raw vertex records of one PLY file.
// It is safe to create multiple handles on the same reader; concurrent
// reads go through per-handle file descriptors.
type Reader struct {
	path       string
	layout     Layout
	numVertex  uint64
	dataOffset int64
}

// Open parses the header of a splat PLY file. The vertex element must be
// the first element and must carry float32 x/y/z/nx/ny/nz/radius
// properties; additional scalar properties are skipped.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New("opening ply file failed").
			WithType(ErrTypeIO).
			WithTag("path", path).
			Wrap(err)
	}
	defer f.Close()

	r := &Reader{path: path}
	if err := r.parseHeader(f); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseHeader(f *os.File) error {
	badFormat := func(msg string) error {
		return errors.New(msg).
			WithType(ErrTypeFormat).
			WithTag("path", r.path)
	}

	br := bufio.NewReader(f)
	var consumed int64

	readLine := func() (string, error) {
		line, err := br.ReadString('\n')
		consumed += int64(len(line))
		return strings.TrimRight(line, "\r\n"), err
	}

	line, err := readLine()
	if err != nil || line != "ply" {
		return badFormat("missing ply magic")
	}

	var (
		sawFormat   bool
		inVertex    bool
		vertexFirst = true
		firstElem   = true
		offset      int
		have        int
	)
	for i := range r.layout.Offsets {
		r.layout.Offsets[i] = -1
	}

	for {
		line, err = readLine()
		if err != nil {
			return badFormat("truncated ply header")
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "comment", "obj_info":
		case "format":
			if len(fields) != 3 || fields[1] != "binary_little_endian" || fields[2] != "1.0" {
				return badFormat("unsupported ply format, need binary_little_endian 1.0")
			}
			sawFormat = true
		case "element":
			if len(fields) != 3 {
				return badFormat("malformed element declaration")
			}
			if fields[1] == "vertex" {
				if !firstElem {
					vertexFirst = false
				}
				n, err := strconv.ParseUint(fields[2], 10, 64)
				if err != nil {
					return badFormat("malformed vertex count")
				}
				r.numVertex = n
				inVertex = true
			} else {
				inVertex = false
			}
			firstElem = false
		case "property":
			if !inVertex {
				continue
			}
			if fields[1] == "list" {
				return badFormat("list property in vertex element")
			}
			if len(fields) != 3 {
				return badFormat("malformed property declaration")
			}
			size, ok := scalarSizes[fields[1]]
			if !ok {
				return badFormat("unknown property type " + fields[1])
			}
			for i, name := range splatProperties {
				if fields[2] == name {
					if fields[1] != "float32" && fields[1] != "float" {
						return badFormat("property " + name + " must be float32")
					}
					r.layout.Offsets[i] = offset
					have++
				}
			}
			offset += size
		case "end_header":
			if !sawFormat {
				return badFormat("missing format declaration")
			}
			if r.numVertex > 0 && !vertexFirst {
				return badFormat("vertex element must be first")
			}
			if have != len(splatProperties) {
				return badFormat("missing splat properties")
			}
			r.layout.VertexSize = offset
			r.dataOffset = consumed
			return nil
		default:
			return badFormat("unknown header keyword " + fields[0])
		}
	}
}

// NumVertices returns the vertex count declared by the header.
func (r *Reader) NumVertices() uint64 {
	return r.numVertex
}

// Layout returns the vertex record layout.
func (r *Reader) Layout() Layout {
	return r.layout
}

// Handle is one open descriptor on the file, for use by a single reader
// goroutine.
type Handle struct {
	reader *Reader
	f      *os.File
}

// NewHandle opens a descriptor for raw vertex reads.
func (r *Reader) NewHandle() (*Handle, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, errors.New("opening ply handle failed").
			WithType(ErrTypeIO).
			WithTag("path", r.path).
			Wrap(err)
	}
	return &Handle{reader: r, f: f}, nil
}

// ReadRaw fills buf with the raw vertex records [first, first+n) where
// n = len(buf) / vertexSize.
func (h *Handle) ReadRaw(first uint64, buf []byte) error {
	size := h.reader.layout.VertexSize
	if len(buf)%size != 0 {
		return errors.New("raw read not a whole number of vertices").
			WithType(ErrTypeFormat).
			WithTag("path", h.reader.path)
	}
	off := h.reader.dataOffset + int64(first)*int64(size)
	if n, err := h.f.ReadAt(buf, off); err != nil && !(err == io.EOF && n == len(buf)) {
		return errors.New("reading ply vertices failed").
			WithType(ErrTypeIO).
			WithTag("path", h.reader.path).
			WithTag("first", first).
			Wrap(err)
	}
	return nil
}

func (h *Handle) Close() error {
	return h.f.Close()
}
