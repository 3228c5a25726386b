package mesher

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/ply"
	"github.com/frustreated/mlsgpu/stats"
)

var (
	sidecarMagic  = []byte("MLSGPUSPILL1")
	sidecarMarker = []byte("COMPLETE")
)

// Finalize welds, prunes and streams the spilled mesh to its PLY outputs,
// then removes the spill. The sidecar is written first so a crash during
// output writing stays resumable.
func (m *Mesher) Finalize() error {
	if err := m.writer.Stop(); err != nil {
		return err
	}
	if err := m.vfile.Sync(); err != nil {
		return spillErr("syncing vertex spill failed", m.dir, err)
	}
	if err := m.tfile.Sync(); err != nil {
		return spillErr("syncing triangle spill failed", m.dir, err)
	}

	if err := m.writeSidecar(); err != nil {
		return err
	}

	err := m.finalizeFromSpill()
	if err == nil && !m.cfg.KeepSpill {
		m.vfile.Close()
		m.tfile.Close()
		os.RemoveAll(m.dir)
	}
	return err
}

func spillErr(msg, dir string, err error) error {
	return errors.New(msg).
		WithType(ErrTypeIO).
		WithTag("dir", dir).
		Wrap(err)
}

// writeSidecar records everything finalization needs: the fragment index,
// the union-find state and the spill sizes, ending with the complete
// marker a resume insists on.
func (m *Mesher) writeSidecar() error {
	var buf bytes.Buffer
	buf.Write(sidecarMagic)

	var tmp [8]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp[:4], v)
		buf.Write(tmp[:4])
	}
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf.Write(tmp[:])
	}

	putU32(uint32(boolToInt(m.cfg.Chunked)))
	putU32(m.nextID)
	putU64(uint64(len(m.frags)))
	for _, f := range m.frags {
		putU32(f.chunk.Gen)
		for i := 0; i < 3; i++ {
			putU32(uint32(f.chunk.Coord[i]))
		}
		putU32(f.firstGlobal)
		putU32(f.numFresh)
		putU64(f.triOffset)
		putU64(f.numTris)
	}
	if err := m.uf.WriteTo(&buf); err != nil {
		return spillErr("serializing union-find failed", m.dir, err)
	}
	putU64(m.voff)
	putU64(m.toff)
	buf.Write(sidecarMarker)

	path := filepath.Join(m.dir, sidecarName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return spillErr("writing spill sidecar failed", m.dir, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Resume opens a spill directory left by a previous run and finalizes it.
// The sidecar must end with the complete marker; anything else is rejected
// as a corrupt partial run.
func Resume(dir string, cfg Config) error {
	data, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if err != nil {
		return spillErr("reading spill sidecar failed", dir, err)
	}
	if len(data) < len(sidecarMagic)+len(sidecarMarker) ||
		!bytes.Equal(data[:len(sidecarMagic)], sidecarMagic) ||
		!bytes.Equal(data[len(data)-len(sidecarMarker):], sidecarMarker) {
		return errors.New("spill sidecar is incomplete or corrupt").
			WithType(ErrTypeInternal).
			WithTag("dir", dir)
	}

	m := &Mesher{cfg: cfg, dir: dir}
	rd := bytes.NewReader(data[len(sidecarMagic) : len(data)-len(sidecarMarker)])

	var u32 uint32
	var u64v uint64
	readU32 := func() uint32 {
		binary.Read(rd, binary.LittleEndian, &u32)
		return u32
	}
	readU64 := func() uint64 {
		binary.Read(rd, binary.LittleEndian, &u64v)
		return u64v
	}

	m.cfg.Chunked = readU32() != 0
	m.nextID = readU32()
	numFrags := readU64()
	m.frags = make([]fragRecord, numFrags)
	for i := range m.frags {
		f := &m.frags[i]
		f.chunk.Gen = readU32()
		for j := 0; j < 3; j++ {
			f.chunk.Coord[j] = int32(readU32())
		}
		f.firstGlobal = readU32()
		f.numFresh = readU32()
		f.triOffset = readU64()
		f.numTris = readU64()
	}
	if err := m.uf.ReadFrom(rd); err != nil {
		return errors.New("spill sidecar is incomplete or corrupt").
			WithType(ErrTypeInternal).
			WithTag("dir", dir).
			Wrap(err)
	}
	m.voff = readU64()
	m.toff = readU64()

	if m.vfile, err = os.Open(filepath.Join(dir, vertexSpillName)); err != nil {
		return spillErr("opening vertex spill failed", dir, err)
	}
	if m.tfile, err = os.Open(filepath.Join(dir, triangleSpillName)); err != nil {
		m.vfile.Close()
		return spillErr("opening triangle spill failed", dir, err)
	}
	for _, check := range []struct {
		f    *os.File
		want uint64
	}{{m.vfile, m.voff}, {m.tfile, m.toff}} {
		st, err := check.f.Stat()
		if err != nil || uint64(st.Size()) != check.want {
			m.vfile.Close()
			m.tfile.Close()
			return errors.New("spill stream size does not match sidecar").
				WithType(ErrTypeInternal).
				WithTag("dir", dir)
		}
	}

	ferr := m.finalizeFromSpill()
	m.vfile.Close()
	m.tfile.Close()
	if ferr == nil && !cfg.KeepSpill {
		os.RemoveAll(dir)
	}
	return ferr
}

// OutputPath names the file one chunk is written to.
func OutputPath(base string, chunked bool, chunk bucket.ChunkID) string {
	if !chunked {
		return base
	}
	stem := strings.TrimSuffix(base, ".ply")
	return fmt.Sprintf("%s_%04d_%04d_%04d_%04d.ply",
		stem, chunk.Gen, chunk.Coord[0], chunk.Coord[1], chunk.Coord[2])
}

// finalizeFromSpill prunes small components and streams each chunk's kept
// geometry from the spill files into its PLY writer.
func (m *Mesher) finalizeFromSpill() error {
	timer := stats.Default.StartTimer("mesher.finalize.time")
	defer timer.Stop()

	total := uint64(m.nextID)
	threshold := uint64(m.cfg.PruneThreshold * float64(total))
	logs.WithTag("total_vertices", total).
		WithTag("prune_threshold", threshold).
		Info("finalizing mesh")

	// order chunks and group their fragments, keeping arrival order within
	// a chunk
	fragsByChunk := map[bucket.ChunkID][]int{}
	for i, f := range m.frags {
		fragsByChunk[f.chunk] = append(fragsByChunk[f.chunk], i)
	}
	chunks := make([]bucket.ChunkID, 0, len(fragsByChunk))
	for c := range fragsByChunk {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Less(chunks[j]) })

	// remap[id] is the chunk-local vertex id of every kept vertex
	remap := make([]uint32, m.nextID)
	kept := make([]bool, m.nextID)

	for _, chunk := range chunks {
		fragIdx := fragsByChunk[chunk]

		// counting pass: assign chunk-local ids to kept vertices and count
		// surviving triangles
		var numVertices uint64
		for _, fi := range fragIdx {
			f := m.frags[fi]
			for id := f.firstGlobal; id < f.firstGlobal+f.numFresh; id++ {
				root := m.uf.Find(id)
				if m.uf.Size(root) >= threshold {
					kept[id] = true
					remap[id] = uint32(numVertices)
					numVertices++
				}
			}
		}

		var numTriangles uint64
		for _, fi := range fragIdx {
			f := m.frags[fi]
			err := m.eachTriangle(f, func(a, b, c uint32) error {
				if kept[a] {
					numTriangles++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		if numVertices == 0 {
			continue
		}

		// writing pass
		path := OutputPath(m.cfg.Output, m.cfg.Chunked, chunk)
		w, err := ply.NewWriter(path, numVertices, numTriangles)
		if err != nil {
			return err
		}

		werr := m.writeChunk(w, fragIdx, kept, remap)
		if werr != nil {
			w.Abort()
			return werr
		}
		if err := w.Close(); err != nil {
			return err
		}

		stats.Default.Add("output.vertices", numVertices)
		stats.Default.Add("output.triangles", numTriangles)
		logs.WithTag("path", path).
			WithTag("vertices", numVertices).
			WithTag("triangles", numTriangles).
			Info("chunk written")
	}
	return nil
}

func (m *Mesher) writeChunk(w *ply.Writer, fragIdx []int, kept []bool, remap []uint32) error {
	for _, fi := range fragIdx {
		f := m.frags[fi]
		err := m.eachVertex(f, func(id uint32, x, y, z float32) error {
			if !kept[id] {
				return nil
			}
			return w.WriteVertex(x, y, z)
		})
		if err != nil {
			return err
		}
	}
	for _, fi := range fragIdx {
		f := m.frags[fi]
		err := m.eachTriangle(f, func(a, b, c uint32) error {
			if !kept[a] {
				return nil
			}
			return w.WriteTriangle(remap[a], remap[b], remap[c])
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// eachVertex streams one fragment's slice of the vertex spill.
func (m *Mesher) eachVertex(f fragRecord, fn func(id uint32, x, y, z float32) error) error {
	sec := io.NewSectionReader(m.vfile, int64(f.firstGlobal)*vertexRecord, int64(f.numFresh)*vertexRecord)
	rd := bufio.NewReaderSize(sec, 1<<20)
	var rec [vertexRecord]byte
	for id := f.firstGlobal; id < f.firstGlobal+f.numFresh; id++ {
		if _, err := io.ReadFull(rd, rec[:]); err != nil {
			return spillErr("reading vertex spill failed", m.dir, err)
		}
		x := f32(rec[0:])
		y := f32(rec[4:])
		z := f32(rec[8:])
		if err := fn(id, x, y, z); err != nil {
			return err
		}
	}
	return nil
}

// eachTriangle streams one fragment's slice of the triangle spill.
func (m *Mesher) eachTriangle(f fragRecord, fn func(a, b, c uint32) error) error {
	sec := io.NewSectionReader(m.tfile, int64(f.triOffset), int64(f.numTris)*triangleRecord)
	rd := bufio.NewReaderSize(sec, 1<<20)
	var rec [triangleRecord]byte
	for i := uint64(0); i < f.numTris; i++ {
		if _, err := io.ReadFull(rd, rec[:]); err != nil {
			return spillErr("reading triangle spill failed", m.dir, err)
		}
		a := binary.LittleEndian.Uint32(rec[0:])
		b := binary.LittleEndian.Uint32(rec[4:])
		c := binary.LittleEndian.Uint32(rec[8:])
		if err := fn(a, b, c); err != nil {
			return err
		}
	}
	return nil
}

func f32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
