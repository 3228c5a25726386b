package mesher

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/google/uuid"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/mesh"
	"github.com/frustreated/mlsgpu/pipe"
	"github.com/frustreated/mlsgpu/stats"
)

const (
	// ErrTypeIO marks spill and output file failures.
	ErrTypeIO = "io_error"

	// ErrTypeInternal marks invariant violations that indicate a bug
	// upstream.
	ErrTypeInternal = "internal_error"
)

const (
	vertexRecord   = 12 // 3 x f32
	triangleRecord = 12 // 3 x u32

	vertexSpillName   = "vertices.bin"
	triangleSpillName = "triangles.bin"
	sidecarName       = "index.bin"
)

// Config tunes the assembler.
type Config struct {
	// TmpDir is where the spill directory is created.
	TmpDir string

	// Output is the PLY path (single file) or the chunked base path.
	Output string

	// Chunked selects per-chunk output files named
	// <base>_GGGG_XXXX_YYYY_ZZZZ.ply.
	Chunked bool

	// PruneThreshold is the component size cutoff as a fraction of total
	// vertices, in [0, 1].
	PruneThreshold float64

	// MemMesh is the byte size of the spill writer's buffer.
	MemMesh int

	// KeepSpill leaves the spill directory behind on success, for tests
	// and for crash forensics.
	KeepSpill bool
}

// fragRecord locates one fragment inside the spill streams.
type fragRecord struct {
	chunk       bucket.ChunkID
	firstGlobal uint32
	numFresh    uint32
	triOffset   uint64
	numTris     uint64
}

// spillTarget routes a writer-group item to one of the spill files.
type spillTarget struct {
	file *os.File
	n    int
}

// Mesher is the out-of-core assembler running on the root: it welds
// external vertices by key, tracks connected components, spills geometry
// to temp files and finalizes into PLY output.
type Mesher struct {
	cfg Config
	dir string

	mu      sync.Mutex
	keyMaps map[bucket.ChunkID]map[uint64]uint32
	uf      UnionFind
	nextID  uint32
	frags   []fragRecord

	vfile *os.File
	tfile *os.File
	voff  uint64
	toff  uint64

	writer *pipe.WorkerGroup[spillTarget]
}

// New creates the spill directory and starts the background spill writer.
func New(cfg Config) (*Mesher, error) {
	dir := filepath.Join(cfg.TmpDir, "mlsgpu-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New("creating spill directory failed").
			WithType(ErrTypeIO).
			WithTag("dir", dir).
			Wrap(err)
	}

	m := &Mesher{
		cfg:     cfg,
		dir:     dir,
		keyMaps: map[bucket.ChunkID]map[uint64]uint32{},
	}

	var err error
	if m.vfile, err = os.Create(filepath.Join(dir, vertexSpillName)); err != nil {
		return nil, errors.New("creating vertex spill failed").
			WithType(ErrTypeIO).
			WithTag("dir", dir).
			Wrap(err)
	}
	if m.tfile, err = os.Create(filepath.Join(dir, triangleSpillName)); err != nil {
		m.vfile.Close()
		return nil, errors.New("creating triangle spill failed").
			WithType(ErrTypeIO).
			WithTag("dir", dir).
			Wrap(err)
	}

	memMesh := cfg.MemMesh
	if memMesh <= 0 {
		memMesh = 64 << 20
	}
	m.writer = pipe.NewWorkerGroup[spillTarget]("mesher-spill", 8, memMesh,
		pipe.RunnerFunc[spillTarget](func(item *pipe.Item[spillTarget]) error {
			if _, err := item.Value.file.Write(item.Alloc.Data[:item.Value.n]); err != nil {
				return errors.New("spill write failed").
					WithType(ErrTypeIO).
					Wrap(err)
			}
			metricSpillBytes.Add(float64(item.Value.n))
			return nil
		}))
	// a single writer keeps the append order deterministic
	m.writer.Start(1)

	logs.WithTag("dir", dir).Debug("mesher spill ready")
	return m, nil
}

// SpillDir returns the spill directory path, usable with Resume.
func (m *Mesher) SpillDir() string {
	return m.dir
}

// Add ingests one fragment: external keys are remapped to global vertex
// ids, triangles feed the union-find, and the geometry is appended to the
// spill streams through the background writer.
func (m *Mesher) Add(f *mesh.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Chunked && (f.Chunk != bucket.ChunkID{}) {
		return errors.New("chunked fragment in single-file output").
			WithType(ErrTypeInternal).
			WithTag("chunk_gen", f.Chunk.Gen).
			WithTag("chunk_coord", f.Chunk.Coord)
	}

	keys := m.keyMaps[f.Chunk]
	if keys == nil {
		keys = map[uint64]uint32{}
		m.keyMaps[f.Chunk] = keys
	}

	firstFresh := m.nextID
	global := make([]uint32, len(f.Vertices))
	fresh := make([]uint32, 0, len(f.Vertices)) // fragment-local indices of fresh vertices

	for i := range f.Vertices {
		if i >= f.NumInternal {
			key := f.Keys[i-f.NumInternal]
			if id, ok := keys[key]; ok {
				global[i] = id
				continue
			}
			id := m.uf.NewNode()
			keys[key] = id
			global[i] = id
			m.nextID++
			fresh = append(fresh, uint32(i))
			continue
		}
		global[i] = m.uf.NewNode()
		m.nextID++
		fresh = append(fresh, uint32(i))
	}

	for _, t := range f.Triangles {
		a, b, c := global[t[0]], global[t[1]], global[t[2]]
		m.uf.Union(a, b)
		m.uf.Union(b, c)
	}

	// spill fresh vertex positions, in global-id order
	if len(fresh) > 0 {
		alloc, err := m.writer.Get(len(fresh) * vertexRecord)
		if err != nil {
			return err
		}
		for k, i := range fresh {
			v := f.Vertices[i]
			binary.LittleEndian.PutUint32(alloc.Data[k*vertexRecord:], math.Float32bits(v[0]))
			binary.LittleEndian.PutUint32(alloc.Data[k*vertexRecord+4:], math.Float32bits(v[1]))
			binary.LittleEndian.PutUint32(alloc.Data[k*vertexRecord+8:], math.Float32bits(v[2]))
		}
		if !m.writer.Push(spillTarget{file: m.vfile, n: len(fresh) * vertexRecord}, alloc) {
			return m.writerFailure()
		}
		m.voff += uint64(len(fresh) * vertexRecord)
	}

	// spill triangles remapped to global ids
	triOffset := m.toff
	if len(f.Triangles) > 0 {
		alloc, err := m.writer.Get(len(f.Triangles) * triangleRecord)
		if err != nil {
			return err
		}
		for k, t := range f.Triangles {
			binary.LittleEndian.PutUint32(alloc.Data[k*triangleRecord:], global[t[0]])
			binary.LittleEndian.PutUint32(alloc.Data[k*triangleRecord+4:], global[t[1]])
			binary.LittleEndian.PutUint32(alloc.Data[k*triangleRecord+8:], global[t[2]])
		}
		if !m.writer.Push(spillTarget{file: m.tfile, n: len(f.Triangles) * triangleRecord}, alloc) {
			return m.writerFailure()
		}
		m.toff += uint64(len(f.Triangles) * triangleRecord)
	}

	m.frags = append(m.frags, fragRecord{
		chunk:       f.Chunk,
		firstGlobal: firstFresh,
		numFresh:    uint32(len(fresh)),
		triOffset:   triOffset,
		numTris:     uint64(len(f.Triangles)),
	})

	stats.Default.Add("mesher.fragments", 1)
	metricFragments.Inc()
	return nil
}

func (m *Mesher) writerFailure() error {
	if err := m.writer.Stop(); err != nil {
		return err
	}
	return errors.New("spill writer stopped").WithType(ErrTypeIO)
}

// Abort tears the assembler down and deletes the spill.
func (m *Mesher) Abort() {
	m.writer.Abort()
	m.vfile.Close()
	m.tfile.Close()
	os.RemoveAll(m.dir)
}
