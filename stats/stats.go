package stats

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// Registry is a named collection of counters and accumulated durations. It
// is safe for concurrent use; per-rank registries are serialized and merged
// into the root's registry at shutdown.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]uint64
	peaks     map[string]uint64
	durations map[string]time.Duration
}

// Default is the process-wide registry.
var Default = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		counters:  map[string]uint64{},
		peaks:     map[string]uint64{},
		durations: map[string]time.Duration{},
	}
}

// Add increments a counter.
func (r *Registry) Add(name string, v uint64) {
	r.mu.Lock()
	r.counters[name] += v
	r.mu.Unlock()
}

// Peak raises a high-water mark.
func (r *Registry) Peak(name string, v uint64) {
	r.mu.Lock()
	if v > r.peaks[name] {
		r.peaks[name] = v
	}
	r.mu.Unlock()
}

// AddDuration accumulates elapsed time under a name.
func (r *Registry) AddDuration(name string, d time.Duration) {
	r.mu.Lock()
	r.durations[name] += d
	r.mu.Unlock()
}

// Counter returns the current value of a counter.
func (r *Registry) Counter(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Duration returns the accumulated time under a name.
func (r *Registry) Duration(name string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.durations[name]
}

// Durations snapshots the accumulated timing spans.
func (r *Registry) Durations() map[string]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Duration, len(r.durations))
	for name, d := range r.durations {
		out[name] = d
	}
	return out
}

// Timer measures a span of wall time into a registry.
type Timer struct {
	registry *Registry
	name     string
	start    time.Time
}

func (r *Registry) StartTimer(name string) *Timer {
	return &Timer{registry: r, name: name, start: time.Now()}
}

func (t *Timer) Stop() {
	t.registry.AddDuration(t.name, time.Since(t.start))
}

// kinds used by the binary serialization
const (
	kindCounter  = 1
	kindPeak     = 2
	kindDuration = 3
)

// MarshalBinary serializes the registry as a little-endian stream of
// (kind, name, value) records for the cross-rank merge at shutdown.
func (r *Registry) MarshalBinary() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf bytes.Buffer
	write := func(kind uint8, name string, v uint64) {
		buf.WriteByte(kind)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(name)))
		buf.Write(tmp[:])
		buf.WriteString(name)
		var val [8]byte
		binary.LittleEndian.PutUint64(val[:], v)
		buf.Write(val[:])
	}
	for name, v := range r.counters {
		write(kindCounter, name, v)
	}
	for name, v := range r.peaks {
		write(kindPeak, name, v)
	}
	for name, d := range r.durations {
		write(kindDuration, name, uint64(d))
	}
	return buf.Bytes(), nil
}

// Merge folds a serialized registry into this one: counters and durations
// add, peaks take the maximum.
func (r *Registry) Merge(data []byte) error {
	rd := bytes.NewReader(data)
	for rd.Len() > 0 {
		kind, err := rd.ReadByte()
		if err != nil {
			return errors.New("truncated statistics blob").Wrap(err)
		}
		var nameLen uint32
		if err := binary.Read(rd, binary.LittleEndian, &nameLen); err != nil {
			return errors.New("truncated statistics blob").Wrap(err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(rd, name); err != nil {
			return errors.New("truncated statistics blob").Wrap(err)
		}
		var v uint64
		if err := binary.Read(rd, binary.LittleEndian, &v); err != nil {
			return errors.New("truncated statistics blob").Wrap(err)
		}
		switch kind {
		case kindCounter:
			r.Add(string(name), v)
		case kindPeak:
			r.Peak(string(name), v)
		case kindDuration:
			r.AddDuration(string(name), time.Duration(v))
		default:
			return errors.New("unknown statistics record kind").
				WithTag("kind", kind)
		}
	}
	return nil
}

// WriteJSON dumps the registry sorted by name.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.Lock()
	type entry struct {
		Name  string `json:"name"`
		Kind  string `json:"kind"`
		Value uint64 `json:"value"`
	}
	var entries []entry
	for name, v := range r.counters {
		entries = append(entries, entry{Name: name, Kind: "counter", Value: v})
	}
	for name, v := range r.peaks {
		entries = append(entries, entry{Name: name, Kind: "peak", Value: v})
	}
	for name, d := range r.durations {
		entries = append(entries, entry{Name: name, Kind: "duration_ns", Value: uint64(d)})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.New("encoding statistics failed").Wrap(err)
	}
	_, err = w.Write(data)
	return err
}
