package pipe

import (
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// ErrTypeMemoryPressure marks allocation requests that can never be
// satisfied by the buffer. It indicates a configuration bug.
const ErrTypeMemoryPressure = "memory_pressure"

// ErrTypeStopped marks blocking calls that were unblocked by Stop.
const ErrTypeStopped = "stopped"

// Alloc is a region handed out by CircularBuffer.Allocate. It must be
// returned with Free in the same order it was allocated.
type Alloc struct {
	Data []byte

	start int
	bytes int // including any skipped padding at the end of the ring
}

type region struct {
	start int
	bytes int
}

// CircularBuffer is a byte ring used to hand variable-sized host buffers
// from one pipeline stage to the next with backpressure. It is safe for one
// thread that allocates and one thread that frees; it is not safe for
// multi-producer or multi-consumer use, because memory must be freed in the
// same order it is allocated.
//
// Allocations are always contiguous (they never wrap around the end of the
// ring) and at most half the capacity is handed out in a single call, so
// that the two pipeline stages can overlap.
type CircularBuffer struct {
	name string

	mu      sync.Mutex
	space   *sync.Cond
	buf     []byte
	head    int // first live byte
	tail    int // first free byte
	live    []region
	stopped bool
}

// NewCircularBuffer reserves size bytes of backing store. The name is used
// for statistics and error reporting.
func NewCircularBuffer(name string, size int) *CircularBuffer {
	b := &CircularBuffer{
		name: name,
		buf:  make([]byte, size),
	}
	b.space = sync.NewCond(&b.mu)
	return b
}

// Size returns the number of bytes backing the buffer.
func (b *CircularBuffer) Size() int {
	return len(b.buf)
}

// Allocate returns a contiguous region holding as many elements as fit, up
// to maxElements and at most half the ring. It blocks until at least one
// element worth of contiguous space is free, or until Stop is called.
func (b *CircularBuffer) Allocate(elementSize, maxElements int) (Alloc, int, error) {
	if elementSize <= 0 || maxElements <= 0 {
		return Alloc{}, 0, errors.New("bad allocation request").
			WithType(ErrTypeMemoryPressure).
			WithTag("buffer", b.name).
			WithTag("element_size", elementSize).
			WithTag("max_elements", maxElements)
	}
	if elementSize > len(b.buf)/2 {
		return Alloc{}, 0, errors.New("element exceeds half the buffer capacity").
			WithType(ErrTypeMemoryPressure).
			WithTag("buffer", b.name).
			WithTag("element_size", elementSize).
			WithTag("capacity", len(b.buf))
	}

	want := maxElements
	if limit := (len(b.buf) / 2) / elementSize; want > limit {
		want = limit
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.stopped {
			return Alloc{}, 0, errors.New("circular buffer stopped").
				WithType(ErrTypeStopped).
				WithTag("buffer", b.name)
		}
		if a, n, ok := b.tryAllocate(elementSize, want); ok {
			return a, n, nil
		}
		b.space.Wait()
	}
}

// tryAllocate attempts a contiguous allocation with the lock held. The ring
// keeps one byte permanently free so head == tail always means empty.
func (b *CircularBuffer) tryAllocate(elementSize, maxElements int) (Alloc, int, bool) {
	need := elementSize

	// contiguous room after the tail
	endRoom := len(b.buf) - b.tail
	freeAfterTail := endRoom
	if b.head > b.tail {
		freeAfterTail = b.head - b.tail - 1
	} else if b.head == 0 {
		// wrapping to 0 would collide with head
		freeAfterTail = endRoom - 1
	}

	if freeAfterTail >= need {
		n := freeAfterTail / elementSize
		if n > maxElements {
			n = maxElements
		}
		bytes := n * elementSize
		a := Alloc{Data: b.buf[b.tail : b.tail+bytes], start: b.tail, bytes: bytes}
		b.live = append(b.live, region{start: b.tail, bytes: bytes})
		b.tail += bytes
		if b.tail == len(b.buf) {
			b.tail = 0
		}
		return a, n, true
	}

	// Not enough room at the end; try the start of the ring, recording the
	// skipped ring tail as a padding region. Only legal when the free space
	// wraps.
	if b.tail >= b.head && b.head > need {
		n := (b.head - 1) / elementSize
		if n > maxElements {
			n = maxElements
		}
		bytes := n * elementSize
		a := Alloc{Data: b.buf[0:bytes], start: 0, bytes: bytes}
		b.live = append(b.live, region{start: b.tail, bytes: endRoom}, region{start: 0, bytes: bytes})
		b.tail = bytes
		return a, n, true
	}

	return Alloc{}, 0, false
}

// Free returns a region to the ring. Calls must match Allocate calls in
// order.
func (b *CircularBuffer) Free(a Alloc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Pop padding regions first (inserted when an allocation skipped the end
	// of the ring), then the allocation itself.
	for {
		if len(b.live) == 0 {
			panic("pipe: Free without matching Allocate on " + b.name)
		}
		r := b.live[0]
		b.live = b.live[1:]
		b.head = r.start + r.bytes
		if b.head >= len(b.buf) {
			b.head = 0
		}
		if r.start == a.start && r.bytes == a.bytes {
			break
		}
	}
	b.space.Broadcast()
}

// Stop unblocks any waiting Allocate calls. Further allocations fail.
func (b *CircularBuffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.space.Broadcast()
}
