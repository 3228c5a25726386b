package pipe

import (
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCircularBufferHalfCapacity(t *testing.T) {
	b := NewCircularBuffer("test", 64)

	a, n, err := b.Allocate(1, 1000)
	require.NoError(t, err)
	require.LessOrEqual(t, n, 32)
	require.Len(t, a.Data, n)
	b.Free(a)
}

func TestCircularBufferOversizedElement(t *testing.T) {
	b := NewCircularBuffer("test", 64)

	_, _, err := b.Allocate(33, 1)
	require.Error(t, err)
	require.Equal(t, ErrTypeMemoryPressure, errors.Type(err))
}

func TestCircularBufferNonOverlapping(t *testing.T) {
	b := NewCircularBuffer("test", 256)

	// walk many allocations around the ring; concurrently free in order and
	// check regions never overlap.
	type handed struct {
		a Alloc
		n int
	}
	ch := make(chan handed, 4)

	var liveMu sync.Mutex
	live := map[int]int{} // start -> length of regions not yet freed

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for h := range ch {
			// scribble over the region while later allocations are live
			for i := range h.a.Data {
				h.a.Data[i] ^= 0xff
			}
			time.Sleep(time.Millisecond)
			liveMu.Lock()
			delete(live, h.a.start)
			liveMu.Unlock()
			b.Free(h.a)
		}
	}()

	for i := 0; i < 200; i++ {
		size := 7 + i%23
		a, n, err := b.Allocate(size, 3)
		require.NoError(t, err)
		require.Greater(t, n, 0)
		require.LessOrEqual(t, n*size, 128)
		require.Len(t, a.Data, n*size)
		liveMu.Lock()
		for s, l := range live {
			require.False(t, a.start < s+l && s < a.start+len(a.Data),
				"region [%d,%d) overlaps live [%d,%d)", a.start, a.start+len(a.Data), s, s+l)
		}
		live[a.start] = len(a.Data)
		liveMu.Unlock()
		ch <- handed{a: a, n: n}
	}
	close(ch)
	wg.Wait()
}

func TestCircularBufferContiguous(t *testing.T) {
	b := NewCircularBuffer("test", 64)

	// fill most of the ring, free, and allocate again so the free space
	// wraps; the returned slice must still be contiguous.
	a1, n1, err := b.Allocate(8, 3)
	require.NoError(t, err)
	require.Equal(t, 3, n1)

	a2, _, err := b.Allocate(8, 1)
	require.NoError(t, err)

	b.Free(a1)

	a3, n3, err := b.Allocate(8, 3)
	require.NoError(t, err)
	require.Greater(t, n3, 0)
	require.Len(t, a3.Data, n3*8)

	b.Free(a2)
	b.Free(a3)
}

func TestCircularBufferStopUnblocks(t *testing.T) {
	b := NewCircularBuffer("test", 32)

	a, _, err := b.Allocate(16, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := b.Allocate(16, 1)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Stop()

	select {
	case err := <-done:
		require.Error(t, err)
		require.Equal(t, ErrTypeStopped, errors.Type(err))
	case <-time.After(time.Second):
		t.Fatal("Allocate did not unblock on Stop")
	}
	_ = a
}

func TestWorkQueueStop(t *testing.T) {
	q := NewWorkQueue[int](2)

	require.True(t, q.Push(1))
	require.True(t, q.Push(2))

	done := make(chan bool, 1)
	go func() {
		ok := q.Push(3)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Stop()
	require.False(t, <-done)

	_, ok := q.Pop()
	require.False(t, ok)
}

func TestWorkQueueCloseDrains(t *testing.T) {
	q := NewWorkQueue[int](4)
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	q.Close()

	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, 2, v)
	_, ok = q.Pop()
	require.False(t, ok)
}

func TestWorkerGroup(t *testing.T) {
	var mu sync.Mutex
	var got []byte

	g := NewWorkerGroup[byte]("test", 4, 128, RunnerFunc[byte](func(item *Item[byte]) error {
		mu.Lock()
		got = append(got, item.Value)
		mu.Unlock()
		return nil
	}))
	g.Start(1)

	for i := byte(0); i < 10; i++ {
		a, err := g.Get(8)
		require.NoError(t, err)
		require.True(t, g.Push(i, a))
	}
	require.NoError(t, g.Stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 10)
}
