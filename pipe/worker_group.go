package pipe

import (
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// Item is a unit of work whose payload was borrowed from a worker group's
// circular buffer. The worker group frees the payload after Process
// returns.
type Item[T any] struct {
	Value T
	Alloc Alloc
}

// Runner processes items popped from a worker group's queue.
type Runner[T any] interface {
	Process(item *Item[T]) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc[T any] func(item *Item[T]) error

func (f RunnerFunc[T]) Process(item *Item[T]) error {
	return f(item)
}

// WorkerGroup is a pool of goroutines draining a bounded queue of items
// whose payloads are allocated from a dedicated circular buffer. Producers
// call Get to borrow backing store (blocking for backpressure), fill it,
// then Push; workers drain the queue and return the store.
//
// The circular buffer requires in-order frees, so groups whose items carry
// payloads run a single worker; only payload-free groups should start
// more.
type WorkerGroup[T any] struct {
	name   string
	queue  *WorkQueue[*Item[T]]
	buffer *CircularBuffer
	runner Runner[T]

	wg sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewWorkerGroup builds a group named for diagnostics, with a queue bound
// and bufferBytes of payload backing store.
func NewWorkerGroup[T any](name string, queueSize, bufferBytes int, runner Runner[T]) *WorkerGroup[T] {
	return &WorkerGroup[T]{
		name:   name,
		queue:  NewWorkQueue[*Item[T]](queueSize),
		buffer: NewCircularBuffer(name, bufferBytes),
		runner: runner,
	}
}

// Start launches the worker goroutines.
func (g *WorkerGroup[T]) Start(workers int) {
	for i := 0; i < workers; i++ {
		g.wg.Add(1)
		go g.run()
	}
}

func (g *WorkerGroup[T]) run() {
	defer g.wg.Done()
	for {
		item, ok := g.queue.Pop()
		if !ok {
			return
		}
		err := g.runner.Process(item)
		if item.Alloc.Data != nil {
			g.buffer.Free(item.Alloc)
		}
		if err != nil {
			g.fail(err)
			return
		}
	}
}

func (g *WorkerGroup[T]) fail(err error) {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	g.mu.Unlock()
	logs.WithTag("worker_group", g.name).Error(err)
	g.queue.Stop()
	g.buffer.Stop()
}

// Get borrows size bytes of payload store, blocking until available.
func (g *WorkerGroup[T]) Get(size int) (Alloc, error) {
	if size == 0 {
		return Alloc{}, nil
	}
	a, _, err := g.buffer.Allocate(size, 1)
	if err != nil {
		return Alloc{}, errors.New("worker group allocation failed").
			WithTag("worker_group", g.name).
			Wrap(err)
	}
	return a, nil
}

// Push enqueues an item for processing. It reports false if the group was
// stopped by a failure.
func (g *WorkerGroup[T]) Push(value T, alloc Alloc) bool {
	return g.queue.Push(&Item[T]{Value: value, Alloc: alloc})
}

// Stop drains the queue and joins the workers, returning the first
// processing error if any occurred.
func (g *WorkerGroup[T]) Stop() error {
	g.queue.Close()
	g.wg.Wait()
	g.buffer.Stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Abort cancels the group without draining.
func (g *WorkerGroup[T]) Abort() {
	g.queue.Stop()
	g.buffer.Stop()
	g.wg.Wait()
}
