// Package compute is the thin accelerator abstraction the device pipeline
// runs on: contexts, in-order asynchronous command queues, buffers and
// completion events. The reference implementation executes commands on a
// queue-owned goroutine; any compute API offering asynchronous command
// queues with event dependencies can sit behind the same surface.
package compute

import (
	"runtime"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	// ErrTypeDevice marks accelerator failures. They are fatal for the
	// rank that observes them.
	ErrTypeDevice = "device_error"

	// ErrTypeInvalidDevice marks devices lacking a required capability.
	ErrTypeInvalidDevice = "invalid_device"
)

// Device describes one accelerator.
type Device struct {
	Name string

	// Parallelism is the lane count used to size work partitions.
	Parallelism int
}

// Devices enumerates the accelerators available to this rank.
func Devices() []Device {
	return []Device{{
		Name:        "cpu0",
		Parallelism: runtime.NumCPU(),
	}}
}

// Context owns the resources shared by the queues of one device. A context
// must only be used from the dispatch goroutine that created it.
type Context struct {
	device Device

	mu     sync.Mutex
	queues []*Queue
	closed bool
}

// NewContext acquires a context on the device.
func NewContext(device Device) (*Context, error) {
	if device.Parallelism < 1 {
		return nil, errors.New("device reports no parallelism").
			WithType(ErrTypeInvalidDevice).
			WithTag("device", device.Name)
	}
	return &Context{device: device}, nil
}

// Device returns the context's device.
func (c *Context) Device() Device {
	return c.device
}

// Close releases the context and every queue created from it.
func (c *Context) Close() {
	c.mu.Lock()
	queues := c.queues
	c.queues = nil
	c.closed = true
	c.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
}

// Event tracks completion of one enqueued command.
type Event struct {
	done chan struct{}
	err  error
}

// Wait blocks until the command completed and returns its error.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// WaitAll waits for a group of events, returning the first error.
func WaitAll(events ...*Event) error {
	var first error
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := e.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Queue is an in-order asynchronous command queue. Commands run one at a
// time on the queue's goroutine; once a command fails the queue is poisoned
// and every later command completes immediately with the same error.
type Queue struct {
	ctx  *Context
	cmds chan command

	mu     sync.Mutex
	broken error
	closed bool

	wg sync.WaitGroup
}

type command struct {
	run   func() error
	deps  []*Event
	event *Event
}

// NewQueue creates a command queue on the context.
func (c *Context) NewQueue() (*Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("context is closed").
			WithType(ErrTypeDevice).
			WithTag("device", c.device.Name)
	}
	q := &Queue{ctx: c, cmds: make(chan command, 64)}
	q.wg.Add(1)
	go q.run()
	c.queues = append(c.queues, q)
	return q, nil
}

func (q *Queue) run() {
	defer q.wg.Done()
	for cmd := range q.cmds {
		err := q.failure()
		if err == nil {
			for _, dep := range cmd.deps {
				if dep == nil {
					continue
				}
				if derr := dep.Wait(); derr != nil {
					err = derr
					break
				}
			}
		}
		if err == nil {
			err = q.guard(cmd.run)
		}
		if err != nil {
			q.poison(err)
		}
		cmd.event.err = err
		close(cmd.event.done)
	}
}

func (q *Queue) guard(run func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("device command panicked: %v", r).
				WithType(ErrTypeDevice).
				WithTag("device", q.ctx.device.Name)
		}
	}()
	return run()
}

func (q *Queue) poison(err error) {
	q.mu.Lock()
	if q.broken == nil {
		q.broken = err
	}
	q.mu.Unlock()
}

func (q *Queue) failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.broken
}

// Enqueue submits a command that runs after its dependencies complete. The
// returned event fires when the command finished.
func (q *Queue) Enqueue(run func() error, deps ...*Event) *Event {
	event := &Event{done: make(chan struct{})}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		event.err = errors.New("queue is closed").
			WithType(ErrTypeDevice).
			WithTag("device", q.ctx.device.Name)
		close(event.done)
		return event
	}

	q.cmds <- command{run: run, deps: deps, event: event}
	return event
}

// Finish drains the queue, returning the first failure.
func (q *Queue) Finish() error {
	return q.Enqueue(func() error { return nil }).Wait()
}

// Close drains pending commands and stops the queue goroutine.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.cmds)
	q.wg.Wait()
}

// Buffer is a typed device allocation.
type Buffer[T any] struct {
	Data []T
}

// NewBuffer allocates a device buffer of n elements.
func NewBuffer[T any](n int) *Buffer[T] {
	return &Buffer[T]{Data: make([]T, n)}
}

// Len returns the element count.
func (b *Buffer[T]) Len() int {
	return len(b.Data)
}

// Image2D is a 2D scalar field on the device, used for the slab scan's
// consecutive z-plane values.
type Image2D struct {
	Width  int
	Height int
	Pixels []float32
}

// NewImage2D allocates a width×height scalar image.
func NewImage2D(width, height int) *Image2D {
	return &Image2D{Width: width, Height: height, Pixels: make([]float32, width*height)}
}

// At returns the scalar at (x, y).
func (img *Image2D) At(x, y int) float32 {
	return img.Pixels[y*img.Width+x]
}
