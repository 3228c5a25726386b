package transport

import (
	"context"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/mesh"
	"github.com/frustreated/mlsgpu/pipe"
	"github.com/frustreated/mlsgpu/splats"
)

// rootConn is one worker's connection as seen by the root.
type rootConn struct {
	ws      *websocket.Conn
	rank    int
	writeMu sync.Mutex

	done bool // stats blob received; disconnects are expected now
}

func (c *rootConn) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := websocket.Message.Send(c.ws, data); err != nil {
		return errors.New("sending to worker failed").
			WithType(ErrTypeTransport).
			WithTag("rank", c.rank).
			Wrap(err)
	}
	return nil
}

type boundsMsg struct {
	rank         int
	ok           bool
	lower, upper [3]int32
}

type countsMsg struct {
	rank      int
	finite    uint64
	nonFinite uint64
}

type blobsMsg struct {
	rank  int
	blobs []splats.Blob
}

// Root is the rank-0 side of the transport: it serves worker connections,
// answers scatter demand, collects fragments, progress and statistics, and
// drives the collective exchanges of the blob index build.
type Root struct {
	numWorkers int

	batches   *pipe.WorkQueue[*bucket.Batch]
	fragments chan *mesh.Fragment
	progress  chan ProgressDelta
	statsIn   chan []byte

	boundsIn chan boundsMsg
	countsIn chan countsMsg
	blobsIn  chan blobsMsg

	mu     sync.Mutex
	conns  []*rootConn
	ready  chan struct{}
	joined int

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

// NewRoot prepares the root side for the given number of workers.
func NewRoot(numWorkers int) *Root {
	return &Root{
		numWorkers: numWorkers,
		batches:    pipe.NewWorkQueue[*bucket.Batch](4),
		fragments:  make(chan *mesh.Fragment, 16),
		progress:   make(chan ProgressDelta, 64),
		statsIn:    make(chan []byte, numWorkers),
		boundsIn:   make(chan boundsMsg, numWorkers),
		countsIn:   make(chan countsMsg, numWorkers),
		blobsIn:    make(chan blobsMsg, numWorkers),
		ready:      make(chan struct{}),
		aborted:    make(chan struct{}),
	}
}

// Handler returns the websocket handler to mount for worker connections.
func (r *Root) Handler() websocket.Handler {
	return websocket.Handler(r.handle)
}

func (r *Root) handle(ws *websocket.Conn) {
	defer ws.Close()
	ws.MaxPayloadBytes = maxMessageBytes

	c := &rootConn{ws: ws}

	r.mu.Lock()
	if r.joined >= r.numWorkers {
		r.mu.Unlock()
		logs.Warn("rejecting surplus worker connection")
		return
	}
	r.joined++
	c.rank = r.joined
	r.conns = append(r.conns, c)
	allJoined := r.joined == r.numWorkers
	r.mu.Unlock()

	hello := newWireWriter(tagHello)
	hello.u32(uint32(c.rank))
	hello.u32(uint32(r.numWorkers + 1))
	if err := c.send(hello.bytes()); err != nil {
		r.AbortWith(err)
		return
	}
	if allJoined {
		close(r.ready)
	}
	logs.WithTag("rank", c.rank).Info("worker joined")

	for {
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if !c.done && !r.isAborted() {
				r.AbortWith(errors.New("worker connection lost").
					WithType(ErrTypeTransport).
					WithTag("rank", c.rank).
					Wrap(err))
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		if err := r.dispatch(c, data[0], data[1:]); err != nil {
			r.AbortWith(err)
			return
		}
		if c.done {
			return
		}
	}
}

func (r *Root) dispatch(c *rootConn, tag byte, payload []byte) error {
	rd := &wireReader{data: payload}

	switch tag {
	case tagNeedWork:
		if r.isAborted() {
			return c.send([]byte{tagAbort})
		}
		batch, ok := r.batches.Pop()
		if !ok {
			// end of the pass: two-phase shutdown starts with count=0
			return c.send(marshalBatch(nil))
		}
		metricBatchesScattered.Inc()
		return c.send(marshalBatch(batch))

	case tagFragment:
		size := rd.u64()
		raw := rd.rest()
		if uint64(len(raw)) != size {
			return errors.New("fragment size prefix mismatch").
				WithType(ErrTypeTransport).
				WithTag("rank", c.rank)
		}
		f, err := mesh.Unmarshal(raw)
		if err != nil {
			return err
		}
		metricFragmentsGathered.Inc()
		select {
		case r.fragments <- f:
		case <-r.aborted:
		}
		return nil

	case tagProgress:
		delta := ProgressDelta{Delta: rd.u64(), Pass: rd.u32()}
		if err := rd.err("progress"); err != nil {
			return err
		}
		select {
		case r.progress <- delta:
		default: // progress is advisory; never stall the gather path
		}
		return nil

	case tagStats:
		c.done = true
		select {
		case r.statsIn <- rd.rest():
		case <-r.aborted:
		}
		return nil

	case tagAbort:
		r.AbortWith(errors.New("worker aborted the run").
			WithType(ErrTypeAborted).
			WithTag("rank", c.rank).
			WithTag("reason", string(rd.rest())))
		return nil

	case tagBounds:
		m := boundsMsg{rank: c.rank, ok: rd.u8() != 0}
		for i := 0; i < 3; i++ {
			m.lower[i] = rd.i32()
		}
		for i := 0; i < 3; i++ {
			m.upper[i] = rd.i32()
		}
		if err := rd.err("bounds"); err != nil {
			return err
		}
		r.boundsIn <- m
		return nil

	case tagCounts:
		m := countsMsg{rank: c.rank, finite: rd.u64(), nonFinite: rd.u64()}
		if err := rd.err("counts"); err != nil {
			return err
		}
		r.countsIn <- m
		return nil

	case tagBlobs:
		blobs, err := unmarshalBlobs(rd, "blobs")
		if err != nil {
			return err
		}
		r.blobsIn <- blobsMsg{rank: c.rank, blobs: blobs}
		return nil
	}

	return errors.New("unknown transport tag").
		WithType(ErrTypeTransport).
		WithTag("tag", tag).
		WithTag("rank", c.rank)
}

// WaitReady blocks until every worker joined.
func (r *Root) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-r.aborted:
		return r.Err()
	case <-ctx.Done():
		return errors.New("waiting for workers interrupted").
			WithType(ErrTypeAborted).
			Wrap(ctx.Err())
	}
}

// PushBatch queues one batch for the scatter channel. It blocks for
// backpressure and reports false after an abort.
func (r *Root) PushBatch(b *bucket.Batch) bool {
	return r.batches.Push(b)
}

// CloseBatches ends the scatter stream: every further NeedWork gets the
// count=0 shutdown response.
func (r *Root) CloseBatches() {
	r.batches.Close()
}

// Fragments returns the gather channel.
func (r *Root) Fragments() <-chan *mesh.Fragment {
	return r.fragments
}

// Progress returns the progress channel.
func (r *Root) Progress() <-chan ProgressDelta {
	return r.progress
}

// CollectStats gathers one statistics blob per worker at shutdown.
func (r *Root) CollectStats(ctx context.Context) ([][]byte, error) {
	blobs := make([][]byte, 0, r.numWorkers)
	for len(blobs) < r.numWorkers {
		select {
		case b := <-r.statsIn:
			blobs = append(blobs, b)
		case <-r.aborted:
			return nil, r.Err()
		case <-ctx.Done():
			return nil, errors.New("collecting statistics interrupted").
				WithType(ErrTypeAborted).
				Wrap(ctx.Err())
		}
	}
	return blobs, nil
}

// AbortWith broadcasts a global abort to every rank. The first error wins.
func (r *Root) AbortWith(err error) {
	r.abortOnce.Do(func() {
		r.abortErr = err
		logs.WithTag("rank", 0).Error(errors.New("aborting the run").Wrap(err))
		close(r.aborted)
		r.batches.Stop()

		r.mu.Lock()
		conns := append([]*rootConn(nil), r.conns...)
		r.mu.Unlock()
		for _, c := range conns {
			c.send([]byte{tagAbort})
		}
	})
}

func (r *Root) isAborted() bool {
	select {
	case <-r.aborted:
		return true
	default:
		return false
	}
}

// Aborted returns a channel closed on global abort.
func (r *Root) Aborted() <-chan struct{} {
	return r.aborted
}

// Err returns the abort error, if any.
func (r *Root) Err() error {
	select {
	case <-r.aborted:
		return r.abortErr
	default:
		return nil
	}
}

// Collective returns the root's side of the blob build exchange.
func (r *Root) Collective() splats.Collective {
	return &rootCollective{root: r}
}

type rootCollective struct {
	root *Root
}

func (c *rootCollective) Rank() int  { return 0 }
func (c *rootCollective) Ranks() int { return c.root.numWorkers + 1 }

func (c *rootCollective) gather(in func() (int, any, bool)) ([]any, error) {
	byRank := make([]any, c.Ranks())
	for n := 0; n < c.root.numWorkers; n++ {
		rank, v, ok := in()
		if !ok {
			return nil, c.root.Err()
		}
		byRank[rank] = v
	}
	return byRank, nil
}

func (c *rootCollective) broadcast(data []byte) error {
	c.root.mu.Lock()
	conns := append([]*rootConn(nil), c.root.conns...)
	c.root.mu.Unlock()
	for _, conn := range conns {
		if err := conn.send(data); err != nil {
			return err
		}
	}
	return nil
}

func (c *rootCollective) AllReduceBounds(lower, upper [3]int32, ok bool) ([3]int32, [3]int32, bool, error) {
	msgs, err := c.gather(func() (int, any, bool) {
		select {
		case m := <-c.root.boundsIn:
			return m.rank, m, true
		case <-c.root.aborted:
			return 0, nil, false
		}
	})
	if err != nil {
		return lower, upper, ok, err
	}

	for _, v := range msgs {
		if v == nil {
			continue
		}
		m := v.(boundsMsg)
		if !m.ok {
			continue
		}
		if !ok {
			lower, upper, ok = m.lower, m.upper, true
			continue
		}
		for i := 0; i < 3; i++ {
			if m.lower[i] < lower[i] {
				lower[i] = m.lower[i]
			}
			if m.upper[i] > upper[i] {
				upper[i] = m.upper[i]
			}
		}
	}

	res := newWireWriter(tagBoundsRes)
	res.u8(boolByte(ok))
	for i := 0; i < 3; i++ {
		res.i32(lower[i])
	}
	for i := 0; i < 3; i++ {
		res.i32(upper[i])
	}
	if err := c.broadcast(res.bytes()); err != nil {
		return lower, upper, ok, err
	}
	return lower, upper, ok, nil
}

func (c *rootCollective) AllReduceCounts(finite, nonFinite uint64) (uint64, uint64, error) {
	msgs, err := c.gather(func() (int, any, bool) {
		select {
		case m := <-c.root.countsIn:
			return m.rank, m, true
		case <-c.root.aborted:
			return 0, nil, false
		}
	})
	if err != nil {
		return finite, nonFinite, err
	}
	for _, v := range msgs {
		if v == nil {
			continue
		}
		m := v.(countsMsg)
		finite += m.finite
		nonFinite += m.nonFinite
	}

	res := newWireWriter(tagCountsRes)
	res.u64(finite)
	res.u64(nonFinite)
	if err := c.broadcast(res.bytes()); err != nil {
		return finite, nonFinite, err
	}
	return finite, nonFinite, nil
}

func (c *rootCollective) AllGatherBlobs(local []splats.Blob) ([]splats.Blob, error) {
	msgs, err := c.gather(func() (int, any, bool) {
		select {
		case m := <-c.root.blobsIn:
			return m.rank, m, true
		case <-c.root.aborted:
			return 0, nil, false
		}
	})
	if err != nil {
		return nil, err
	}

	// concatenate in rank order so blob ids stay sorted
	all := append([]splats.Blob(nil), local...)
	for rank := 1; rank < c.Ranks(); rank++ {
		if msgs[rank] == nil {
			continue
		}
		all = append(all, msgs[rank].(blobsMsg).blobs...)
	}

	if err := c.broadcast(marshalBlobs(tagBlobsRes, all)); err != nil {
		return nil, err
	}
	return all, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
