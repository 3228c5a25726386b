package transport

import (
	"context"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/mesh"
	"github.com/frustreated/mlsgpu/splats"
	"github.com/frustreated/mlsgpu/stats"
)

// Worker is a worker rank's side of the transport. Sends may come from the
// gather worker group concurrently with the demand loop; receives happen
// only on the goroutine driving the worker pipeline.
type Worker struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	rank  int
	ranks int

	pass uint32
}

// Dial connects to the root's transport endpoint and completes the rank
// handshake.
func Dial(ctx context.Context, endpoint, origin string) (*Worker, error) {
	cfg, err := websocket.NewConfig(endpoint, origin)
	if err != nil {
		return nil, errors.New("bad transport endpoint").
			WithType(ErrTypeTransport).
			WithTag("endpoint", endpoint).
			Wrap(err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, errors.New("dialing the root failed").
			WithType(ErrTypeTransport).
			WithTag("endpoint", endpoint).
			Wrap(err)
	}
	ws.MaxPayloadBytes = maxMessageBytes

	w := &Worker{ws: ws}

	tag, rd, err := w.recv()
	if err != nil {
		ws.Close()
		return nil, err
	}
	if tag != tagHello {
		ws.Close()
		return nil, errors.New("expected hello from root").
			WithType(ErrTypeTransport).
			WithTag("tag", tag)
	}
	w.rank = int(rd.u32())
	w.ranks = int(rd.u32())
	if err := rd.err("hello"); err != nil {
		ws.Close()
		return nil, err
	}

	logs.WithTag("rank", w.rank).
		WithTag("ranks", w.ranks).
		Info("connected to root")
	return w, nil
}

// Rank returns this worker's rank (1-based; the root is rank 0).
func (w *Worker) Rank() int {
	return w.rank
}

// Close shuts the connection down.
func (w *Worker) Close() {
	w.ws.Close()
}

func (w *Worker) send(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := websocket.Message.Send(w.ws, data); err != nil {
		return errors.New("sending to root failed").
			WithType(ErrTypeTransport).
			Wrap(err)
	}
	return nil
}

// recv reads one message, surfacing a global abort as an error.
func (w *Worker) recv() (byte, *wireReader, error) {
	var data []byte
	if err := websocket.Message.Receive(w.ws, &data); err != nil {
		return 0, nil, errors.New("receiving from root failed").
			WithType(ErrTypeTransport).
			Wrap(err)
	}
	if len(data) == 0 {
		return 0, nil, errors.New("empty transport message").
			WithType(ErrTypeTransport)
	}
	if data[0] == tagAbort {
		return 0, nil, errors.New("run aborted by another rank").
			WithType(ErrTypeAborted)
	}
	return data[0], &wireReader{data: data[1:]}, nil
}

// NeedWork asks the root for the next batch. A nil batch without error is
// the shutdown signal for the current pass.
func (w *Worker) NeedWork() (*bucket.Batch, error) {
	if err := w.send([]byte{tagNeedWork}); err != nil {
		return nil, err
	}
	tag, rd, err := w.recv()
	if err != nil {
		return nil, err
	}
	if tag != tagHasWork {
		return nil, errors.New("expected work response").
			WithType(ErrTypeTransport).
			WithTag("tag", tag)
	}
	return unmarshalBatch(rd)
}

// SendFragment ships one mesh fragment to the root's gather channel.
func (w *Worker) SendFragment(f *mesh.Fragment) error {
	msg := newWireWriter(tagFragment)
	msg.u64(uint64(f.HostBytes()))
	if err := f.Marshal(&msg.buf); err != nil {
		return errors.New("marshalling fragment failed").Wrap(err)
	}
	return w.send(msg.bytes())
}

// SendProgress reports processed splats for the current pass.
func (w *Worker) SendProgress(delta uint64) error {
	msg := newWireWriter(tagProgress)
	msg.u64(delta)
	msg.u32(w.pass)
	return w.send(msg.bytes())
}

// SendStats ships the rank's statistics registry at shutdown.
func (w *Worker) SendStats(reg *stats.Registry) error {
	blob, err := reg.MarshalBinary()
	if err != nil {
		return errors.New("serializing statistics failed").Wrap(err)
	}
	msg := newWireWriter(tagStats)
	msg.raw(blob)
	return w.send(msg.bytes())
}

// Abort broadcasts a fatal failure from this rank through the root.
func (w *Worker) Abort(cause error) {
	msg := newWireWriter(tagAbort)
	msg.raw([]byte(cause.Error()))
	if err := w.send(msg.bytes()); err != nil {
		logs.Warn(errors.New("sending abort failed").Wrap(err))
	}
}

// Collective returns the worker's side of the blob build exchange.
func (w *Worker) Collective() splats.Collective {
	return &workerCollective{w: w}
}

type workerCollective struct {
	w *Worker
}

func (c *workerCollective) Rank() int  { return c.w.rank }
func (c *workerCollective) Ranks() int { return c.w.ranks }

// roundTrip sends a contribution and waits for the root's result message.
func (c *workerCollective) roundTrip(req []byte, wantTag byte, what string) (*wireReader, error) {
	if err := c.w.send(req); err != nil {
		return nil, err
	}
	tag, rd, err := c.w.recv()
	if err != nil {
		return nil, err
	}
	if tag != wantTag {
		return nil, errors.New("unexpected collective response").
			WithType(ErrTypeTransport).
			WithTag("want", wantTag).
			WithTag("got", tag).
			WithTag("exchange", what)
	}
	return rd, nil
}

func (c *workerCollective) AllReduceBounds(lower, upper [3]int32, ok bool) ([3]int32, [3]int32, bool, error) {
	req := newWireWriter(tagBounds)
	req.u8(boolByte(ok))
	for i := 0; i < 3; i++ {
		req.i32(lower[i])
	}
	for i := 0; i < 3; i++ {
		req.i32(upper[i])
	}

	rd, err := c.roundTrip(req.bytes(), tagBoundsRes, "bounds")
	if err != nil {
		return lower, upper, ok, err
	}
	ok = rd.u8() != 0
	for i := 0; i < 3; i++ {
		lower[i] = rd.i32()
	}
	for i := 0; i < 3; i++ {
		upper[i] = rd.i32()
	}
	return lower, upper, ok, rd.err("bounds_res")
}

func (c *workerCollective) AllReduceCounts(finite, nonFinite uint64) (uint64, uint64, error) {
	req := newWireWriter(tagCounts)
	req.u64(finite)
	req.u64(nonFinite)

	rd, err := c.roundTrip(req.bytes(), tagCountsRes, "counts")
	if err != nil {
		return finite, nonFinite, err
	}
	finite = rd.u64()
	nonFinite = rd.u64()
	return finite, nonFinite, rd.err("counts_res")
}

func (c *workerCollective) AllGatherBlobs(local []splats.Blob) ([]splats.Blob, error) {
	rd, err := c.roundTrip(marshalBlobs(tagBlobs, local), tagBlobsRes, "blobs")
	if err != nil {
		return nil, err
	}
	return unmarshalBlobs(rd, "blobs_res")
}
