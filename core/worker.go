package core

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"

	"github.com/frustreated/mlsgpu/bucket"
	"github.com/frustreated/mlsgpu/compute"
	"github.com/frustreated/mlsgpu/marching"
	"github.com/frustreated/mlsgpu/mesh"
	"github.com/frustreated/mlsgpu/mls"
	"github.com/frustreated/mlsgpu/pipe"
	"github.com/frustreated/mlsgpu/splats"
	"github.com/frustreated/mlsgpu/stats"
	"github.com/frustreated/mlsgpu/transport"
	"github.com/frustreated/mlsgpu/tree"
)

// RunWorker runs one worker rank: join the root, take part in the blob
// index build, then serve the demand loop until the shutdown signal.
func RunWorker(ctx context.Context, opts Options) error {
	w, err := transport.Dial(ctx, opts.RootEndpoint, "http://mlsgpu-worker/")
	if err != nil {
		return err
	}
	defer w.Close()

	if err := runWorker(ctx, opts, w); err != nil {
		w.Abort(err)
		return err
	}
	return nil
}

func runWorker(ctx context.Context, opts Options, w *transport.Worker) error {
	set, err := openFileSet(opts.Inputs)
	if err != nil {
		return err
	}

	fbs, err := splats.BuildBlobs(set, float32(opts.Spacing), int32(opts.Microblock), w.Collective())
	if err != nil {
		return err
	}
	_ = fbs // workers keep the index so later passes can re-bucket locally

	devices := compute.Devices()
	if len(devices) == 0 {
		return errors.New("no usable device").
			WithType(compute.ErrTypeInvalidDevice)
	}
	dctx, err := compute.NewContext(devices[0])
	if err != nil {
		return err
	}
	defer dctx.Close()

	queue, err := dctx.NewQueue()
	if err != nil {
		return err
	}

	loadBytes := int(2*opts.MaxLoadSplats)*splats.RawSize + 8*splats.RawSize
	loader := &bucket.Loader{
		Set:    set,
		Buffer: pipe.NewCircularBuffer("load", loadBytes),
	}
	defer loader.Buffer.Stop()

	// the gather group marshals finished fragments back to the root off
	// the device-dispatch path
	memGather := opts.MemGather
	if memGather <= 0 {
		memGather = 64 << 20
	}
	gather := pipe.NewWorkerGroup[*mesh.Fragment]("gather", 8, memGather,
		pipe.RunnerFunc[*mesh.Fragment](func(item *pipe.Item[*mesh.Fragment]) error {
			return w.SendFragment(item.Value)
		}))
	gather.Start(1)

	extractor := marching.NewExtractor(queue, 64)
	builder := mls.NewPlainMLS()

	processBin := func(lb *bucket.LoadedBatch, bin bucket.Bin) error {
		binSplats := lb.BinSplats(bin)
		tr, err := tree.Build(queue, binSplats, bin.Grid)
		if err != nil {
			return err
		}
		field, err := builder.Build(queue, tr, bin.Grid)
		if err != nil {
			return err
		}
		frag, err := marching.Extract(extractor, field, bin.Grid, bin.Chunk)
		if err != nil {
			return err
		}

		alloc, err := gather.Get(frag.HostBytes())
		if err != nil {
			return err
		}
		if !gather.Push(frag, alloc) {
			return errors.New("gather group stopped").
				WithType(transport.ErrTypeAborted)
		}
		stats.Default.Add("worker.bins", 1)
		return w.SendProgress(bin.NumSplats)
	}

	for {
		if err := ctx.Err(); err != nil {
			gather.Abort()
			return errors.New("worker interrupted").
				WithType(transport.ErrTypeAborted).
				Wrap(err)
		}

		batch, err := w.NeedWork()
		if err != nil {
			gather.Abort()
			return err
		}
		if batch == nil {
			break
		}

		lb, err := loader.Load(*batch)
		if err != nil {
			gather.Abort()
			return err
		}
		for _, bin := range batch.Bins {
			if err := processBin(lb, bin); err != nil {
				lb.Release()
				gather.Abort()
				return err
			}
		}
		lb.Release()
	}

	// drain in-flight fragments before announcing shutdown
	if err := gather.Stop(); err != nil {
		return err
	}
	if err := w.SendStats(stats.Default); err != nil {
		return err
	}
	logs.WithTag("rank", w.Rank()).Info("worker finished")
	return nil
}
