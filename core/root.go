package core

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"sort"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frustreated/mlsgpu/bucket"
	mlshttp "github.com/frustreated/mlsgpu/http"
	"github.com/frustreated/mlsgpu/mesher"
	"github.com/frustreated/mlsgpu/ply"
	"github.com/frustreated/mlsgpu/progress"
	"github.com/frustreated/mlsgpu/splats"
	"github.com/frustreated/mlsgpu/stats"
	"github.com/frustreated/mlsgpu/transport"
)

// Version is reported by the admin /version endpoint. Set by the binary.
var Version = "dev"

// openFileSet opens the input files in file-id order.
func openFileSet(paths []string) (*splats.FileSet, error) {
	readers := make([]*ply.Reader, len(paths))
	for i, path := range paths {
		r, err := ply.Open(path)
		if err != nil {
			return nil, err
		}
		readers[i] = r
	}
	return splats.NewFileSet(readers), nil
}

// RunRoot runs the root rank: it serves the transport, builds the blob
// index with its workers, drives the bucketer/collector/scatter pipeline
// and assembles the gathered fragments.
func RunRoot(ctx context.Context, opts Options) error {
	if opts.Resume != "" {
		return mesher.Resume(opts.Resume, mesher.Config{
			Output:         opts.Output,
			Chunked:        opts.ChunkCells > 0,
			PruneThreshold: opts.PruneThreshold,
		})
	}

	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return errors.New("root listen failed").
			WithType(transport.ErrTypeTransport).
			WithTag("addr", opts.ListenAddr).
			Wrap(err)
	}
	defer ln.Close()
	return runRootOn(ctx, opts, ln)
}

// runRootOn is RunRoot bound to an existing listener, so the single role
// can use an ephemeral port.
func runRootOn(ctx context.Context, opts Options, ln net.Listener) error {
	root := transport.NewRoot(opts.NumWorkers)

	ready := make(chan struct{})
	mux := http.NewServeMux()
	mux.Handle("/transport", root.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", mlshttp.HandleHealthCheck)
	mux.Handle("/version", mlshttp.HandleVersion(Version))
	mux.Handle("/ready", mlshttp.HandleReadyCheck(func() bool {
		select {
		case <-ready:
			return true
		default:
			return false
		}
	}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)

	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	mlshttp.ServeListener(srvCtx, &http.Server{Handler: mux}, ln)

	logs.WithTag("addr", ln.Addr().String()).
		WithTag("workers", opts.NumWorkers).
		Info("root waiting for workers")
	if err := root.WaitReady(ctx); err != nil {
		return err
	}
	close(ready)

	set, err := openFileSet(opts.Inputs)
	if err != nil {
		root.AbortWith(err)
		return err
	}

	fbs, err := splats.BuildBlobs(set, float32(opts.Spacing), int32(opts.Microblock), root.Collective())
	if err != nil {
		root.AbortWith(err)
		return err
	}
	logs.WithTag("splats", fbs.NumSplats()).
		WithTag("nonfinite", fbs.NonFinite()).
		Info("blob index built")

	m, err := mesher.New(mesher.Config{
		TmpDir:         opts.TmpDir,
		Output:         opts.Output,
		Chunked:        opts.ChunkCells > 0,
		PruneThreshold: opts.PruneThreshold,
		MemMesh:        opts.MemMesh,
	})
	if err != nil {
		root.AbortWith(err)
		return err
	}

	err = runRootPipeline(ctx, opts, root, fbs, m)
	if err != nil {
		root.AbortWith(err)
		m.Abort()
		return err
	}

	// shutdown: merge worker statistics, then finalize
	blobs, err := root.CollectStats(ctx)
	if err != nil {
		m.Abort()
		return err
	}
	for _, blob := range blobs {
		if err := stats.Default.Merge(blob); err != nil {
			logs.Warn(errors.New("merging worker statistics failed").Wrap(err))
		}
	}

	if err := m.Finalize(); err != nil {
		root.AbortWith(err)
		m.Abort()
		return err
	}

	if opts.StatsOutput != "" {
		if err := writeStats(opts.StatsOutput); err != nil {
			logs.Warn(err)
		}
	}
	if opts.Timeplot != "" {
		if err := writeTimeplot(opts.Timeplot); err != nil {
			logs.Warn(err)
		}
	}
	return nil
}

func runRootPipeline(ctx context.Context, opts Options, root *transport.Root, fbs *splats.FastBlobSet, m *mesher.Mesher) error {
	sink := progress.NewSink("reconstruct", fbs.NumSplats())
	sink.Start()
	defer sink.Close()

	var (
		binsEmitted  uint64
		fragsPending sync.WaitGroup
		gatherErr    error
		gatherMu     sync.Mutex
		gatherStop   = make(chan struct{})
	)

	// gather consumer: every fragment goes straight into the assembler
	var gatherWG sync.WaitGroup
	gatherWG.Add(1)
	go func() {
		defer gatherWG.Done()
		for {
			select {
			case f := <-root.Fragments():
				err := m.Add(f)
				fragsPending.Done()
				if err != nil {
					gatherMu.Lock()
					if gatherErr == nil {
						gatherErr = err
					}
					gatherMu.Unlock()
					root.AbortWith(err)
					return
				}
			case <-gatherStop:
				return
			}
		}
	}()

	// progress consumer
	progressStop := make(chan struct{})
	var progressWG sync.WaitGroup
	progressWG.Add(1)
	go func() {
		defer progressWG.Done()
		for {
			select {
			case d := <-root.Progress():
				sink.Add(d.Delta)
			case <-progressStop:
				return
			}
		}
	}()
	defer func() {
		close(progressStop)
		progressWG.Wait()
	}()

	// bucketer -> collector -> scatter
	collector := &bucket.Collector{
		MaxLoadSplats: opts.MaxLoadSplats,
		Forward: func(b bucket.Batch) error {
			if !root.PushBatch(&b) {
				return errors.New("scatter channel closed").
					WithType(transport.ErrTypeAborted)
			}
			return nil
		},
	}

	cfg := bucket.Config{
		MaxSplats:  opts.MaxDeviceSplats,
		MaxCells:   opts.MaxCells,
		MaxSplit:   int32(opts.MaxSplit),
		Microblock: int32(opts.Microblock),
		ChunkCells: int32(opts.ChunkCells),
	}
	err := bucket.Bucket(fbs, cfg, func(b bucket.Bin) error {
		binsEmitted++
		fragsPending.Add(1)
		return collector.Add(b)
	})
	if err == nil {
		err = collector.Flush()
	}
	root.CloseBatches()
	if err != nil {
		close(gatherStop)
		gatherWG.Wait()
		return err
	}

	logs.WithTag("bins", binsEmitted).Info("all bins scattered")

	// cross-pass barrier: every fragment of this pass must be ingested
	done := make(chan struct{})
	go func() {
		fragsPending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-root.Aborted():
		close(gatherStop)
		gatherWG.Wait()
		return root.Err()
	case <-ctx.Done():
		close(gatherStop)
		gatherWG.Wait()
		return errors.New("run interrupted").
			WithType(transport.ErrTypeAborted).
			Wrap(ctx.Err())
	}

	close(gatherStop)
	gatherWG.Wait()

	gatherMu.Lock()
	defer gatherMu.Unlock()
	return gatherErr
}

func writeTimeplot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.New("creating timeplot output failed").
			WithType(ply.ErrTypeIO).
			WithTag("path", path).
			Wrap(err)
	}
	defer f.Close()

	durations := stats.Default.Durations()
	names := make([]string, 0, len(durations))
	for name := range durations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(f, "%s\t%.6f\n", name, durations[name].Seconds()); err != nil {
			return errors.New("writing timeplot failed").
				WithType(ply.ErrTypeIO).
				WithTag("path", path).
				Wrap(err)
		}
	}
	return nil
}

func writeStats(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.New("creating statistics output failed").
			WithType(ply.ErrTypeIO).
			WithTag("path", path).
			Wrap(err)
	}
	defer f.Close()
	return stats.Default.WriteJSON(f)
}
