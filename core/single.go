package core

import (
	"context"
	"fmt"
	"net"

	"github.com/aukilabs/go-tooling/pkg/errors"

	"github.com/frustreated/mlsgpu/transport"
)

// RunSingle runs the whole pipeline in one process: the root on a loopback
// listener plus in-process worker goroutines, one per requested worker.
// The ranks still talk through the real transport so the single-process
// and clustered paths stay identical.
func RunSingle(ctx context.Context, opts Options) error {
	if opts.Resume != "" {
		return RunRoot(ctx, opts)
	}

	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errors.New("loopback listen failed").
			WithType(transport.ErrTypeTransport).
			Wrap(err)
	}
	defer ln.Close()

	workerOpts := opts
	workerOpts.RootEndpoint = fmt.Sprintf("ws://%s/transport", ln.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerErrs := make(chan error, opts.NumWorkers)
	for i := 0; i < opts.NumWorkers; i++ {
		go func() {
			workerErrs <- RunWorker(ctx, workerOpts)
		}()
	}

	rootErr := runRootOn(ctx, opts, ln)

	cancel()
	var workerErr error
	for i := 0; i < opts.NumWorkers; i++ {
		if err := <-workerErrs; err != nil && workerErr == nil {
			workerErr = err
		}
	}

	if rootErr != nil {
		return rootErr
	}
	return workerErr
}
