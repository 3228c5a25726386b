package http

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// ListenAndServe runs the given servers until the context is cancelled,
// then shuts them down gracefully.
func ListenAndServe(ctx context.Context, servers ...*http.Server) {
	go func() {
		<-ctx.Done()

		for _, s := range servers {
			if err := s.Shutdown(context.Background()); err != nil {
				logs.Warn(errors.Newf("shutting down the server failed").
					WithTag("addr", s.Addr).
					Wrap(err))
			}
		}
	}()

	var wg sync.WaitGroup

	for _, s := range servers {
		wg.Add(1)

		go func(s *http.Server) {
			defer wg.Done()

			logs.WithTag("addr", s.Addr).Info("starting server")

			switch err := s.ListenAndServe(); err {
			case nil, http.ErrServerClosed, context.Canceled:
				logs.WithTag("addr", s.Addr).Info("stopping server")

			default:
				logs.Warn(errors.Newf("server stopped").
					WithTag("addr", s.Addr).
					Wrap(err))
			}
		}(s)
	}

	wg.Wait()
}

// ServeListener serves one server on an existing listener in the
// background, shutting it down when the context is cancelled. It returns
// immediately; the caller owns the listener's lifetime.
func ServeListener(ctx context.Context, s *http.Server, ln net.Listener) {
	go func() {
		<-ctx.Done()
		if err := s.Shutdown(context.Background()); err != nil {
			logs.Warn(errors.Newf("shutting down the server failed").
				WithTag("addr", ln.Addr().String()).
				Wrap(err))
		}
	}()

	go func() {
		logs.WithTag("addr", ln.Addr().String()).Info("starting server")
		switch err := s.Serve(ln); err {
		case nil, http.ErrServerClosed, context.Canceled:
			logs.WithTag("addr", ln.Addr().String()).Info("stopping server")
		default:
			logs.Warn(errors.Newf("server stopped").
				WithTag("addr", ln.Addr().String()).
				Wrap(err))
		}
	}()
}
