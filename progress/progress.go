// Package progress aggregates per-rank completion updates and reports them
// periodically. A configurable quiet interval produces stall warnings; it
// never terminates the run.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
)

// Sink accumulates progress for one pass.
type Sink struct {
	label string
	total uint64

	done     atomic.Uint64
	lastMove atomic.Int64

	// ReportInterval is how often the aggregate is logged.
	ReportInterval time.Duration

	// StallWarning logs a warning when no progress arrives for this long;
	// zero disables it.
	StallWarning time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSink builds a sink expecting total units of work.
func NewSink(label string, total uint64) *Sink {
	s := &Sink{
		label:          label,
		total:          total,
		ReportInterval: 10 * time.Second,
		stop:           make(chan struct{}),
	}
	s.lastMove.Store(time.Now().UnixNano())
	return s
}

// Add records delta completed units.
func (s *Sink) Add(delta uint64) {
	s.done.Add(delta)
	s.lastMove.Store(time.Now().UnixNano())
}

// Done returns the units recorded so far.
func (s *Sink) Done() uint64 {
	return s.done.Load()
}

// Start launches the reporting goroutine.
func (s *Sink) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.report()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Sink) report() {
	done := s.done.Load()
	entry := logs.WithTag("label", s.label).
		WithTag("done", done).
		WithTag("total", s.total)
	if s.total > 0 {
		entry = entry.WithTag("percent", 100*done/s.total)
	}
	entry.Info("progress")

	if s.StallWarning > 0 {
		idle := time.Since(time.Unix(0, s.lastMove.Load()))
		if idle > s.StallWarning && done < s.total {
			logs.WithTag("label", s.label).
				WithTag("idle", idle.String()).
				Warn("no progress observed")
		}
	}
}

// Close stops the reporter after a final report.
func (s *Sink) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.report()
	})
}
