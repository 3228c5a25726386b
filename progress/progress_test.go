package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSinkAccumulates(t *testing.T) {
	s := NewSink("test", 100)
	s.ReportInterval = 10 * time.Millisecond
	s.Start()

	s.Add(40)
	s.Add(25)
	require.Equal(t, uint64(65), s.Done())

	s.Close()
	// Close is idempotent
	s.Close()
}

func TestSinkStallDetection(t *testing.T) {
	s := NewSink("test", 100)
	s.StallWarning = time.Millisecond

	s.Add(1)
	time.Sleep(5 * time.Millisecond)
	// the stall check never terminates anything; it only logs
	s.report()
	require.Equal(t, uint64(1), s.Done())
}
