package bucket

import (
	"github.com/frustreated/mlsgpu/stats"
)

// Batch is what the scatter channel ships to a worker in one response: a
// run of bins totalling at most the configured splat load, never spanning
// an output chunk.
type Batch struct {
	Bins      []Bin
	NumSplats uint64
}

// Chunk returns the chunk shared by all bins of the batch.
func (b Batch) Chunk() ChunkID {
	return b.Bins[0].Chunk
}

// Collector packs bins emitted by the bucketer into batches. Forward
// receives a finished batch; the final partial batch is forwarded by Flush.
type Collector struct {
	MaxLoadSplats uint64
	Forward       func(Batch) error

	cur Batch
}

// Add appends one bin, forwarding the pending batch first when the bin
// would overflow the load budget or crosses a chunk boundary.
func (c *Collector) Add(bin Bin) error {
	if len(c.cur.Bins) > 0 {
		overflow := c.cur.NumSplats+bin.NumSplats > c.MaxLoadSplats
		crossesChunk := c.cur.Bins[0].Chunk != bin.Chunk
		if overflow || crossesChunk {
			if err := c.Flush(); err != nil {
				return err
			}
		}
	}
	c.cur.Bins = append(c.cur.Bins, bin)
	c.cur.NumSplats += bin.NumSplats
	return nil
}

// Flush forwards the pending batch, if any.
func (c *Collector) Flush() error {
	if len(c.cur.Bins) == 0 {
		return nil
	}
	batch := c.cur
	c.cur = Batch{}
	stats.Default.Add("batches.forwarded", 1)
	stats.Default.Peak("batches.max_splats", batch.NumSplats)
	return c.Forward(batch)
}
