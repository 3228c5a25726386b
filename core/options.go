// Package core wires the reconstruction pipeline together for the root,
// worker and single-process roles.
package core

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// ErrTypeInvalidOption marks configuration rejected at startup.
const ErrTypeInvalidOption = "invalid_option"

// Options is the validated run configuration shared by all roles.
type Options struct {
	// Inputs are the splat PLY files, in file-id order.
	Inputs []string

	// Output is the PLY path; with ChunkCells > 0 it is the chunked base.
	Output string

	// Spacing is the world size of one grid cell.
	Spacing float64

	// MaxLoadSplats bounds the splats of one scatter batch.
	MaxLoadSplats uint64

	// MaxDeviceSplats bounds the splats of one bin.
	MaxDeviceSplats uint64

	// MaxCells bounds the cells of one bin.
	MaxCells uint64

	// MaxSplit bounds the bucketer's per-axis fan-out.
	MaxSplit int

	// Microblock is the bucketer's indivisible cell-block edge (power of
	// two).
	Microblock int

	// MemMesh is the root's spill writer buffer in bytes.
	MemMesh int

	// MemGather is the worker's gather buffer in bytes.
	MemGather int

	// ChunkCells is the output chunk edge in cells; 0 writes a single file.
	ChunkCells int

	// PruneThreshold prunes components below this fraction of total
	// vertices.
	PruneThreshold float64

	// TmpDir hosts the spill directory.
	TmpDir string

	// Resume finalizes an existing spill directory instead of running.
	Resume string

	// StatsOutput dumps the merged statistics registry as JSON.
	StatsOutput string

	// Timeplot writes the accumulated timing spans as tab-separated
	// name/seconds rows.
	Timeplot string

	// NumWorkers is how many worker ranks the root waits for.
	NumWorkers int

	// ListenAddr is the root's transport/admin listen address.
	ListenAddr string

	// RootEndpoint is the websocket endpoint workers dial.
	RootEndpoint string
}

// Validate rejects configurations before any work starts.
func (o *Options) Validate(role string) error {
	bad := func(msg string) error {
		return errors.New(msg).WithType(ErrTypeInvalidOption)
	}

	if o.Resume != "" {
		if o.Output == "" {
			return bad("resume requires an output path")
		}
		return nil
	}

	if role != "worker" {
		if len(o.Inputs) == 0 {
			return bad("no input files")
		}
		if o.Output == "" {
			return bad("no output path")
		}
	} else if len(o.Inputs) == 0 {
		return bad("workers need the input files too")
	}
	if o.Spacing <= 0 {
		return bad("spacing must be positive")
	}
	if o.Microblock < 1 || o.Microblock&(o.Microblock-1) != 0 {
		return bad("microblock must be a power of two")
	}
	if o.MaxSplit < 2 {
		return bad("max-split must be at least 2")
	}
	if o.MaxDeviceSplats == 0 || o.MaxCells == 0 {
		return bad("device limits must be positive")
	}
	if o.MaxLoadSplats < o.MaxDeviceSplats {
		return bad("max-load-splats must not be below max-device-splats")
	}
	if o.PruneThreshold < 0 || o.PruneThreshold > 1 {
		return bad("prune-threshold must be in [0, 1]")
	}
	if o.ChunkCells < 0 {
		return bad("chunk-cells must not be negative")
	}
	if role == "worker" && o.RootEndpoint == "" {
		return bad("workers need the root endpoint")
	}
	if role == "root" && o.NumWorkers < 1 {
		return bad("the root needs at least one worker")
	}
	return nil
}
