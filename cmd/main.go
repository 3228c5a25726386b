package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"syscall"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/segmentio/encoding/json"

	"github.com/frustreated/mlsgpu/core"
)

// The mlsgpu version number. Set at build.
var version = "v0.1.0"

// This keeps the config struct out of obfuscation so the cli package can
// generate readable command-line options.
var _ = reflect.TypeOf(config{})

type config struct {
	Inputs          []string `cli:""        env:"MLSGPU_INPUTS"            help:"Input splat PLY files, in file-id order."`
	Output          string   `cli:""        env:"MLSGPU_OUTPUT"            help:"Output PLY path (chunked runs use it as the base name)."`
	Role            string   `cli:""        env:"MLSGPU_ROLE"              help:"Role in the cluster (single|root|worker)."`
	Spacing         float64  `cli:""        env:"MLSGPU_SPACING"           help:"World units per grid cell."`
	MaxLoadSplats   uint64   `cli:",hidden" env:"MLSGPU_MAX_LOAD_SPLATS"   help:"Splats per scatter batch."`
	MaxDeviceSplats uint64   `cli:",hidden" env:"MLSGPU_MAX_DEVICE_SPLATS" help:"Splats per bin."`
	MaxCells        uint64   `cli:",hidden" env:"MLSGPU_MAX_CELLS"         help:"Cells per bin."`
	MaxSplit        int      `cli:",hidden" env:"MLSGPU_MAX_SPLIT"         help:"Bucketer per-axis fan-out bound."`
	Microblock      int      `cli:",hidden" env:"MLSGPU_MICROBLOCK"        help:"Bucketer microblock edge in cells (power of two)."`
	MemMesh         int      `cli:",hidden" env:"MLSGPU_MEM_MESH"          help:"Mesher spill buffer bytes."`
	MemGather       int      `cli:",hidden" env:"MLSGPU_MEM_GATHER"        help:"Worker gather buffer bytes."`
	ChunkCells      int      `cli:""        env:"MLSGPU_CHUNK_CELLS"       help:"Output chunk edge in cells (0 = single file)."`
	PruneThreshold  float64  `cli:""        env:"MLSGPU_PRUNE_THRESHOLD"   help:"Prune components below this fraction of total vertices."`
	TmpDir          string   `cli:""        env:"MLSGPU_TMP_DIR"           help:"Directory for temp spill files."`
	Resume          string   `cli:""        env:"MLSGPU_RESUME"            help:"Finalize an existing spill directory instead of reconstructing."`
	StatsOutput     string   `cli:""        env:"MLSGPU_STATS_OUTPUT"      help:"Write the merged statistics registry to this JSON file."`
	Timeplot        string   `cli:",hidden" env:"MLSGPU_TIMEPLOT"          help:"Write accumulated timing spans to this file."`
	ListenAddr      string   `cli:""        env:"MLSGPU_LISTEN_ADDR"       help:"Root transport and admin listen address."`
	RootEndpoint    string   `cli:""        env:"MLSGPU_ROOT_ENDPOINT"     help:"Websocket endpoint of the root (worker role)."`
	NumWorkers      int      `cli:""        env:"MLSGPU_NUM_WORKERS"       help:"Worker ranks the root waits for."`
	LogLevel        string   `cli:""        env:"MLSGPU_LOG_LEVEL"         help:"Log level (debug|info|warning|error)."`
	LogIndent       bool     `cli:""        env:"MLSGPU_LOG_INDENT"        help:"Indent logs."`
	Version         bool     `cli:""        env:"-"                        help:"Show version."`
}

func main() {
	conf := config{
		Role:            "single",
		Spacing:         0.02,
		MaxLoadSplats:   10_000_000,
		MaxDeviceSplats: 1_000_000,
		MaxCells:        8_000_000,
		MaxSplit:        4,
		Microblock:      8,
		MemMesh:         512 << 20,
		MemGather:       256 << 20,
		PruneThreshold:  0.02,
		TmpDir:          os.TempDir(),
		ListenAddr:      ":4730",
		NumWorkers:      1,
		LogLevel:        logs.InfoLevel.String(),
	}

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Reconstructs a watertight surface from splat point clouds.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}
	errors.Encoder = json.Marshal

	opts := core.Options{
		Inputs:          conf.Inputs,
		Output:          conf.Output,
		Spacing:         conf.Spacing,
		MaxLoadSplats:   conf.MaxLoadSplats,
		MaxDeviceSplats: conf.MaxDeviceSplats,
		MaxCells:        conf.MaxCells,
		MaxSplit:        conf.MaxSplit,
		Microblock:      conf.Microblock,
		MemMesh:         conf.MemMesh,
		MemGather:       conf.MemGather,
		ChunkCells:      conf.ChunkCells,
		PruneThreshold:  conf.PruneThreshold,
		TmpDir:          conf.TmpDir,
		Resume:          conf.Resume,
		StatsOutput:     conf.StatsOutput,
		Timeplot:        conf.Timeplot,
		NumWorkers:      conf.NumWorkers,
		ListenAddr:      conf.ListenAddr,
		RootEndpoint:    conf.RootEndpoint,
	}

	if err := opts.Validate(conf.Role); err != nil {
		logs.Fatal(err)
	}

	core.Version = version
	logs.WithTag("version", version).
		WithTag("role", conf.Role).
		WithTag("inputs", len(opts.Inputs)).
		Info("starting mlsgpu")

	var err error
	switch conf.Role {
	case "single":
		err = core.RunSingle(ctx, opts)
	case "root":
		err = core.RunRoot(ctx, opts)
	case "worker":
		err = core.RunWorker(ctx, opts)
	default:
		err = errors.New("unknown role").
			WithType(core.ErrTypeInvalidOption).
			WithTag("role", conf.Role)
	}
	if err != nil {
		logs.WithTag("role", conf.Role).Error(err)
		os.Exit(1)
	}
}
