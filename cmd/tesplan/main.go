package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/sbl8/tessera/config"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/ops"
	"github.com/sbl8/tessera/partition"
	"github.com/sbl8/tessera/program"
	"github.com/sbl8/tessera/runtime"
	"github.com/sbl8/tessera/sim"
)

func main() {
	var (
		cfgPath   = flag.String("config", "", "Device config file (key = value)")
		batch     = flag.Int("batch", 1, "Batch count (N*C)")
		rows      = flag.Int("rows", 8, "Tile rows per batch")
		cols      = flag.Int("cols", 8, "Tiles per row")
		mode      = flag.String("mode", "by-both", "Split mode: by-row, by-col, by-both, sharded")
		maxCores  = flag.Int("cores", 0, "Maximum cores (0 for the whole grid)")
		block     = flag.Int("block", 0, "Hand out units in blocks of this size")
		exact     = flag.Bool("exact", false, "Require units to divide evenly")
		shardRows = flag.Int("shard-rows", 1, "Tile rows per shard in sharded mode")
		bcast     = flag.String("program", "", "Also build a broadcast program, e.g. add:H, mul:HW")
		version   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("tesplan - Tessera partition planner v1.0.0")
		return
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	g := partition.Grid{Rows: cfg.GridRows, Cols: cfg.GridCols}
	w := partition.Workload{Batch: *batch, Rows: *rows, Cols: *cols}

	plan, err := split(w, g, *mode, partition.Options{MaxCores: *maxCores, BlockSize: *block, Exact: *exact}, *shardRows)
	if err != nil {
		log.Fatalf("partition failed: %v", err)
	}
	printPlan(plan)

	if *bcast != "" {
		if err := printProgram(cfg, *bcast, w, *maxCores); err != nil {
			log.Fatalf("program failed: %v", err)
		}
	}
}

func split(w partition.Workload, g partition.Grid, mode string, opts partition.Options, shardRows int) (*partition.Plan, error) {
	switch mode {
	case "by-row":
		return partition.Split(w, g, partition.ByRow, opts)
	case "by-col":
		return partition.Split(w, g, partition.ByCol, opts)
	case "by-both":
		return partition.Split(w, g, partition.ByBoth, opts)
	case "sharded":
		shards, err := partition.EvenShards(w, g, shardRows)
		if err != nil {
			return nil, err
		}
		return partition.SplitSharded(w, g, shards)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

func printPlan(p *partition.Plan) {
	fmt.Printf("%s: %d units of %d tiles over %d cores of a %dx%d grid\n",
		p.Mode, p.Units, p.Workload.Tiles(), p.NumCores(), p.Grid.Cols, p.Grid.Rows)
	for _, g := range p.Groups() {
		fmt.Printf("  group %s: %d units per core\n", g.Cores, g.UnitsPerCore)
	}
	for _, a := range p.Assignments {
		fmt.Printf("  %-8s offset %-4d count %-4d tiles %d+%d (runs of %d every %d)\n",
			a.Core, a.Offset, a.Count, a.StartTile, a.TileCount, a.Inner, a.Stride)
	}
}

// printProgram builds the broadcast program for w on a simulated device and
// dumps its bindings without dispatching it.
func printProgram(cfg config.DeviceConfig, spec string, w partition.Workload, maxCores int) error {
	math, dim, _ := strings.Cut(spec, ":")
	op := ops.Bcast{MaxCores: maxCores}
	switch math {
	case "add":
		op.Math = ops.BcastAdd
	case "sub":
		op.Math = ops.BcastSub
	case "mul":
		op.Math = ops.BcastMul
	default:
		return fmt.Errorf("unknown op %q", math)
	}
	as := ops.Shape{w.Batch, 1, w.Rows * core.TileHeight, w.Cols * core.TileWidth}
	bs := ops.Shape{1, 1, as.H(), as.W()}
	switch dim {
	case "H":
		op.Dim, bs[2] = ops.BcastH, core.TileHeight
	case "W":
		op.Dim, bs[3] = ops.BcastW, core.TileWidth
	case "HW":
		op.Dim, bs[2], bs[3] = ops.BcastHW, core.TileHeight, core.TileWidth
	default:
		return fmt.Errorf("unknown broadcast dimension %q", dim)
	}

	m, err := sim.New(cfg)
	if err != nil {
		return err
	}
	dev, err := runtime.Open(cfg, m, m)
	if err != nil {
		return err
	}
	defer dev.Close()

	a, err := ops.NewInterleaved(dev, as, core.Float16B, "a")
	if err != nil {
		return err
	}
	b, err := ops.NewInterleaved(dev, bs, core.Float16B, "b")
	if err != nil {
		return err
	}
	out, err := ops.NewInterleaved(dev, as, core.Float16B, "out")
	if err != nil {
		return err
	}
	if err := op.Validate(dev, a, b, out); err != nil {
		return err
	}
	p, err := op.Program(dev, a, b, out)
	if err != nil {
		return err
	}

	fmt.Printf("\nprogram %s (%s, hash %016x)\n", p.Name(), op.Strategy(a), p.Hash())
	for _, c := range p.CircularBuffers() {
		kind := "local"
		if c.IsGlobal() {
			kind = "global"
		}
		fmt.Printf("  cb %s %s: %d bytes", kind, c.Cores, c.Config.TotalSize())
		for _, i := range c.Config.Indices() {
			fmt.Printf(" [%d %s x%d]", i, c.Config.Format(i), c.Config.PageCount(i))
		}
		fmt.Println()
	}
	for _, k := range p.Kernels() {
		printKernel(p, k)
	}
	return nil
}

func printKernel(p *program.Program, k *program.Kernel) {
	fmt.Printf("  kernel %d %s %q on %s compile %v\n", k.ID(), k.Role(), k.Source(), k.Cores(), k.CompileArgs())
	for name, v := range k.Defines() {
		fmt.Printf("    -D%s=%s\n", name, v)
	}
	for _, c := range k.Cores().Cores() {
		args, err := p.RuntimeArgs(k.ID(), c)
		if err != nil {
			fmt.Fprintf(os.Stderr, "    %s: %v\n", c, err)
			continue
		}
		fmt.Printf("    %-8s %v\n", c, args)
	}
}
