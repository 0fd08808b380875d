package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tebeka/atexit"

	"github.com/sbl8/tessera/config"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/ops"
	"github.com/sbl8/tessera/runtime"
	"github.com/sbl8/tessera/sim"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "Device config file (key = value)")
		math     = flag.String("op", "add", "Elementwise op: add, sub, mul")
		dim      = flag.String("dim", "H", "Broadcast dimension: H, W, HW")
		shapeA   = flag.String("a", "1,2,256,128", "Shape of a as N,C,H,W")
		shapeB   = flag.String("b", "", "Shape of b as N,C,H,W (derived from a when empty)")
		format   = flag.String("format", "Float16_b", "Data format: Float32, Float16, Float16_b")
		sharded  = flag.Bool("sharded", false, "Height shard a and the output over the whole grid")
		inPlace  = flag.Bool("inplace", false, "Write the result over a")
		maxCores = flag.Int("cores", 0, "Maximum cores to use (0 for the whole grid)")
		iter     = flag.Int("iter", 1, "Number of runs; later runs replay the cached plan")
		timeout  = flag.Duration("timeout", 30*time.Second, "Per-run timeout")
		verbose  = flag.Bool("verbose", false, "Enable debug logging")
		version  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("tesrun - Tessera grid runner v1.0.0")
		fmt.Printf("Built with Go %s\n", goruntime.Version())
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			atexit.Fatalf("load config: %v", err)
		}
	}

	op, err := parseOp(*math, *dim)
	if err != nil {
		atexit.Fatalf("%v", err)
	}
	op.InPlace, op.MaxCores = *inPlace, *maxCores
	f, err := core.ParseDataFormat(*format)
	if err != nil {
		atexit.Fatalf("%v", err)
	}
	as, err := parseShape(*shapeA)
	if err != nil {
		atexit.Fatalf("shape of a: %v", err)
	}
	bs := broadcastShape(as, op.Dim)
	if *shapeB != "" {
		if bs, err = parseShape(*shapeB); err != nil {
			atexit.Fatalf("shape of b: %v", err)
		}
	}

	m, err := sim.New(cfg)
	if err != nil {
		atexit.Fatalf("create device: %v", err)
	}
	dev, err := runtime.Open(cfg, m, m)
	if err != nil {
		atexit.Fatalf("open device: %v", err)
	}
	atexit.Register(func() {
		if err := dev.Close(); err != nil {
			slog.Warn("close device", "error", err)
		}
	})

	for i := 0; i < *iter; i++ {
		if err := runOnce(dev, op, as, bs, f, *sharded, *timeout); err != nil {
			atexit.Fatalf("run %d: %v", i, err)
		}
		r := m.LastReport()
		fmt.Printf("run %d: %s on %d cores, %d kernels, %d cycles (~%s at %.0f MHz)\n",
			i, r.Program, r.Cores, r.Kernels, r.Cycles, r.Estimated, float64(m.Freq())/1e6)
	}

	st := dev.Stats()
	fmt.Printf("dispatches %d, plan cache %d hits / %d misses, average latency %s\n",
		st.Dispatches, st.CacheHits, st.CacheMisses, st.AverageLatency)
	if *verbose {
		for src, n := range st.KernelLaunches {
			fmt.Printf("  %-20s %d launches\n", src, n)
		}
	}
	atexit.Exit(0)
}

// runOnce allocates fresh tensors, so replays exercise the address override.
func runOnce(dev *runtime.Device, op ops.Bcast, as, bs ops.Shape, f core.DataFormat, sharded bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		a, out ops.Tensor
		err    error
	)
	if sharded {
		grid := core.Range(core.GridRange(dev.Grid().Cols, dev.Grid().Rows))
		if a, err = ops.NewHeightSharded(dev, as, f, grid, "a"); err != nil {
			return err
		}
		if !op.InPlace {
			if out, err = ops.NewHeightSharded(dev, as, f, grid, "out"); err != nil {
				return err
			}
		}
	} else {
		if a, err = ops.NewInterleaved(dev, as, f, "a"); err != nil {
			return err
		}
		if !op.InPlace {
			if out, err = ops.NewInterleaved(dev, as, f, "out"); err != nil {
				return err
			}
		}
	}
	defer a.Free()
	defer out.Free()
	b, err := ops.NewInterleaved(dev, bs, f, "b")
	if err != nil {
		return err
	}
	defer b.Free()

	if err := ops.Upload(ctx, dev, a, values(as.Volume())); err != nil {
		return err
	}
	if err := ops.Upload(ctx, dev, b, values(bs.Volume())); err != nil {
		return err
	}
	slog.Debug("running", "op", op, "strategy", op.Strategy(a), "a", as, "b", bs, "format", f)
	res, err := op.Run(ctx, dev, a, b, out)
	if err != nil {
		return err
	}
	got, err := ops.Download(ctx, dev, res)
	if err != nil {
		return err
	}
	n := min(len(got), 4)
	slog.Debug("result", "head", got[:n])
	return nil
}

// values are small integers, exact in every float format.
func values(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rand.Intn(16) - 8)
	}
	return out
}

func parseOp(math, dim string) (ops.Bcast, error) {
	var op ops.Bcast
	switch strings.ToLower(math) {
	case "add":
		op.Math = ops.BcastAdd
	case "sub":
		op.Math = ops.BcastSub
	case "mul":
		op.Math = ops.BcastMul
	default:
		return op, errors.Errorf("unknown op %q", math)
	}
	switch strings.ToUpper(dim) {
	case "H":
		op.Dim = ops.BcastH
	case "W":
		op.Dim = ops.BcastW
	case "HW":
		op.Dim = ops.BcastHW
	default:
		return op, errors.Errorf("unknown broadcast dimension %q", dim)
	}
	return op, nil
}

func parseShape(s string) (ops.Shape, error) {
	var shape ops.Shape
	parts := strings.Split(s, ",")
	if len(parts) != len(shape) {
		return shape, errors.Errorf("shape %q needs %d dimensions", s, len(shape))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return shape, errors.Wrapf(err, "shape %q", s)
		}
		shape[i] = n
	}
	return shape, shape.Validate()
}

// broadcastShape collapses the broadcast dimensions of a to one tile.
func broadcastShape(a ops.Shape, dim ops.BcastDim) ops.Shape {
	b := ops.Shape{1, 1, a.H(), a.W()}
	switch dim {
	case ops.BcastH:
		b[2] = core.TileHeight
	case ops.BcastW:
		b[3] = core.TileWidth
	default:
		b[2], b[3] = core.TileHeight, core.TileWidth
	}
	return b
}
