package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/config"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/ops"
	"github.com/sbl8/tessera/partition"
	tesruntime "github.com/sbl8/tessera/runtime"
	"github.com/sbl8/tessera/sim"
)

var (
	testType = flag.String("test", "all", "Test type: all, alloc, partition, tile, dispatch")
	iter     = flag.Int("iter", 1000, "Number of iterations")
	verbose  = flag.Bool("verbose", false, "Verbose output")
)

func main() {
	flag.Parse()

	fmt.Printf("Tessera Performance Analysis Tool\n")
	fmt.Printf("=================================\n")
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("CPUs: %d\n", runtime.NumCPU())
	fmt.Printf("Iterations: %d\n", *iter)
	fmt.Printf("\n")

	switch *testType {
	case "all":
		runAllocTests()
		runPartitionTests()
		runTileTests()
		runDispatchTests()
	case "alloc":
		runAllocTests()
	case "partition":
		runPartitionTests()
	case "tile":
		runTileTests()
	case "dispatch":
		runDispatchTests()
	default:
		fmt.Printf("Unknown test type: %s\n", *testType)
		os.Exit(1)
	}
}

func opsPerSecond(n int, d time.Duration) float64 {
	return float64(n) / d.Seconds()
}

func runAllocTests() {
	fmt.Printf("Bank Allocator Performance\n")
	fmt.Printf("--------------------------\n")

	a, err := alloc.New(config.Default().AllocConfig())
	if err != nil {
		fmt.Printf("allocator: %v\n", err)
		return
	}
	bank := alloc.DRAMBank(0)

	// Allocate a run, then free every other block to fragment the bank.
	start := time.Now()
	addrs := make([]uint32, 0, 256)
	for i := 0; i < *iter; i++ {
		addrs = addrs[:0]
		for j := 0; j < cap(addrs); j++ {
			addr, err := a.Allocate(bank, uint32(64+rand.Intn(4096)), "perf")
			if err != nil {
				break
			}
			addrs = append(addrs, addr)
		}
		for j := 0; j < len(addrs); j += 2 {
			_ = a.Free(bank, addrs[j])
		}
		for j := 1; j < len(addrs); j += 2 {
			_ = a.Free(bank, addrs[j])
		}
	}
	bankTime := time.Since(start)
	fmt.Printf("Allocate/free (one bank):    %v (%.2f Kops/s)\n",
		bankTime, opsPerSecond(*iter*2*256, bankTime)/1e3)

	start = time.Now()
	for i := 0; i < *iter; i++ {
		buf, err := a.AllocateInterleaved(64*2048, 2048, "perf")
		if err != nil {
			fmt.Printf("interleaved: %v\n", err)
			return
		}
		_ = buf.Free()
	}
	ilTime := time.Since(start)
	fmt.Printf("Interleaved buffer:          %v (%.2f Kops/s)\n",
		ilTime, opsPerSecond(*iter, ilTime)/1e3)

	if *verbose {
		st, _ := a.Stats(bank)
		fmt.Printf("  bank %s after run: %+v\n", bank, st)
	}
	fmt.Printf("\n")
}

func runPartitionTests() {
	fmt.Printf("Work Partitioner Performance\n")
	fmt.Printf("----------------------------\n")

	g := partition.Grid{Rows: 8, Cols: 8}
	w := partition.Workload{Batch: 4, Rows: 37, Cols: 29}
	for _, mode := range []partition.Mode{partition.ByRow, partition.ByCol, partition.ByBoth} {
		start := time.Now()
		var plan *partition.Plan
		for i := 0; i < *iter; i++ {
			var err error
			if plan, err = partition.Split(w, g, mode, partition.Options{}); err != nil {
				fmt.Printf("%s: %v\n", mode, err)
				return
			}
		}
		d := time.Since(start)
		fmt.Printf("Split %-8s:              %v (%.2f Kplans/s)\n", mode, d, opsPerSecond(*iter, d)/1e3)
		if *verbose {
			fmt.Printf("  %d cores, %d groups\n", plan.NumCores(), len(plan.Groups()))
		}
	}
	fmt.Printf("\n")
}

func runTileTests() {
	fmt.Printf("Tile Math Performance\n")
	fmt.Printf("---------------------\n")

	a, b, out := generateTile(), generateTile(), make([]float32, core.TileHW)
	for _, bc := range []kernels.Broadcast{kernels.Row, kernels.Col, kernels.Scalar} {
		start := time.Now()
		for i := 0; i < *iter; i++ {
			kernels.BcastTile(kernels.Add, bc, a, b, out)
		}
		d := time.Since(start)
		fmt.Printf("Broadcast add (%d):          %v (%.2f Mops/s)\n",
			bc, d, opsPerSecond(*iter*core.TileHW, d)/1e6)
	}

	for _, f := range []core.DataFormat{core.Float32, core.Float16, core.Float16B} {
		page := make([]byte, core.TileSize(f))
		start := time.Now()
		for i := 0; i < *iter; i++ {
			_ = kernels.EncodeTile(f, a, page)
			_ = kernels.DecodeTile(f, page, out)
		}
		d := time.Since(start)
		fmt.Printf("Codec %-10s:            %v (%.2f Mtiles/s)\n", f, d, opsPerSecond(*iter, d)/1e6)
	}
	fmt.Printf("\n")
}

func runDispatchTests() {
	fmt.Printf("Simulated Dispatch Performance\n")
	fmt.Printf("------------------------------\n")

	cfg := config.Default()
	m, err := sim.New(cfg)
	if err != nil {
		fmt.Printf("device: %v\n", err)
		return
	}
	dev, err := tesruntime.Open(cfg, m, m)
	if err != nil {
		fmt.Printf("device: %v\n", err)
		return
	}
	defer dev.Close()

	ctx := context.Background()
	as, bs := ops.Shape{1, 1, 256, 256}, ops.Shape{1, 1, 32, 256}
	a, err1 := ops.NewInterleaved(dev, as, core.Float16B, "a")
	b, err2 := ops.NewInterleaved(dev, bs, core.Float16B, "b")
	out, err3 := ops.NewInterleaved(dev, as, core.Float16B, "out")
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			fmt.Printf("tensors: %v\n", err)
			return
		}
	}

	op := ops.Bcast{Math: ops.BcastAdd, Dim: ops.BcastH}
	runs := max(*iter/100, 1)
	start := time.Now()
	for i := 0; i < runs; i++ {
		if _, err := op.Run(ctx, dev, a, b, out); err != nil {
			fmt.Printf("run: %v\n", err)
			return
		}
	}
	d := time.Since(start)
	st := dev.Stats()
	r := m.LastReport()
	fmt.Printf("Broadcast %v:        %v (%.2f runs/s)\n", as, d, opsPerSecond(runs, d))
	fmt.Printf("Plan cache:                  %d hits / %d misses\n", st.CacheHits, st.CacheMisses)
	fmt.Printf("Simulated time per run:      %s (%d cycles)\n", r.Estimated, r.Cycles)
	fmt.Printf("\n")
}

func generateTile() []float32 {
	data := make([]float32, core.TileHW)
	for i := range data {
		data[i] = rand.Float32()*200 - 100
	}
	return data
}
