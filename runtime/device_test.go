package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/config"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/partition"
	"github.com/sbl8/tessera/program"
)

type fakeTopology struct{}

func (fakeTopology) GridSize() (int, int) { return 2, 2 }
func (fakeTopology) DRAMBanks() int       { return 4 }
func (fakeTopology) DRAMBankSize() uint32 { return 1 << 20 }
func (fakeTopology) L1Size() uint32       { return 64 << 10 }

type fakeImage struct{ src string }

func (i fakeImage) Source() string { return i.src }

// recordingExecutor keeps the unpacked arguments of every launch.
type recordingExecutor struct {
	mu          sync.Mutex
	compiles    int
	launches    []map[program.ArgKey][]uint32
	failOn      string
	onLaunch    func(*Launch)
	dispatchErr error
}

func (e *recordingExecutor) Compile(_ context.Context, src KernelSource) (Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if src.Source == e.failOn {
		return nil, errors.Errorf("cannot compile %s", src.Source)
	}
	e.compiles++
	return fakeImage{src: src.Source}, nil
}

func (e *recordingExecutor) Dispatch(_ context.Context, l *Launch) error {
	if e.dispatchErr != nil {
		return e.dispatchErr
	}
	got := make(map[program.ArgKey][]uint32)
	for _, c := range l.Cores {
		for _, k := range c.Kernels {
			args, err := core.UnpackArgs(k.Args)
			if err != nil {
				return err
			}
			got[program.ArgKey{Kernel: k.Kernel, Core: c.Core}] = args
		}
	}
	e.mu.Lock()
	e.launches = append(e.launches, got)
	e.mu.Unlock()
	if e.onLaunch != nil {
		e.onLaunch(l)
	}
	return nil
}

func (e *recordingExecutor) ReadBack(_ context.Context, _ alloc.BankID, _, n uint32) ([]byte, error) {
	return make([]byte, n), nil
}

func testDeviceConfig() config.DeviceConfig {
	cfg := config.Default()
	cfg.L1Reserved = 4 << 10
	cfg.PlanCacheSize = 4
	return cfg
}

func openTestDevice(t *testing.T, exec Executor) *Device {
	t.Helper()
	dev, err := Open(testDeviceConfig(), fakeTopology{}, exec)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestOpenUsesTopology(t *testing.T) {
	t.Parallel()
	dev := openTestDevice(t, &recordingExecutor{})
	if g := dev.Grid(); g.Rows != 2 || g.Cols != 2 {
		t.Errorf("Grid() = %+v", g)
	}
	if dev.Allocator().NumDRAMBanks() != 4 {
		t.Errorf("NumDRAMBanks() = %d", dev.Allocator().NumDRAMBanks())
	}
	if _, err := Open(testDeviceConfig(), fakeTopology{}, nil); err == nil {
		t.Error("expected Open to reject a nil executor")
	}
}

func TestCloseEndsSession(t *testing.T) {
	t.Parallel()
	dev, err := Open(testDeviceConfig(), fakeTopology{}, &recordingExecutor{})
	if err != nil {
		t.Fatal(err)
	}
	buf, err := dev.Allocator().AllocateInterleaved(4096, 2048, "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := dev.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if _, err := dev.ReadBuffer(context.Background(), buf); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadBuffer after close = %v, want ErrClosed", err)
	}
	stats, _ := dev.Allocator().Stats(alloc.DRAMBank(0))
	if stats.Allocations != 0 {
		t.Errorf("close left %d allocations", stats.Allocations)
	}
}

// scenario is a reader/compute/writer program over a by-both split.
type scenario struct {
	prog                    *program.Program
	reader, compute, writer program.KernelID
	plan                    *partition.Plan
}

func buildScenario(t *testing.T, dev *Device, in0, in1, out *alloc.Buffer) scenario {
	t.Helper()
	plan, err := partition.Split(partition.Workload{Batch: 1, Rows: 2, Cols: 4}, dev.Grid(), partition.ByBoth, partition.Options{})
	if err != nil {
		t.Fatal(err)
	}
	cores := plan.CoreSet()
	tile := uint32(core.TileSize(core.Float16B))

	s := scenario{prog: program.New("scenario"), plan: plan}
	s.reader, err = s.prog.AddKernel(program.KernelSpec{Role: program.Reader, Source: "reader", Cores: cores})
	if err != nil {
		t.Fatal(err)
	}
	s.compute, err = s.prog.AddKernel(program.KernelSpec{Role: program.Compute, Source: "compute", Cores: cores})
	if err != nil {
		t.Fatal(err)
	}
	s.writer, err = s.prog.AddKernel(program.KernelSpec{Role: program.Writer, Source: "writer", Cores: cores})
	if err != nil {
		t.Fatal(err)
	}
	cfg := cb.NewConfig(2*tile, map[cb.Index]core.DataFormat{cb.In0: core.Float16B}).SetPageSize(cb.In0, tile)
	if _, err := s.prog.AddCircularBuffer(cores, cfg); err != nil {
		t.Fatal(err)
	}

	for _, a := range plan.Assignments {
		start, n := uint32(a.StartTile), uint32(a.TileCount)
		if err := s.prog.SetRuntimeArgs(s.reader, a.Core, []uint32{in0.Address(), in1.Address(), start, n}); err != nil {
			t.Fatal(err)
		}
		if err := s.prog.SetRuntimeArgs(s.compute, a.Core, []uint32{n}); err != nil {
			t.Fatal(err)
		}
		if err := s.prog.SetRuntimeArgs(s.writer, a.Core, []uint32{out.Address(), start, n}); err != nil {
			t.Fatal(err)
		}
	}
	fn, err := program.BuildOverride(s.prog, program.OverrideMap{
		program.Input(0):  {{Kernel: s.reader, Slot: 0}},
		program.Input(1):  {{Kernel: s.reader, Slot: 1}},
		program.Output(0): {{Kernel: s.writer, Slot: 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.prog.SetOverride(fn)
	return s
}

func TestEndToEndOverrideChangesOnlyAddressSlots(t *testing.T) {
	t.Parallel()
	exec := &recordingExecutor{}
	dev := openTestDevice(t, exec)
	a := dev.Allocator()
	ctx := context.Background()

	in0, err := a.AllocateInBank(alloc.DRAMBank(0), 8*2048, 2048, "in0")
	if err != nil {
		t.Fatal(err)
	}
	in1, err := a.AllocateInBank(alloc.DRAMBank(1), 4*2048, 2048, "in1")
	if err != nil {
		t.Fatal(err)
	}
	out, _ := a.AllocateInBank(alloc.DRAMBank(2), 8*2048, 2048, "out")

	var s scenario
	build := func() (*program.Program, error) {
		s = buildScenario(t, dev, in0, in1, out)
		return s.prog, nil
	}
	if err := dev.Run(ctx, 42, build, []*alloc.Buffer{in0, in1}, []*alloc.Buffer{out}); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if s.plan.NumCores() != 4 {
		t.Fatalf("plan uses %d cores, want 4", s.plan.NumCores())
	}

	// Fresh tensors at different addresses replay the cached program.
	in0b, _ := a.AllocateInBank(alloc.DRAMBank(0), 8*2048, 2048, "in0b")
	in1b, _ := a.AllocateInBank(alloc.DRAMBank(1), 4*2048, 2048, "in1b")
	outb, _ := a.AllocateInBank(alloc.DRAMBank(2), 8*2048, 2048, "outb")
	rebuilt := false
	if err := dev.Run(ctx, 42, func() (*program.Program, error) { rebuilt = true; return nil, nil }, []*alloc.Buffer{in0b, in1b}, []*alloc.Buffer{outb}); err != nil {
		t.Fatalf("replay Run failed: %v", err)
	}
	if rebuilt {
		t.Fatal("cached plan was rebuilt")
	}
	if exec.compiles != 3 {
		t.Errorf("compiled %d images, want 3", exec.compiles)
	}

	first, second := exec.launches[0], exec.launches[1]
	if len(first) != 12 || len(second) != 12 {
		t.Fatalf("launch sizes %d and %d, want 12", len(first), len(second))
	}
	addressSlots := map[program.KernelID]map[int]bool{
		s.reader: {0: true, 1: true},
		s.writer: {0: true},
	}
	for key, before := range first {
		after := second[key]
		if len(after) != len(before) {
			t.Fatalf("%+v: length %d -> %d", key, len(before), len(after))
		}
		for slot := range before {
			changed := before[slot] != after[slot]
			if changed != addressSlots[key.Kernel][slot] {
				t.Errorf("%+v slot %d: %#x -> %#x", key, slot, before[slot], after[slot])
			}
		}
	}

	stats := dev.Stats()
	if stats.Dispatches != 2 || stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.KernelLaunches["reader"] != 8 {
		t.Errorf("reader launched %d times, want 8", stats.KernelLaunches["reader"])
	}
}

func TestDispatchDetectsArgumentCountChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("before launch", func(t *testing.T) {
		exec := &recordingExecutor{}
		dev := openTestDevice(t, exec)
		buf, err := dev.Allocator().AllocateInterleaved(8*2048, 2048, "b")
		if err != nil {
			t.Fatal(err)
		}
		s := buildScenario(t, dev, buf, buf, buf)
		prep, err := dev.Prepare(ctx, s.prog)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.prog.SetRuntimeArgs(s.compute, core.CoreCoord{}, []uint32{1, 2}); err != nil {
			t.Fatal(err)
		}
		err = dev.Dispatcher().Dispatch(ctx, prep)
		if !errors.Is(err, core.ErrArgumentCountMismatch) {
			t.Fatalf("Dispatch = %v, want ErrArgumentCountMismatch", err)
		}
		if len(exec.launches) != 0 {
			t.Error("executor ran despite the mismatch")
		}
	})

	t.Run("during launch", func(t *testing.T) {
		exec := &recordingExecutor{}
		dev := openTestDevice(t, exec)
		buf, err := dev.Allocator().AllocateInterleaved(8*2048, 2048, "b")
		if err != nil {
			t.Fatal(err)
		}
		s := buildScenario(t, dev, buf, buf, buf)
		exec.onLaunch = func(*Launch) {
			if err := s.prog.SetRuntimeArgs(s.writer, core.CoreCoord{X: 1}, []uint32{0}); err != nil {
				t.Error(err)
			}
		}
		prep, err := dev.Prepare(ctx, s.prog)
		if err != nil {
			t.Fatal(err)
		}
		if err := dev.Dispatcher().Dispatch(ctx, prep); !errors.Is(err, core.ErrArgumentCountMismatch) {
			t.Fatalf("Dispatch = %v, want ErrArgumentCountMismatch", err)
		}
	})
}

func TestPrepareRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recordingExecutor{failOn: "writer"}
	dev := openTestDevice(t, exec)
	buf, _ := dev.Allocator().AllocateInterleaved(8*2048, 2048, "b")
	s := buildScenario(t, dev, buf, buf, buf)

	if _, err := dev.Prepare(ctx, s.prog); err == nil {
		t.Fatal("expected compile failure")
	}
	if n := dev.Registry().Len(); n != 0 {
		t.Errorf("failed prepare left %d circular buffer regions", n)
	}

	big := program.New("big")
	_, _ = big.AddKernel(program.KernelSpec{Role: program.Compute, Source: "c", Cores: core.Range(core.GridRange(2, 2))})
	tile := uint32(core.TileSize(core.Float32))
	small := cb.NewConfig(tile, map[cb.Index]core.DataFormat{cb.In0: core.Float32}).SetPageSize(cb.In0, tile)
	huge := cb.NewConfig(15*tile, map[cb.Index]core.DataFormat{cb.In1: core.Float32}).SetPageSize(cb.In1, tile)
	_, _ = big.AddCircularBuffer(core.Range(core.GridRange(2, 2)), small)
	_, _ = big.AddCircularBuffer(core.Range(core.GridRange(2, 2)), huge)

	_, err := dev.Prepare(ctx, big)
	if !errors.Is(err, core.ErrRegionOverflow) {
		t.Fatalf("Prepare = %v, want ErrRegionOverflow", err)
	}
	if n := dev.Registry().Len(); n != 0 {
		t.Errorf("overflowing prepare left %d regions", n)
	}
}

func TestPrepareRejectsCoresOffGrid(t *testing.T) {
	t.Parallel()
	dev := openTestDevice(t, &recordingExecutor{})
	p := program.New("wide")
	_, _ = p.AddKernel(program.KernelSpec{Role: program.Reader, Source: "r", Cores: core.Range(core.GridRange(3, 1))})
	if _, err := dev.Prepare(context.Background(), p); !errors.Is(err, core.ErrGridTooLarge) {
		t.Errorf("Prepare = %v, want ErrGridTooLarge", err)
	}
}

func TestDispatchWrapsExecutorFault(t *testing.T) {
	t.Parallel()
	fault := errors.New("core (1,1) hung")
	exec := &recordingExecutor{dispatchErr: fault}
	dev := openTestDevice(t, exec)
	buf, _ := dev.Allocator().AllocateInterleaved(8*2048, 2048, "b")
	err := dev.Run(context.Background(), 1, func() (*program.Program, error) {
		return buildScenario(t, dev, buf, buf, buf).prog, nil
	}, nil, nil)
	if errors.Cause(err) != fault {
		t.Errorf("Run = %v, want wrapped executor fault", err)
	}
	if dev.Stats().Dispatches != 0 {
		t.Error("failed dispatch was counted")
	}
}
