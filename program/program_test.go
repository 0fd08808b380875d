package program

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/core"
)

func testAllocator(t *testing.T) *alloc.Allocator {
	t.Helper()
	a, err := alloc.New(alloc.Config{
		DRAMBanks:    4,
		DRAMBankSize: 1 << 20,
		GridCols:     2,
		GridRows:     2,
		L1Size:       64 * 1024,
		L1Reserved:   4 * 1024,
		Alignment:    32,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

var grid = core.Range(core.GridRange(2, 2))

// newBoundProgram builds reader/compute/writer kernels on a 2x2 grid with
// [src, start, count] reader args and [dst, start, count] writer args.
func newBoundProgram(t *testing.T) (*Program, KernelID, KernelID, KernelID) {
	t.Helper()
	p := New("eltwise")
	reader, err := p.AddKernel(KernelSpec{Role: Reader, Source: "reader_interleaved", Cores: grid, CompileArgs: []uint32{1}})
	if err != nil {
		t.Fatal(err)
	}
	compute, err := p.AddKernel(KernelSpec{Role: Compute, Source: "bcast_compute", Cores: grid, Defines: map[string]string{"BCAST_DIM": "BroadcastType::ROW"}})
	if err != nil {
		t.Fatal(err)
	}
	writer, err := p.AddKernel(KernelSpec{Role: Writer, Source: "writer_interleaved", Cores: grid})
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range grid.Cores() {
		start := uint32(i * 2)
		if err := p.SetRuntimeArgs(reader, c, []uint32{0x1000, start, 2}); err != nil {
			t.Fatal(err)
		}
		if err := p.SetRuntimeArgs(compute, c, []uint32{1, 2}); err != nil {
			t.Fatal(err)
		}
		if err := p.SetRuntimeArgs(writer, c, []uint32{0x2000, start, 2}); err != nil {
			t.Fatal(err)
		}
	}
	return p, reader, compute, writer
}

func TestAddKernelDefines(t *testing.T) {
	t.Parallel()
	p := New("defines")
	id, err := p.AddKernel(KernelSpec{Role: Writer, Source: "w", Cores: grid, Defines: map[string]string{"NOC_INDEX": "0", "EXTRA": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	k, _ := p.Kernel(id)
	defs := k.Defines()
	if defs["KERNEL_ROLE"] != "WRITER" || defs["NOC_INDEX"] != "0" || defs["EXTRA"] != "1" {
		t.Errorf("defines = %v", defs)
	}

	if _, err := p.AddKernel(KernelSpec{Role: Reader, Cores: grid}); err == nil {
		t.Error("expected error for empty source")
	}
	bad := core.Range(core.CoreRange{Start: core.CoreCoord{X: 1}, End: core.CoreCoord{X: 0}})
	if _, err := p.AddKernel(KernelSpec{Role: Reader, Source: "r", Cores: bad}); err == nil {
		t.Error("expected error for inverted core range")
	}
}

func TestRuntimeArgsAreCopies(t *testing.T) {
	t.Parallel()
	p := New("copies")
	id, _ := p.AddKernel(KernelSpec{Role: Reader, Source: "r", Cores: grid})

	shared := []uint32{7, 8, 9}
	a, b := core.CoreCoord{X: 0, Y: 0}, core.CoreCoord{X: 1, Y: 0}
	_ = p.SetRuntimeArgs(id, a, shared)
	_ = p.SetRuntimeArgs(id, b, shared)
	shared[0] = 100

	if err := p.SetRuntimeArg(id, a, 1, 42); err != nil {
		t.Fatal(err)
	}
	got, _ := p.RuntimeArgs(id, b)
	if got[0] != 7 || got[1] != 8 {
		t.Errorf("core %s args = %v, want untouched [7 8 9]", b, got)
	}
	got[2] = 0
	again, _ := p.RuntimeArgs(id, b)
	if again[2] != 9 {
		t.Error("RuntimeArgs returned an alias of internal state")
	}

	if err := p.SetRuntimeArgs(id, core.CoreCoord{X: 5}, shared); err == nil {
		t.Error("expected error binding a core the kernel does not run on")
	}
	if err := p.SetRuntimeArg(id, a, 3, 1); !errors.Is(err, core.ErrArgumentCountMismatch) {
		t.Errorf("slot past end error = %v, want ErrArgumentCountMismatch", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newBoundProgram(t)
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	_, _ = p.AddKernel(KernelSpec{Role: Reader, Source: "second_reader", Cores: core.Coordinate(core.CoreCoord{X: 1, Y: 1})})
	if err := p.Validate(); err == nil {
		t.Error("expected error for two readers on one core")
	}

	q := New("partial")
	id, _ := q.AddKernel(KernelSpec{Role: Reader, Source: "r", Cores: grid})
	_ = q.SetRuntimeArgs(id, core.CoreCoord{}, []uint32{1})
	if err := q.Validate(); err == nil {
		t.Error("expected error for kernel bound on only some cores")
	}
}

func TestOverrideIdempotent(t *testing.T) {
	t.Parallel()
	a := testAllocator(t)
	p, reader, compute, writer := newBoundProgram(t)

	fn, err := BuildOverride(p, OverrideMap{
		Input(0):  {{Kernel: reader, Slot: 0}},
		Output(0): {{Kernel: writer, Slot: 0}},
	})
	if err != nil {
		t.Fatalf("BuildOverride failed: %v", err)
	}

	in, _ := a.AllocateInterleaved(8192, 2048, "in")
	out, _ := a.AllocateInterleaved(8192, 2048, "out")
	// Shift the output so the two addresses differ.
	out2, _ := a.AllocateInterleaved(8192, 2048, "out2")
	_ = out.Free()

	snapshot := func() [][]byte {
		var s [][]byte
		for _, k := range []KernelID{reader, compute, writer} {
			for _, c := range grid.Cores() {
				args, _ := p.RuntimeArgs(k, c)
				s = append(s, core.PackArgs(args))
			}
		}
		return s
	}

	lengths := p.ArgLengths()
	if err := fn([]*alloc.Buffer{in}, []*alloc.Buffer{out2}); err != nil {
		t.Fatal(err)
	}
	once := snapshot()
	if err := fn([]*alloc.Buffer{in}, []*alloc.Buffer{out2}); err != nil {
		t.Fatal(err)
	}
	twice := snapshot()

	for i := range once {
		if !bytes.Equal(once[i], twice[i]) {
			t.Fatalf("vector %d changed on second application", i)
		}
	}
	for key, n := range p.ArgLengths() {
		if lengths[key] != n {
			t.Errorf("%+v length %d -> %d", key, lengths[key], n)
		}
	}

	for i, c := range grid.Cores() {
		r, _ := p.RuntimeArgs(reader, c)
		w, _ := p.RuntimeArgs(writer, c)
		if r[0] != in.Address() || w[0] != out2.Address() {
			t.Errorf("core %s: reader src %#x writer dst %#x", c, r[0], w[0])
		}
		if r[1] != uint32(i*2) || r[2] != 2 {
			t.Errorf("core %s: non-address reader slots changed: %v", c, r)
		}
	}
}

func TestBuildOverrideRejectsBadSlots(t *testing.T) {
	t.Parallel()
	p, reader, _, _ := newBoundProgram(t)
	tests := []struct {
		name string
		m    OverrideMap
	}{
		{"slot past end", OverrideMap{Input(0): {{Kernel: reader, Slot: 3}}}},
		{"unknown kernel", OverrideMap{Input(0): {{Kernel: 9, Slot: 0}}}},
		{"negative buffer", OverrideMap{Input(-1): {{Kernel: reader, Slot: 0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildOverride(p, tt.m); err == nil {
				t.Error("expected BuildOverride to fail")
			}
		})
	}

	fn, err := BuildOverride(p, OverrideMap{Input(1): {{Kernel: reader, Slot: 0}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := fn(nil, nil); !errors.Is(err, core.ErrArgumentCountMismatch) {
		t.Errorf("too few buffers error = %v, want ErrArgumentCountMismatch", err)
	}
}

func TestOverrideMovesGlobalCircularBuffer(t *testing.T) {
	t.Parallel()
	a := testAllocator(t)
	tile := uint32(core.TileSize(core.Float16B))
	p := New("sharded")
	if _, err := p.AddKernel(KernelSpec{Role: Compute, Source: "c", Cores: grid}); err != nil {
		t.Fatal(err)
	}

	first, _ := a.AllocateSharded(grid, 1, tile, "first")
	second, _ := a.AllocateSharded(grid, 1, tile, "second")
	ref := Input(0)
	cfg := cb.NewConfig(tile, map[cb.Index]core.DataFormat{cb.In0: core.Float16B}).SetPageSize(cb.In0, tile)
	if _, err := p.AddGlobalCircularBuffer(grid, cfg, first, &ref); err != nil {
		t.Fatal(err)
	}

	fn, err := BuildOverride(p, OverrideMap{})
	if err != nil {
		t.Fatal(err)
	}
	if err := fn([]*alloc.Buffer{second}, nil); err != nil {
		t.Fatal(err)
	}
	if got := p.CircularBuffers()[0].Buffer; got != second {
		t.Errorf("global circular buffer still on %q", got.Tag())
	}
}

func TestFailedOverrideLeavesProgramUnchanged(t *testing.T) {
	t.Parallel()
	a := testAllocator(t)
	p, reader, compute, writer := newBoundProgram(t)

	tile := uint32(core.TileSize(core.Float16B))
	shard, _ := a.AllocateSharded(grid, 1, tile, "shard")
	ref := Input(1)
	cfg := cb.NewConfig(tile, map[cb.Index]core.DataFormat{cb.In1: core.Float16B}).SetPageSize(cb.In1, tile)
	if _, err := p.AddGlobalCircularBuffer(grid, cfg, shard, &ref); err != nil {
		t.Fatal(err)
	}

	fn, err := BuildOverride(p, OverrideMap{
		Input(0):  {{Kernel: reader, Slot: 0}},
		Output(0): {{Kernel: writer, Slot: 0}},
	})
	if err != nil {
		t.Fatal(err)
	}

	snapshot := func() [][]byte {
		var s [][]byte
		for _, k := range []KernelID{reader, compute, writer} {
			for _, c := range grid.Cores() {
				args, _ := p.RuntimeArgs(k, c)
				s = append(s, core.PackArgs(args))
			}
		}
		return s
	}
	before := snapshot()

	in, _ := a.AllocateInterleaved(8192, 2048, "in")
	out, _ := a.AllocateInterleaved(8192, 2048, "out")
	flat, _ := a.AllocateInterleaved(8192, 2048, "flat")
	tests := []struct {
		name            string
		inputs, outputs []*alloc.Buffer
	}{
		{"nil output", []*alloc.Buffer{in, shard}, []*alloc.Buffer{nil}},
		{"nil input", []*alloc.Buffer{nil, shard}, []*alloc.Buffer{out}},
		{"interleaved circular buffer backing", []*alloc.Buffer{in, flat}, []*alloc.Buffer{out}},
	}
	for _, tt := range tests {
		if err := fn(tt.inputs, tt.outputs); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
		after := snapshot()
		for i := range before {
			if !bytes.Equal(before[i], after[i]) {
				t.Errorf("%s: argument vector %d changed by a failed override", tt.name, i)
			}
		}
		if got := p.CircularBuffers()[0].Buffer; got != shard {
			t.Errorf("%s: circular buffer moved to %q", tt.name, got.Tag())
		}
	}

	if err := fn([]*alloc.Buffer{in, shard}, []*alloc.Buffer{out}); err != nil {
		t.Fatalf("valid override: %v", err)
	}
	args, _ := p.RuntimeArgs(reader, core.CoreCoord{})
	if args[0] != in.Address() {
		t.Errorf("reader slot 0 = %#x, want %#x", args[0], in.Address())
	}
}

func TestHashIgnoresRuntimeState(t *testing.T) {
	t.Parallel()
	p1, r1, _, _ := newBoundProgram(t)
	p2, _, _, _ := newBoundProgram(t)
	if p1.Hash() != p2.Hash() {
		t.Fatal("identical programs hash differently")
	}

	_ = p1.SetRuntimeArg(r1, core.CoreCoord{}, 0, 0xdead)
	if p1.Hash() != p2.Hash() {
		t.Error("runtime argument change altered the hash")
	}

	p3 := New("eltwise")
	_, _ = p3.AddKernel(KernelSpec{Role: Reader, Source: "reader_interleaved", Cores: grid, CompileArgs: []uint32{0}})
	if p3.Hash() == p1.Hash() {
		t.Error("different compile args produced the same hash")
	}
}
