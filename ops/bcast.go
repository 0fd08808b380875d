package ops

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/partition"
	"github.com/sbl8/tessera/program"
	"github.com/sbl8/tessera/runtime"
)

// BcastDim is the dimension of a along which b is broadcast.
type BcastDim uint8

const (
	// BcastH repeats one tile row of b down every tile row of a.
	BcastH BcastDim = iota
	// BcastW repeats one tile column of b across every tile column of a.
	BcastW
	// BcastHW repeats a single tile of b over all of a.
	BcastHW
)

var dimNames = [...]string{"H", "W", "HW"}

func (d BcastDim) String() string {
	if int(d) < len(dimNames) {
		return dimNames[d]
	}
	return fmt.Sprintf("BcastDim(%d)", uint8(d))
}

// BcastMath is the elementwise operation.
type BcastMath uint8

const (
	BcastAdd BcastMath = iota
	BcastSub
	BcastMul
)

var mathNames = [...]string{"add", "sub", "mul"}

func (m BcastMath) String() string {
	if int(m) < len(mathNames) {
		return mathNames[m]
	}
	return fmt.Sprintf("BcastMath(%d)", uint8(m))
}

var (
	mathOpDefines  = [...]string{"add_tiles_bcast", "sub_tiles_bcast", "mul_tiles_bcast"}
	mathLLKDefines = [...]string{"ELWADD", "ELWSUB", "ELWMUL"}
	dimLLKDefines  = [...]string{"BroadcastType::ROW", "BroadcastType::COL", "BroadcastType::SCALAR"}
)

// Bcast computes out = a op b with b broadcast along Dim.
type Bcast struct {
	Math BcastMath
	Dim  BcastDim
	// InPlace writes the result over a.
	InPlace bool
	// MaxCores caps the cores an interleaved run spreads over; zero means the
	// whole grid.
	MaxCores int
}

// Defines returns the compute kernel's preprocessor switches. An unsupported
// Math or Dim leaves its switches out.
func (op Bcast) Defines() map[string]string {
	d := make(map[string]string, 3)
	if int(op.Math) < len(mathOpDefines) {
		d["BCAST_OP"] = mathOpDefines[op.Math]
		d["BCAST_LLKOP"] = mathLLKDefines[op.Math]
	}
	if int(op.Dim) < len(dimLLKDefines) {
		d["BCAST_DIM"] = dimLLKDefines[op.Dim]
	}
	return d
}

func (op Bcast) check() error {
	if op.Math > BcastMul || op.Dim > BcastHW {
		return errors.Errorf("unsupported broadcast %s", op)
	}
	return nil
}

func (op Bcast) String() string { return "bcast_" + op.Math.String() + "_" + op.Dim.String() }

// Validate checks a, b and out against the operation. out must already be
// a when the operation runs in place.
func (op Bcast) Validate(dev *runtime.Device, a, b, out Tensor) error {
	if err := op.check(); err != nil {
		return err
	}
	for _, t := range []struct {
		name string
		t    Tensor
	}{{"a", a}, {"b", b}, {"out", out}} {
		if t.t.Buffer == nil {
			return errors.Errorf("%s: %s is not allocated on the device", op, t.name)
		}
		if err := t.t.Shape.Validate(); err != nil {
			return errors.WithMessagef(err, "%s: %s", op, t.name)
		}
		if !t.t.Format.IsFloat() {
			return errors.Errorf("%s: %s has unsupported data format %s", op, t.name, t.t.Format)
		}
		if t.t.Buffer.PageSize() != tileBytes(t.t.Format) || t.t.Buffer.PageStride() != t.t.Buffer.PageSize() {
			return errors.Errorf("%s: %s is not stored one tile per page", op, t.name)
		}
		if t.t.Buffer.PageCount() < uint32(t.t.Tiles()) {
			return errors.Errorf("%s: %s buffer holds %d pages for %d tiles", op, t.name, t.t.Buffer.PageCount(), t.t.Tiles())
		}
	}

	if out.Shape != a.Shape || out.Format != a.Format {
		return errors.Errorf("%s: output %v %s does not match input %v %s", op, out.Shape, out.Format, a.Shape, a.Format)
	}
	if op.InPlace && out.Buffer != a.Buffer {
		return errors.Errorf("%s: in-place output must be a", op)
	}
	if !interleavedDRAM(dev, b.Buffer) {
		return errors.Errorf("%s: b must be interleaved over all %d DRAM channels", op, dev.Allocator().NumDRAMBanks())
	}

	switch {
	case a.Sharded() && op.Dim != BcastH:
		return errors.Errorf("%s: sharded input is only supported when broadcasting along H", op)
	case a.Sharded() && op.InPlace:
		return errors.Errorf("%s: in-place broadcast over a sharded input is not supported", op)
	case a.Sharded():
		if !out.Sharded() || !sameShards(a.Buffer, out.Buffer) {
			return errors.Errorf("%s: output must be sharded like the input", op)
		}
		if a.Buffer.PageCount() != uint32(a.Tiles()) || a.Buffer.Shard().PagesPerCore%uint32(a.Wt()) != 0 {
			return errors.Wrapf(core.ErrIndivisibleWorkload, "%s: shards of %d pages do not hold whole rows of %d tiles", op, a.Buffer.Shard().PagesPerCore, a.Wt())
		}
	default:
		if !interleavedDRAM(dev, out.Buffer) {
			return errors.Errorf("%s: output must be interleaved like the input", op)
		}
	}

	aN, aC, bN, bC := a.Shape.N(), a.Shape.C(), b.Shape.N(), b.Shape.C()
	if a.Sharded() && op.Dim == BcastH {
		// A per-batch b row is allowed as long as it matches a's batch count.
		if bN*bC != 1 && bN*bC != aN*aC {
			return errors.Errorf("%s: b batch %dx%d does not match a batch %dx%d", op, bN, bC, aN, aC)
		}
	} else if bN*bC != 1 && (bN != aN || bC != aC) {
		return errors.Errorf("%s: broadcast needs bN*bC = 1 or matching N and C, got b %dx%d for a %dx%d", op, bN, bC, aN, aC)
	}

	switch op.Dim {
	case BcastW:
		if a.Shape.H() != b.Shape.H() || b.Shape.W() != core.TileWidth {
			return errors.Errorf("%s: b must be %dx%d, got %dx%d", op, a.Shape.H(), core.TileWidth, b.Shape.H(), b.Shape.W())
		}
	case BcastH:
		if a.Shape.W() != b.Shape.W() || b.Shape.H() != core.TileHeight {
			return errors.Errorf("%s: b must be %dx%d, got %dx%d", op, core.TileHeight, a.Shape.W(), b.Shape.H(), b.Shape.W())
		}
	default:
		if b.Shape.H() != core.TileHeight || b.Shape.W() != core.TileWidth {
			return errors.Errorf("%s: b must be a single %dx%d tile, got %dx%d", op, core.TileHeight, core.TileWidth, b.Shape.H(), b.Shape.W())
		}
	}
	return nil
}

func interleavedDRAM(dev *runtime.Device, buf *alloc.Buffer) bool {
	if buf.Kind() != alloc.Interleaved {
		return false
	}
	banks := buf.Banks()
	if len(banks) != dev.Allocator().NumDRAMBanks() {
		return false
	}
	for i, id := range banks {
		if id != alloc.DRAMBank(i) {
			return false
		}
	}
	return true
}

func sameShards(x, y *alloc.Buffer) bool {
	xs, ys := x.Shard(), y.Shard()
	if xs.PagesPerCore != ys.PagesPerCore {
		return false
	}
	xc, yc := xs.Cores.Cores(), ys.Cores.Cores()
	if len(xc) != len(yc) {
		return false
	}
	for i := range xc {
		if xc[i] != yc[i] {
			return false
		}
	}
	return true
}

// layout is the partition metadata of running op over a.
func (op Bcast) layout(a Tensor) partition.Layout {
	l := partition.Layout{
		Sharded:  a.Sharded() && op.Dim == BcastH,
		RowSplit: op.Dim == BcastH,
		ColSplit: op.Dim == BcastW,
	}
	if l.Sharded {
		spec := a.Buffer.Shard()
		rows := int(spec.PagesPerCore) / a.Wt()
		for _, c := range spec.Cores.Cores() {
			l.Shards = append(l.Shards, partition.Shard{Core: c, Rows: rows})
		}
	}
	return l
}

// Strategy is the partition mode op uses for a.
func (op Bcast) Strategy(a Tensor) partition.Mode {
	return partition.SelectMode(op.layout(a))
}

// Key identifies the program op builds for these tensors. Buffer addresses
// are left out so a cached program can be replayed on new buffers.
func (op Bcast) Key(a, b, out Tensor) uint64 {
	h := fnv.New64a()
	put := func(vs ...uint32) {
		for _, v := range vs {
			_ = binary.Write(h, binary.LittleEndian, v)
		}
	}
	bit := func(v bool) uint32 {
		if v {
			return 1
		}
		return 0
	}
	put(uint32(op.Math), uint32(op.Dim), bit(op.InPlace), uint32(op.MaxCores), uint32(op.Strategy(a)))
	for _, t := range []Tensor{a, b, out} {
		for _, d := range t.Shape {
			put(uint32(d))
		}
		put(uint32(t.Format), bit(t.Sharded()))
		if t.Sharded() {
			spec := t.Buffer.Shard()
			put(spec.PagesPerCore)
			for _, c := range spec.Cores.Cores() {
				put(uint32(c.X), uint32(c.Y))
			}
		}
	}
	return h.Sum64()
}

// Program builds the reader, compute and writer program of op over a, b and
// out, with an override that rebinds it to new tensors of the same geometry.
func (op Bcast) Program(dev *runtime.Device, a, b, out Tensor) (*program.Program, error) {
	if err := op.check(); err != nil {
		return nil, err
	}
	plan, err := partition.Choose(a.Workload(), dev.Grid(), op.layout(a), partition.Options{MaxCores: op.MaxCores})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", op)
	}
	cores := plan.CoreSet()
	sharded := plan.Mode == partition.Sharded

	p := program.New(op.String())
	ta, tb, to := tileBytes(a.Format), tileBytes(b.Format), tileBytes(out.Format)
	banks := uint32(dev.Allocator().NumDRAMBanks())
	batched := uint32(0)
	if b.Shape.N()*b.Shape.C() > 1 {
		batched = 1
	}
	readerArgs := []uint32{ta, banks, uint32(a.Ht()), uint32(a.Wt()), uint32(op.Dim), batched, tb}

	readerSrc, writerSrc := kernels.ReaderInterleaved, kernels.WriterInterleaved
	if sharded {
		readerSrc, writerSrc = kernels.ReaderSharded, kernels.WriterSharded
	}
	reader, err := p.AddKernel(program.KernelSpec{Role: program.Reader, Source: readerSrc, Cores: cores, CompileArgs: readerArgs})
	if err != nil {
		return nil, err
	}
	compute, err := p.AddKernel(program.KernelSpec{Role: program.Compute, Source: kernels.BcastCompute, Cores: cores, Defines: op.Defines()})
	if err != nil {
		return nil, err
	}
	writer, err := p.AddKernel(program.KernelSpec{Role: program.Writer, Source: writerSrc, Cores: cores, CompileArgs: []uint32{to, banks}})
	if err != nil {
		return nil, err
	}

	if err := op.addBuffers(p, cores, a, b, out, sharded); err != nil {
		return nil, err
	}

	for _, as := range plan.Assignments {
		run := []uint32{uint32(as.StartTile), uint32(as.TileCount), uint32(as.Inner), uint32(as.Stride)}
		count := []uint32{uint32(as.TileCount)}
		var rargs, wargs []uint32
		if sharded {
			rargs = append([]uint32{b.Buffer.Address()}, run...)
			wargs = count
		} else {
			rargs = append([]uint32{a.Buffer.Address(), b.Buffer.Address()}, run...)
			wargs = append([]uint32{out.Buffer.Address()}, run...)
		}
		if err := p.SetRuntimeArgs(reader, as.Core, rargs); err != nil {
			return nil, err
		}
		if err := p.SetRuntimeArgs(compute, as.Core, count); err != nil {
			return nil, err
		}
		if err := p.SetRuntimeArgs(writer, as.Core, wargs); err != nil {
			return nil, err
		}
	}

	m := program.OverrideMap{}
	if sharded {
		m[program.Input(1)] = []program.SlotRef{{Kernel: reader, Slot: kernels.ShardReaderSrcB}}
	} else {
		m[program.Input(0)] = []program.SlotRef{{Kernel: reader, Slot: kernels.ReaderSrcA}}
		m[program.Input(1)] = []program.SlotRef{{Kernel: reader, Slot: kernels.ReaderSrcB}}
		m[program.Output(0)] = []program.SlotRef{{Kernel: writer, Slot: kernels.WriterDst}}
	}
	fn, err := program.BuildOverride(p, m)
	if err != nil {
		return nil, err
	}
	p.SetOverride(fn)
	return p, nil
}

// Input and output queues are double buffered. Sharded queues span the whole
// shard and sit on the tensor itself.
const bufferedTiles = 2

func (op Bcast) addBuffers(p *program.Program, cores core.CoreSet, a, b, out Tensor, sharded bool) error {
	queue := func(i cb.Index, f core.DataFormat, pages uint32) *cb.Config {
		size := tileBytes(f)
		return cb.NewConfig(pages*size, map[cb.Index]core.DataFormat{i: f}).SetPageSize(i, size)
	}

	if _, err := p.AddCircularBuffer(cores, queue(cb.In1, b.Format, bufferedTiles)); err != nil {
		return err
	}
	if !sharded {
		if _, err := p.AddCircularBuffer(cores, queue(cb.In0, a.Format, bufferedTiles)); err != nil {
			return err
		}
		_, err := p.AddCircularBuffer(cores, queue(cb.Out0, out.Format, bufferedTiles))
		return err
	}

	per := a.Buffer.Shard().PagesPerCore
	in, outRef := program.Input(0), program.Output(0)
	if _, err := p.AddGlobalCircularBuffer(a.Buffer.Shard().Cores, queue(cb.In0, a.Format, per), a.Buffer, &in); err != nil {
		return err
	}
	_, err := p.AddGlobalCircularBuffer(out.Buffer.Shard().Cores, queue(cb.Out0, out.Format, per), out.Buffer, &outRef)
	return err
}

// Run validates the tensors and dispatches op through the device's plan
// cache. It returns the tensor holding the result: out, or a when in place.
func (op Bcast) Run(ctx context.Context, dev *runtime.Device, a, b, out Tensor) (Tensor, error) {
	if op.InPlace {
		out = a
	}
	if err := op.Validate(dev, a, b, out); err != nil {
		return Tensor{}, err
	}
	build := func() (*program.Program, error) { return op.Program(dev, a, b, out) }
	inputs := []*alloc.Buffer{a.Buffer, b.Buffer}
	outputs := []*alloc.Buffer{out.Buffer}
	if err := dev.Run(ctx, op.Key(a, b, out), build, inputs, outputs); err != nil {
		return Tensor{}, err
	}
	return out, nil
}
