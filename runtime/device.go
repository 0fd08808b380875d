// Package runtime runs programs on a device session.
//
// A Device is the owned, explicitly opened and closed session that holds the
// bank allocator, the circular buffer registry and the plan cache for one
// grid. The grid itself is driven through two collaborators: a Topology
// reported at bring-up and an Executor that compiles kernels, dispatches
// launches and reads memory back.
//
// Execution model:
//  1. Open a session against a topology and an executor
//  2. Allocate buffers and build a program for an operation
//  3. Prepare it once: compile images and lay out circular buffers
//  4. Dispatch it, replaying cached plans through their override
//  5. Close the session to release every allocation
package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/config"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/partition"
	"github.com/sbl8/tessera/program"
)

// ErrClosed is returned by every operation on a closed session.
var ErrClosed = errors.New("device session is closed")

// Device is one session on one grid.
type Device struct {
	cfg        config.DeviceConfig
	exec       Executor
	alloc      *alloc.Allocator
	cbs        *cb.Registry
	plans      *PlanCache
	dispatcher *Dispatcher
	stats      *statsRecorder

	mu     sync.Mutex
	closed bool
}

// Open starts a session. Physical dimensions come from topo and override the
// matching fields of cfg; policy fields (reserved L1, alignment, clock, plan
// cache size) come from cfg.
func Open(cfg config.DeviceConfig, topo Topology, exec Executor) (*Device, error) {
	if exec == nil {
		return nil, errors.New("open device: nil executor")
	}
	if topo != nil {
		cfg.GridCols, cfg.GridRows = topo.GridSize()
		cfg.DRAMBanks = topo.DRAMBanks()
		cfg.DRAMBankSize = topo.DRAMBankSize()
		cfg.L1Size = topo.L1Size()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "open device")
	}

	a, err := alloc.New(cfg.AllocConfig())
	if err != nil {
		return nil, errors.WithMessage(err, "open device")
	}

	d := &Device{
		cfg:   cfg,
		exec:  exec,
		alloc: a,
		cbs:   cb.NewRegistry(a),
		stats: &statsRecorder{},
	}
	d.dispatcher = &Dispatcher{exec: exec, cbs: d.cbs, stats: d.stats}
	d.plans = NewPlanCache(cfg.PlanCacheSize, d.release)

	slog.Info("device opened",
		"grid", partition.Grid{Rows: cfg.GridRows, Cols: cfg.GridCols},
		"dram_banks", cfg.DRAMBanks,
		"dram_bank_size", cfg.DRAMBankSize,
		"l1_size", cfg.L1Size,
		"l1_reserved", cfg.L1Reserved)
	return d, nil
}

// Close releases every cached plan and allocation. Closing twice returns
// ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.mu.Unlock()

	d.plans.Clear()
	d.alloc.Reset()
	slog.Info("device closed", "dispatches", d.Stats().Dispatches)

	if c, ok := d.exec.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Device) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// Config returns the effective session configuration.
func (d *Device) Config() config.DeviceConfig { return d.cfg }

// Grid returns the core grid dimensions.
func (d *Device) Grid() partition.Grid {
	return partition.Grid{Rows: d.cfg.GridRows, Cols: d.cfg.GridCols}
}

// Allocator returns the session's bank allocator.
func (d *Device) Allocator() *alloc.Allocator { return d.alloc }

// Registry returns the session's circular buffer registry.
func (d *Device) Registry() *cb.Registry { return d.cbs }

// Plans returns the session's plan cache.
func (d *Device) Plans() *PlanCache { return d.plans }

// Dispatcher returns the session's dispatcher.
func (d *Device) Dispatcher() *Dispatcher { return d.dispatcher }

// Stats returns a copy of the session's dispatch statistics.
func (d *Device) Stats() Stats { return d.stats.snapshot() }

// WriteBuffer copies data into buf page by page. The executor must implement
// MemoryWriter.
func (d *Device) WriteBuffer(ctx context.Context, buf *alloc.Buffer, data []byte) error {
	if err := d.check(); err != nil {
		return err
	}
	w, ok := d.exec.(MemoryWriter)
	if !ok {
		return errors.New("executor does not accept host writes")
	}
	if uint32(len(data)) > buf.PageCount()*buf.PageSize() {
		return errors.Errorf("write of %d bytes into %d-byte buffer %q", len(data), buf.PageCount()*buf.PageSize(), buf.Tag())
	}
	ps := int(buf.PageSize())
	for i := uint32(0); int(i)*ps < len(data); i++ {
		bank, addr, err := buf.PageLocation(i)
		if err != nil {
			return err
		}
		end := min(int(i+1)*ps, len(data))
		if err := w.Write(ctx, bank, addr, data[int(i)*ps:end]); err != nil {
			return errors.Wrapf(err, "write page %d of %q", i, buf.Tag())
		}
	}
	return nil
}

// ReadBuffer reads every page of buf back in page order.
func (d *Device) ReadBuffer(ctx context.Context, buf *alloc.Buffer) ([]byte, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, buf.PageCount()*buf.PageSize())
	for i := uint32(0); i < buf.PageCount(); i++ {
		bank, addr, err := buf.PageLocation(i)
		if err != nil {
			return nil, err
		}
		page, err := d.exec.ReadBack(ctx, bank, addr, buf.PageSize())
		if err != nil {
			return nil, errors.Wrapf(err, "read page %d of %q", i, buf.Tag())
		}
		out = append(out, page...)
	}
	return out, nil
}

// Prepare compiles p's kernels and lays out its circular buffers. Either the
// whole program is prepared or nothing it defined is left behind.
func (d *Device) Prepare(ctx context.Context, p *program.Program) (*Prepared, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for _, k := range p.Kernels() {
		if !k.Cores().Within(d.cfg.GridCols, d.cfg.GridRows) {
			return nil, errors.Wrapf(core.ErrGridTooLarge, "kernel %d (%s) on %s", k.ID(), k.Source(), k.Cores())
		}
	}

	prep := &Prepared{
		Program: p,
		Hash:    p.Hash(),
		images:  make(map[program.KernelID]Image),
		lengths: p.ArgLengths(),
	}
	if err := d.defineBuffers(prep); err != nil {
		if !errors.Is(err, core.ErrCapacityMismatch) && !errors.Is(err, core.ErrRegionOverflow) || d.plans.Len() == 0 {
			return nil, err
		}
		// Cached plans may be holding the cores; drop them and try once more.
		slog.Info("evicting cached plans", "program", p.Name(), "plans", d.plans.Len(), "reason", err)
		d.plans.Clear()
		if err := d.defineBuffers(prep); err != nil {
			return nil, err
		}
	}

	for _, k := range p.Kernels() {
		img, err := d.exec.Compile(ctx, KernelSource{
			Role:        k.Role(),
			Source:      k.Source(),
			CompileArgs: k.CompileArgs(),
			Defines:     k.Defines(),
		})
		if err != nil {
			d.release(prep)
			return nil, errors.Wrapf(err, "compile %s kernel %q", k.Role(), k.Source())
		}
		prep.images[k.ID()] = img
	}
	slog.Debug("program prepared", "program", p.Name(), "kernels", len(prep.images), "circular_buffers", len(prep.handles))
	return prep, nil
}

// defineBuffers lays out every circular buffer of prep's program, releasing
// what it defined on failure.
func (d *Device) defineBuffers(prep *Prepared) error {
	p := prep.Program
	for _, c := range p.CircularBuffers() {
		var h cb.Handle
		var err error
		if c.IsGlobal() {
			h, err = d.cbs.DefineGlobal(c.Config, c.Cores, c.Buffer)
		} else {
			h, err = d.cbs.Define(c.Cores, c.Config)
		}
		if err != nil {
			d.release(prep)
			return errors.WithMessagef(err, "program %q", p.Name())
		}
		prep.handles = append(prep.handles, h)
	}
	return nil
}

// Run dispatches the plan cached under key, building and preparing it with
// build on a miss. On a hit the program's override rebinds it to inputs and
// outputs before dispatch.
func (d *Device) Run(ctx context.Context, key uint64, build func() (*program.Program, error), inputs, outputs []*alloc.Buffer) error {
	if err := d.check(); err != nil {
		return err
	}
	prep, hit, err := d.plans.GetOrBuild(key, func() (*Prepared, error) {
		p, err := build()
		if err != nil {
			return nil, err
		}
		return d.Prepare(ctx, p)
	})
	d.stats.recordLookup(hit)
	if err != nil {
		return err
	}
	slog.Debug("plan lookup", "key", key, "hit", hit, "program", prep.Program.Name())

	if !d.plans.Contains(key) {
		defer d.release(prep)
	}
	return d.dispatcher.Run(ctx, prep, hit, inputs, outputs)
}

// release drops the circular buffer regions a prepared plan holds.
func (d *Device) release(p *Prepared) {
	for _, h := range p.handles {
		if err := d.cbs.Release(h); err != nil {
			slog.Warn("release circular buffer", "program", p.Program.Name(), "handle", h, "error", err)
		}
	}
	p.handles = nil
}
