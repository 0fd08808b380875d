// Package sim is an in-memory grid device.
//
// A Machine implements runtime.Topology, runtime.Executor and
// runtime.MemoryWriter. DRAM channels and per-core L1 are sparse byte banks.
// Each dispatched core gets circular buffer rings laid out at the addresses the
// registry assigned, and every bound kernel runs in its own goroutine, so a
// reader, compute and writer on one core exchange pages through those rings
// with real back-pressure.
//
// Kernels charge cycles as they move and compute tiles. The busiest core of a
// launch sets its cycle count, converted to time with the configured clock.
package sim

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	akita "github.com/sarchlab/akita/v4/sim"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/config"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/runtime"
)

// Report summarises one launch.
type Report struct {
	Program string
	Cores   int
	Kernels int
	Cycles  uint64
	PerCore map[core.CoreCoord]uint64
	// Estimated is Cycles at the machine clock.
	Estimated time.Duration
}

// Machine is a simulated device.
type Machine struct {
	cols, rows int
	dramSize   uint32
	l1Size     uint32
	freq       akita.Freq

	mu       sync.Mutex
	dram     []*memory
	l1       map[core.CoreCoord]*memory
	last     Report
	launches int
	closed   bool
}

// New builds a machine shaped by cfg.
func New(cfg config.DeviceConfig) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	freq := akita.Freq(cfg.ClockHz)
	if freq <= 0 {
		freq = 1 * akita.GHz
	}
	m := &Machine{
		cols:     cfg.GridCols,
		rows:     cfg.GridRows,
		dramSize: cfg.DRAMBankSize,
		l1Size:   cfg.L1Size,
		freq:     freq,
		dram:     make([]*memory, cfg.DRAMBanks),
		l1:       make(map[core.CoreCoord]*memory, cfg.GridRows*cfg.GridCols),
	}
	for i := range m.dram {
		m.dram[i] = newMemory(cfg.DRAMBankSize)
	}
	for y := 0; y < cfg.GridRows; y++ {
		for x := 0; x < cfg.GridCols; x++ {
			m.l1[core.CoreCoord{X: x, Y: y}] = newMemory(cfg.L1Size)
		}
	}
	return m, nil
}

func (m *Machine) GridSize() (cols, rows int) { return m.cols, m.rows }
func (m *Machine) DRAMBanks() int             { return len(m.dram) }
func (m *Machine) DRAMBankSize() uint32       { return m.dramSize }
func (m *Machine) L1Size() uint32             { return m.l1Size }

// Freq is the machine clock.
func (m *Machine) Freq() akita.Freq { return m.freq }

// Duration converts a cycle count to time at the machine clock, measured
// from a launch at time zero.
func (m *Machine) Duration(cycles uint64) time.Duration {
	end := m.freq.NCyclesLater(int(cycles), 0)
	return time.Duration(math.Round(float64(end) * float64(time.Second)))
}

// Cycles converts a duration back to whole cycles at the machine clock.
func (m *Machine) Cycles(d time.Duration) uint64 {
	return uint64(math.Round(d.Seconds() / float64(m.freq.Period())))
}

func (m *Machine) bank(id alloc.BankID) (*memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, runtime.ErrClosed
	}
	switch id.Kind {
	case alloc.DRAM:
		if id.Channel < 0 || id.Channel >= len(m.dram) {
			return nil, errors.Wrapf(core.ErrGridTooLarge, "dram channel %d of %d", id.Channel, len(m.dram))
		}
		return m.dram[id.Channel], nil
	default:
		mem, ok := m.l1[id.Core]
		if !ok {
			return nil, errors.Wrapf(core.ErrGridTooLarge, "core %s outside %dx%d grid", id.Core, m.cols, m.rows)
		}
		return mem, nil
	}
}

// Write stores data in a bank.
func (m *Machine) Write(ctx context.Context, id alloc.BankID, addr uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mem, err := m.bank(id)
	if err != nil {
		return err
	}
	return errors.WithMessagef(mem.write(addr, data), "write %s", id)
}

// ReadBack copies n bytes out of a bank.
func (m *Machine) ReadBack(ctx context.Context, id alloc.BankID, addr, n uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mem, err := m.bank(id)
	if err != nil {
		return nil, err
	}
	data, err := mem.read(addr, n)
	return data, errors.WithMessagef(err, "read %s", id)
}

// Resident reports how many bytes of backing store the machine holds.
func (m *Machine) Resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.dram {
		n += d.resident()
	}
	for _, l := range m.l1 {
		n += l.resident()
	}
	return n
}

// LastReport returns the summary of the most recent launch.
func (m *Machine) LastReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.last
	r.PerCore = make(map[core.CoreCoord]uint64, len(m.last.PerCore))
	for c, v := range m.last.PerCore {
		r.PerCore[c] = v
	}
	return r
}

// Launches counts completed dispatches.
func (m *Machine) Launches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launches
}

// Close drops all device memory. Later calls fail with runtime.ErrClosed.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return runtime.ErrClosed
	}
	m.closed = true
	m.dram = nil
	m.l1 = nil
	return nil
}

type image struct {
	src runtime.KernelSource
	fn  kernels.Func
}

func (i *image) Source() string { return i.src.Source }

// Compile resolves a kernel source to its host implementation.
func (m *Machine) Compile(ctx context.Context, src runtime.KernelSource) (runtime.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn, ok := kernels.Lookup(src.Source)
	if !ok {
		return nil, errors.Errorf("no kernel named %q (have %v)", src.Source, kernels.Names())
	}
	defines := make(map[string]string, len(src.Defines))
	for k, v := range src.Defines {
		defines[k] = v
	}
	src.Defines = defines
	src.CompileArgs = append([]uint32(nil), src.CompileArgs...)
	return &image{src: src, fn: fn}, nil
}

// Dispatch runs every kernel of l concurrently and waits for all of them.
// The first fault cancels the rest.
func (m *Machine) Dispatch(ctx context.Context, l *runtime.Launch) error {
	var envs []*env
	for _, cl := range l.Cores {
		l1, err := m.bank(alloc.L1Bank(cl.Core))
		if err != nil {
			return err
		}
		rings, err := buildRings(cl.CircularBuffers, l1)
		if err != nil {
			return errors.WithMessagef(err, "core %s", cl.Core)
		}
		for _, kl := range cl.Kernels {
			e, err := m.newEnv(cl.Core, kl, rings)
			if err != nil {
				return err
			}
			envs = append(envs, e)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range envs {
		e := e
		g.Go(func() error {
			if err := e.img.fn(gctx, e); err != nil {
				slog.Warn("kernel fault", "program", l.Program, "core", e.core, "kernel", e.img.Source(), "error", err)
				return errors.WithMessagef(err, "core %s kernel %s", e.core, e.img.Source())
			}
			return nil
		})
	}

	err := g.Wait()
	m.account(l, envs)
	return err
}

func buildRings(descs []cb.Descriptor, l1 *memory) (map[cb.Index]*ring, error) {
	rings := make(map[cb.Index]*ring, len(descs))
	for _, d := range descs {
		r, err := newRing(d, l1)
		if err != nil {
			return nil, err
		}
		rings[d.Index] = r
	}
	return rings, nil
}

func (m *Machine) newEnv(c core.CoreCoord, kl runtime.KernelLaunch, rings map[cb.Index]*ring) (*env, error) {
	img, ok := kl.Image.(*image)
	if !ok {
		return nil, errors.Errorf("kernel %d on %s: image was not compiled by this machine", kl.Kernel, c)
	}
	args, err := core.UnpackArgs(kl.Args)
	if err != nil {
		return nil, errors.WithMessagef(err, "kernel %s on %s", img.Source(), c)
	}
	var common []uint32
	if len(kl.Common) > 0 {
		if common, err = core.UnpackArgs(kl.Common); err != nil {
			return nil, errors.WithMessagef(err, "kernel %s on %s common args", img.Source(), c)
		}
	}
	return &env{m: m, core: c, img: img, args: args, common: common, rings: rings}, nil
}

func (m *Machine) account(l *runtime.Launch, envs []*env) {
	per := make(map[core.CoreCoord]uint64, len(l.Cores))
	var busiest uint64
	for _, e := range envs {
		// Kernels on one core run side by side.
		if e.cycles > per[e.core] {
			per[e.core] = e.cycles
		}
		busiest = max(busiest, per[e.core])
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.launches++
	m.last = Report{
		Program:   l.Program,
		Cores:     len(l.Cores),
		Kernels:   len(envs),
		Cycles:    busiest,
		PerCore:   per,
		Estimated: m.Duration(busiest),
	}
}

// env is one kernel's view of its core.
type env struct {
	m      *Machine
	core   core.CoreCoord
	img    *image
	args   []uint32
	common []uint32
	rings  map[cb.Index]*ring
	cycles uint64
}

func (e *env) Core() core.CoreCoord  { return e.core }
func (e *env) Args() []uint32        { return e.args }
func (e *env) CommonArgs() []uint32  { return e.common }
func (e *env) CompileArgs() []uint32 { return e.img.src.CompileArgs }
func (e *env) Tick(cycles uint64)    { e.cycles += cycles }

func (e *env) Define(name string) (string, bool) {
	v, ok := e.img.src.Defines[name]
	return v, ok
}

func (e *env) Read(ctx context.Context, bank alloc.BankID, addr, n uint32) ([]byte, error) {
	return e.m.ReadBack(ctx, bank, addr, n)
}

func (e *env) Write(ctx context.Context, bank alloc.BankID, addr uint32, data []byte) error {
	return e.m.Write(ctx, bank, addr, data)
}

func (e *env) Queue(i cb.Index) (kernels.Queue, error) {
	r, ok := e.rings[i]
	if !ok {
		return nil, errors.Wrapf(core.ErrUndefinedIndex, "cb %d not defined on core %s", i, e.core)
	}
	return r, nil
}
