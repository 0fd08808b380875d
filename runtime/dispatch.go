package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/program"
)

// Prepared is a program whose kernels are compiled and whose circular
// buffers are laid out on the device.
type Prepared struct {
	Program *program.Program
	Hash    uint64

	images  map[program.KernelID]Image
	handles []cb.Handle
	lengths map[program.ArgKey]int
}

// Image returns the compiled image of kernel id.
func (p *Prepared) Image(id program.KernelID) (Image, bool) {
	img, ok := p.images[id]
	return img, ok
}

// descriptors lists the streams on c that belong to p.
func (p *Prepared) descriptors(r *cb.Registry, c core.CoreCoord) []cb.Descriptor {
	all := r.Descriptors(c)
	out := all[:0]
	for _, d := range all {
		for _, h := range p.handles {
			if d.Handle == h {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// Dispatcher hands prepared programs to the executor.
type Dispatcher struct {
	exec  Executor
	cbs   *cb.Registry
	stats *statsRecorder
}

// Run applies the program's override when replaying a cached plan, then
// dispatches it.
func (d *Dispatcher) Run(ctx context.Context, p *Prepared, replay bool, inputs, outputs []*alloc.Buffer) error {
	if replay {
		if fn := p.Program.Override(); fn != nil {
			if err := fn(inputs, outputs); err != nil {
				return errors.WithMessagef(err, "override %q", p.Program.Name())
			}
		}
	}
	return d.Dispatch(ctx, p)
}

// Dispatch binds p's current runtime arguments into a launch and blocks on the
// executor. Argument vector lengths must match those seen at prepare time,
// both before the launch is handed over and after it returns.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Prepared) error {
	if err := checkLengths(p); err != nil {
		return err
	}
	if err := d.syncGlobals(p); err != nil {
		return err
	}
	l, err := d.launch(p)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := d.exec.Dispatch(ctx, l); err != nil {
		return errors.Wrapf(err, "dispatch %q", l.Program)
	}
	elapsed := time.Since(start)

	if err := checkLengths(p); err != nil {
		return err
	}
	d.stats.recordDispatch(l, elapsed)
	slog.Debug("dispatched", "program", l.Program, "cores", len(l.Cores), "kernels", l.KernelCount(), "duration", elapsed)
	return nil
}

func checkLengths(p *Prepared) error {
	now := p.Program.ArgLengths()
	if len(now) != len(p.lengths) {
		return errors.Wrapf(core.ErrArgumentCountMismatch, "program %q: %d bound vectors, prepared with %d", p.Program.Name(), len(now), len(p.lengths))
	}
	for key, n := range now {
		want, ok := p.lengths[key]
		if !ok || want != n {
			return errors.Wrapf(core.ErrArgumentCountMismatch, "program %q: kernel %d on %s has %d args, prepared with %d",
				p.Program.Name(), key.Kernel, key.Core, n, want)
		}
	}
	return nil
}

// syncGlobals moves global circular buffers onto the buffers the program
// currently names.
func (d *Dispatcher) syncGlobals(p *Prepared) error {
	for i, c := range p.Program.CircularBuffers() {
		if !c.IsGlobal() || i >= len(p.handles) {
			continue
		}
		cores, ok := d.cbs.Cores(p.handles[i])
		if !ok {
			return errors.Wrapf(core.ErrUndefinedIndex, "program %q: circular buffer %d was released", p.Program.Name(), i)
		}
		first := cores.Cores()[0]
		indices := c.Config.Indices()
		addr, err := d.cbs.AddressOf(indices[0], first)
		if err != nil {
			return err
		}
		if addr == c.Buffer.Address() {
			continue
		}
		if err := d.cbs.Rebind(p.handles[i], c.Buffer); err != nil {
			return errors.WithMessagef(err, "program %q", p.Program.Name())
		}
	}
	return nil
}

func (d *Dispatcher) launch(p *Prepared) (*Launch, error) {
	l := &Launch{Program: p.Program.Name(), Hash: p.Hash}
	for _, c := range p.Program.Cores() {
		cl := CoreLaunch{Core: c, CircularBuffers: p.descriptors(d.cbs, c)}
		for _, k := range p.Program.KernelsOn(c) {
			img, ok := p.images[k.ID()]
			if !ok {
				return nil, errors.Errorf("program %q: kernel %d has no compiled image", p.Program.Name(), k.ID())
			}
			args, err := p.Program.RuntimeArgs(k.ID(), c)
			if err != nil {
				return nil, err
			}
			common, err := p.Program.CommonArgs(k.ID())
			if err != nil {
				return nil, err
			}
			cl.Kernels = append(cl.Kernels, KernelLaunch{
				Kernel: k.ID(),
				Role:   k.Role(),
				Image:  img,
				Args:   core.PackArgs(args),
				Common: core.PackArgs(common),
			})
		}
		l.Cores = append(l.Cores, cl)
	}
	return l, nil
}
