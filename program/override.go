package program

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/core"
)

// BufferRef names one of the program's external buffers by role and position.
type BufferRef struct {
	Output bool
	Index  int
}

// Input refers to the i-th external input buffer.
func Input(i int) BufferRef { return BufferRef{Index: i} }

// Output refers to the i-th external output buffer.
func Output(i int) BufferRef { return BufferRef{Output: true, Index: i} }

func (r BufferRef) String() string {
	if r.Output {
		return "output" + strconv.Itoa(r.Index)
	}
	return "input" + strconv.Itoa(r.Index)
}

// SlotRef is one runtime argument slot of a kernel, on every core the kernel
// runs on.
type SlotRef struct {
	Kernel KernelID
	Slot   int
}

// OverrideMap lists, per external buffer, the slots that carry its address.
type OverrideMap map[BufferRef][]SlotRef

// OverrideFunc rebinds a built program to new external buffers. It writes
// only the mapped address slots and the backing of bound global circular
// buffers; compile-time state and vector lengths are untouched.
type OverrideFunc func(inputs, outputs []*alloc.Buffer) error

// BuildOverride validates m against the program's bound arguments and
// returns the replay callback. Applying the callback twice with the same
// buffers leaves the arguments exactly as one application does.
func BuildOverride(p *Program, m OverrideMap) (OverrideFunc, error) {
	refs := make([]BufferRef, 0, len(m))
	for ref := range m {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Output != refs[j].Output {
			return !refs[i].Output
		}
		return refs[i].Index < refs[j].Index
	})

	type write struct {
		ref    BufferRef
		kernel KernelID
		core   core.CoreCoord
		slot   int
	}
	var writes []write
	for _, ref := range refs {
		if ref.Index < 0 {
			return nil, errors.Errorf("override: negative buffer index in %s", ref)
		}
		for _, s := range m[ref] {
			k, err := p.Kernel(s.Kernel)
			if err != nil {
				return nil, errors.WithMessagef(err, "override %s", ref)
			}
			for _, c := range k.cores.Cores() {
				args, ok := k.args[c]
				if !ok || s.Slot < 0 || s.Slot >= len(args) {
					return nil, errors.Wrapf(core.ErrArgumentCountMismatch,
						"override %s: kernel %d (%s) on %s has %d args, slot %d", ref, s.Kernel, k.source, c, len(args), s.Slot)
				}
				writes = append(writes, write{ref: ref, kernel: s.Kernel, core: c, slot: s.Slot})
			}
		}
	}

	nIn, nOut := 0, 0
	for _, ref := range refs {
		if ref.Output {
			nOut = max(nOut, ref.Index+1)
		} else {
			nIn = max(nIn, ref.Index+1)
		}
	}
	for _, c := range p.cbs {
		if c.Bind == nil {
			continue
		}
		if c.Bind.Output {
			nOut = max(nOut, c.Bind.Index+1)
		} else {
			nIn = max(nIn, c.Bind.Index+1)
		}
	}

	return func(inputs, outputs []*alloc.Buffer) error {
		if len(inputs) < nIn || len(outputs) < nOut {
			return errors.Wrapf(core.ErrArgumentCountMismatch,
				"program %q: override needs %d inputs and %d outputs, got %d and %d", p.name, nIn, nOut, len(inputs), len(outputs))
		}
		pick := func(ref BufferRef) (*alloc.Buffer, error) {
			var b *alloc.Buffer
			if ref.Output {
				b = outputs[ref.Index]
			} else {
				b = inputs[ref.Index]
			}
			if b == nil {
				return nil, errors.Errorf("program %q: %s is nil", p.name, ref)
			}
			return b, nil
		}
		// Resolve and check everything before the first write so a failed
		// override leaves the program as it was.
		vals := make([]uint32, len(writes))
		for i, w := range writes {
			b, err := pick(w.ref)
			if err != nil {
				return err
			}
			if args := p.kernels[w.kernel].args[w.core]; w.slot >= len(args) {
				return errors.Wrapf(core.ErrArgumentCountMismatch,
					"program %q: kernel %d on %s has %d args, slot %d", p.name, w.kernel, w.core, len(args), w.slot)
			}
			vals[i] = b.Address()
		}
		backing := make(map[int]*alloc.Buffer)
		for i, c := range p.cbs {
			if c.Bind == nil {
				continue
			}
			b, err := pick(*c.Bind)
			if err != nil {
				return err
			}
			if !b.IsSharded() {
				return errors.Errorf("program %q: %s backs a circular buffer but is not sharded", p.name, *c.Bind)
			}
			backing[i] = b
		}

		for i, w := range writes {
			p.kernels[w.kernel].args[w.core][w.slot] = vals[i]
		}
		for i, b := range backing {
			p.cbs[i].Buffer = b
		}
		return nil
	}, nil
}
