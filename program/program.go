// Package program describes one schedulable unit of grid execution.
//
// A Program is an ordered set of kernel bindings. Each binding fixes a role,
// the cores it runs on, its compile-time arguments and defines; runtime
// arguments stay mutable per (kernel, core) after the program is built so a
// compiled program can be replayed against new buffers through an override.
//
// Key data structures:
//   - Role: reader, writer or compute, with role-specific default defines
//   - Kernel: one binding and its per-core runtime argument vectors
//   - CircularBuffer: an L1 queue layout the program's kernels agree on
//   - Program: the bindings plus the optional override callback
package program

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/core"
)

// Role is the fixed job of a kernel on its core.
type Role uint8

const (
	// Reader moves data from DRAM or L1 shards into input circular buffers.
	Reader Role = iota
	// Writer drains output circular buffers back to memory.
	Writer
	// Compute consumes input queues and produces output queues.
	Compute
)

var roleNames = [...]string{"reader", "writer", "compute"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "unknown"
}

// DefaultDefines returns the defines every kernel of role r is built with.
// Explicit defines on a KernelSpec win over these.
func (r Role) DefaultDefines() map[string]string {
	switch r {
	case Reader:
		return map[string]string{"KERNEL_ROLE": "READER", "DATA_MOVEMENT_PROCESSOR": "1", "NOC_INDEX": "0"}
	case Writer:
		return map[string]string{"KERNEL_ROLE": "WRITER", "DATA_MOVEMENT_PROCESSOR": "0", "NOC_INDEX": "1"}
	case Compute:
		return map[string]string{"KERNEL_ROLE": "COMPUTE", "MATH_FIDELITY": "HiFi4"}
	default:
		return map[string]string{}
	}
}

// KernelSpec is the compile-time description of a kernel binding.
type KernelSpec struct {
	Role        Role
	Source      string // reference understood by the execution collaborator
	Cores       core.CoreSet
	CompileArgs []uint32
	Defines     map[string]string
}

// KernelID indexes a kernel within its program.
type KernelID int

// Kernel is one binding plus its runtime argument state.
type Kernel struct {
	id          KernelID
	role        Role
	source      string
	cores       core.CoreSet
	compileArgs []uint32
	defines     map[string]string
	args        map[core.CoreCoord][]uint32
	common      []uint32
}

// ID returns the kernel's position in its program.
func (k *Kernel) ID() KernelID { return k.id }

// Role returns the kernel's role.
func (k *Kernel) Role() Role { return k.role }

// Source returns the kernel source reference.
func (k *Kernel) Source() string { return k.source }

// Cores returns the cores the kernel runs on.
func (k *Kernel) Cores() core.CoreSet { return k.cores }

// CompileArgs returns a copy of the compile-time arguments.
func (k *Kernel) CompileArgs() []uint32 { return clone(k.compileArgs) }

// Defines returns a copy of the effective defines.
func (k *Kernel) Defines() map[string]string {
	out := make(map[string]string, len(k.defines))
	for name, v := range k.defines {
		out[name] = v
	}
	return out
}

// CircularBuffer is a queue layout recorded on a program. Global buffers sit
// on top of the sharded buffer Buffer and follow it through overrides.
type CircularBuffer struct {
	Cores  core.CoreSet
	Config *cb.Config
	Buffer *alloc.Buffer
	Bind   *BufferRef
}

// IsGlobal reports whether the layout is backed by an existing buffer.
func (c CircularBuffer) IsGlobal() bool { return c.Buffer != nil }

// Program is an ordered collection of kernel bindings.
type Program struct {
	name     string
	kernels  []*Kernel
	cbs      []CircularBuffer
	override OverrideFunc
}

// New creates an empty program.
func New(name string) *Program {
	return &Program{name: name}
}

// Name returns the program's identity.
func (p *Program) Name() string { return p.name }

// AddKernel appends a binding and returns its id.
func (p *Program) AddKernel(spec KernelSpec) (KernelID, error) {
	if spec.Source == "" {
		return 0, errors.New("kernel source reference is empty")
	}
	if spec.Role > Compute {
		return 0, errors.Errorf("kernel %q: unknown role %d", spec.Source, spec.Role)
	}
	if err := spec.Cores.Validate(); err != nil {
		return 0, errors.WithMessagef(err, "kernel %q", spec.Source)
	}

	defines := spec.Role.DefaultDefines()
	for name, v := range spec.Defines {
		defines[name] = v
	}
	k := &Kernel{
		id:          KernelID(len(p.kernels)),
		role:        spec.Role,
		source:      spec.Source,
		cores:       spec.Cores,
		compileArgs: clone(spec.CompileArgs),
		defines:     defines,
		args:        make(map[core.CoreCoord][]uint32, spec.Cores.Size()),
	}
	p.kernels = append(p.kernels, k)
	return k.id, nil
}

// Kernel looks up a binding by id.
func (p *Program) Kernel(id KernelID) (*Kernel, error) {
	if id < 0 || int(id) >= len(p.kernels) {
		return nil, errors.Errorf("program %q has no kernel %d", p.name, id)
	}
	return p.kernels[id], nil
}

// Kernels returns the bindings in creation order.
func (p *Program) Kernels() []*Kernel {
	out := make([]*Kernel, len(p.kernels))
	copy(out, p.kernels)
	return out
}

// KernelsOn returns the bindings that run on c, in creation order.
func (p *Program) KernelsOn(c core.CoreCoord) []*Kernel {
	var out []*Kernel
	for _, k := range p.kernels {
		if k.cores.Contains(c) {
			out = append(out, k)
		}
	}
	return out
}

// Cores returns every core touched by any kernel, row-major.
func (p *Program) Cores() []core.CoreCoord {
	seen := make(map[core.CoreCoord]bool)
	var out []core.CoreCoord
	for _, k := range p.kernels {
		for _, c := range k.cores.Cores() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// SetRuntimeArgs replaces the runtime arguments of kernel k on core c. The
// program keeps its own copy.
func (p *Program) SetRuntimeArgs(id KernelID, c core.CoreCoord, args []uint32) error {
	k, err := p.Kernel(id)
	if err != nil {
		return err
	}
	if !k.cores.Contains(c) {
		return errors.Errorf("kernel %d (%s) does not run on core %s", id, k.source, c)
	}
	k.args[c] = clone(args)
	return nil
}

// RuntimeArgs returns a copy of the arguments bound for kernel k on core c.
func (p *Program) RuntimeArgs(id KernelID, c core.CoreCoord) ([]uint32, error) {
	k, err := p.Kernel(id)
	if err != nil {
		return nil, err
	}
	if !k.cores.Contains(c) {
		return nil, errors.Errorf("kernel %d (%s) does not run on core %s", id, k.source, c)
	}
	return clone(k.args[c]), nil
}

// SetRuntimeArg writes one slot of an already bound vector. It never changes
// the vector's length.
func (p *Program) SetRuntimeArg(id KernelID, c core.CoreCoord, slot int, value uint32) error {
	k, err := p.Kernel(id)
	if err != nil {
		return err
	}
	args, ok := k.args[c]
	if !ok {
		return errors.Errorf("kernel %d (%s) has no arguments bound on core %s", id, k.source, c)
	}
	if slot < 0 || slot >= len(args) {
		return errors.Wrapf(core.ErrArgumentCountMismatch, "kernel %d (%s) on %s: slot %d of %d", id, k.source, c, slot, len(args))
	}
	args[slot] = value
	return nil
}

// SetCommonArgs sets the arguments shared by every core of kernel k.
func (p *Program) SetCommonArgs(id KernelID, args []uint32) error {
	k, err := p.Kernel(id)
	if err != nil {
		return err
	}
	k.common = clone(args)
	return nil
}

// CommonArgs returns a copy of kernel k's shared arguments.
func (p *Program) CommonArgs(id KernelID) ([]uint32, error) {
	k, err := p.Kernel(id)
	if err != nil {
		return nil, err
	}
	return clone(k.common), nil
}

// ArgLengths snapshots the length of every bound runtime argument vector.
func (p *Program) ArgLengths() map[ArgKey]int {
	out := make(map[ArgKey]int)
	for _, k := range p.kernels {
		for c, args := range k.args {
			out[ArgKey{Kernel: k.id, Core: c}] = len(args)
		}
	}
	return out
}

// ArgKey names one (kernel, core) argument vector.
type ArgKey struct {
	Kernel KernelID
	Core   core.CoreCoord
}

// AddCircularBuffer records an L1 queue layout allocated when the program is
// first prepared on a device.
func (p *Program) AddCircularBuffer(cores core.CoreSet, cfg *cb.Config) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	p.cbs = append(p.cbs, CircularBuffer{Cores: cores, Config: cfg})
	return len(p.cbs) - 1, nil
}

// AddGlobalCircularBuffer records a queue layout placed on a sharded buffer.
// When bind is non-nil the program's override moves the layout onto the
// buffer passed for that role.
func (p *Program) AddGlobalCircularBuffer(cores core.CoreSet, cfg *cb.Config, buf *alloc.Buffer, bind *BufferRef) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if buf == nil || !buf.IsSharded() {
		return 0, errors.New("global circular buffer needs a sharded buffer")
	}
	p.cbs = append(p.cbs, CircularBuffer{Cores: cores, Config: cfg, Buffer: buf, Bind: bind})
	return len(p.cbs) - 1, nil
}

// CircularBuffers returns the recorded layouts in order.
func (p *Program) CircularBuffers() []CircularBuffer {
	out := make([]CircularBuffer, len(p.cbs))
	copy(out, p.cbs)
	return out
}

// SetOverride registers the callback used to replay the program.
func (p *Program) SetOverride(fn OverrideFunc) { p.override = fn }

// Override returns the registered callback, or nil.
func (p *Program) Override() OverrideFunc { return p.override }

// Validate checks program consistency: at most one kernel per role on any
// core, and every kernel bound on each of its cores once any core is bound.
func (p *Program) Validate() error {
	if len(p.kernels) == 0 {
		return errors.Errorf("program %q has no kernels", p.name)
	}
	for _, c := range p.Cores() {
		var seen [Compute + 1]bool
		for _, k := range p.KernelsOn(c) {
			if seen[k.role] {
				return errors.Errorf("program %q: two %s kernels on core %s", p.name, k.role, c)
			}
			seen[k.role] = true
		}
	}
	for _, k := range p.kernels {
		if len(k.args) == 0 {
			continue
		}
		for _, c := range k.cores.Cores() {
			if _, ok := k.args[c]; !ok {
				return errors.Errorf("program %q: kernel %d (%s) has no arguments on core %s", p.name, k.id, k.source, c)
			}
		}
	}
	return nil
}

func clone(in []uint32) []uint32 {
	if in == nil {
		return nil
	}
	out := make([]uint32, len(in))
	copy(out, in)
	return out
}
