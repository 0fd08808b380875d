package runtime

import (
	"context"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/program"
)

// Topology is what device bring-up reports about the hardware. It is queried
// once when a session opens.
type Topology interface {
	GridSize() (cols, rows int)
	DRAMBanks() int
	DRAMBankSize() uint32
	L1Size() uint32
}

// KernelSource is everything the compiler collaborator needs for one image.
type KernelSource struct {
	Role        program.Role
	Source      string
	CompileArgs []uint32
	Defines     map[string]string
}

// Image is an opaque compiled kernel.
type Image interface {
	Source() string
}

// Executor compiles kernels, runs launches on the grid and reads memory back.
// Dispatch blocks until every core finishes or one faults.
type Executor interface {
	Compile(ctx context.Context, src KernelSource) (Image, error)
	Dispatch(ctx context.Context, l *Launch) error
	ReadBack(ctx context.Context, bank alloc.BankID, addr, n uint32) ([]byte, error)
}

// MemoryWriter is implemented by executors that accept host writes into
// device memory.
type MemoryWriter interface {
	Write(ctx context.Context, bank alloc.BankID, addr uint32, data []byte) error
}

// KernelLaunch is one kernel's share of a core launch. Argument vectors are
// packed with core.PackArgs, as written into the core's mailbox.
type KernelLaunch struct {
	Kernel program.KernelID
	Role   program.Role
	Image  Image
	Args   []byte
	Common []byte
}

// CoreLaunch is the work for one core. Kernels are in creation order.
type CoreLaunch struct {
	Core            core.CoreCoord
	Kernels         []KernelLaunch
	CircularBuffers []cb.Descriptor
}

// Launch is a fully bound program handed to the executor.
type Launch struct {
	Program string
	Hash    uint64
	Cores   []CoreLaunch
}

// KernelCount is the total number of kernel launches.
func (l *Launch) KernelCount() int {
	n := 0
	for _, c := range l.Cores {
		n += len(c.Kernels)
	}
	return n
}
