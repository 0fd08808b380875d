// Package kernels provides host reference implementations of the device kernels
// tessera programs bind.
//
// A kernel is looked up by the source name recorded on a program.KernelSpec.
// The simulated executor runs one goroutine per bound kernel and hands it an
// Env, the kernel's view of its core: runtime and compile-time arguments,
// preprocessor defines, NOC reads and writes, and the core's circular buffers.
//
// Available kernels:
//   - reader_interleaved / reader_sharded: move input tiles into In0 and In1
//   - bcast_compute: elementwise add/sub/mul with row, column or scalar broadcast
//   - writer_interleaved / writer_sharded: drain Out0 to its destination
//
// Tiles are 32x32 elements stored row-major within a page.
package kernels

import (
	"context"
	"sort"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/core"
)

// Kernel source names.
const (
	ReaderInterleaved = "reader_interleaved"
	ReaderSharded     = "reader_sharded"
	WriterInterleaved = "writer_interleaved"
	WriterSharded     = "writer_sharded"
	BcastCompute      = "bcast_compute"
)

// Runtime argument slots of the interleaved reader.
const (
	ReaderSrcA = iota
	ReaderSrcB
	ReaderStart
	ReaderCount
	ReaderInner
	ReaderStride
	ReaderArgs
)

// Runtime argument slots of the sharded reader. Input a is already resident
// in the core's In0 shard.
const (
	ShardReaderSrcB = iota
	ShardReaderStart
	ShardReaderCount
	ShardReaderInner
	ShardReaderStride
	ShardReaderArgs
)

// Runtime argument slots of the interleaved writer.
const (
	WriterDst = iota
	WriterStart
	WriterCount
	WriterInner
	WriterStride
	WriterArgs
)

// Runtime argument slots of the sharded writer and the compute kernel.
const (
	TileCount = 0
	CountArgs = 1
)

// Compile-time argument slots shared by readers and writers.
const (
	CompilePageSize = iota
	CompileBanks
	CompileHt
	CompileWt
	CompileBcastDim
	CompileBatchedB
	CompilePageSizeB
	CompileArgs
)

// Broadcast dimension codes carried in CompileBcastDim.
const (
	DimH uint32 = iota
	DimW
	DimHW
)

// Queue is one circular buffer as seen from a kernel. Push blocks while the
// ring is full and Pop blocks while it is empty.
type Queue interface {
	Descriptor() cb.Descriptor
	Push(ctx context.Context, page []byte) error
	// PushResident publishes n pages already present in the ring's memory,
	// as for a buffer allocated over a sharded tensor.
	PushResident(ctx context.Context, n int) error
	Pop(ctx context.Context) ([]byte, error)
}

// Env is a kernel's view of the core it runs on.
type Env interface {
	Core() core.CoreCoord
	Args() []uint32
	CommonArgs() []uint32
	CompileArgs() []uint32
	Define(name string) (string, bool)
	Read(ctx context.Context, bank alloc.BankID, addr, n uint32) ([]byte, error)
	Write(ctx context.Context, bank alloc.BankID, addr uint32, data []byte) error
	Queue(i cb.Index) (Queue, error)
	// Tick charges cycles to the kernel's core.
	Tick(cycles uint64)
}

// Func runs one kernel to completion on one core.
type Func func(ctx context.Context, env Env) error

// Catalog maps source names to host implementations.
var Catalog = map[string]Func{
	ReaderInterleaved: readerInterleaved,
	ReaderSharded:     readerSharded,
	WriterInterleaved: writerInterleaved,
	WriterSharded:     writerSharded,
	BcastCompute:      bcastCompute,
}

// Lookup returns the kernel registered under source.
func Lookup(source string) (Func, bool) {
	fn, ok := Catalog[source]
	return fn, ok
}

// Names lists the registered sources in sorted order.
func Names() []string {
	names := make([]string, 0, len(Catalog))
	for n := range Catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Cycle costs charged through Env.Tick.
const (
	NocSetupCycles   = 64
	NocBytesPerCycle = 32
	TileMathCycles   = 128
)

func nocCycles(n uint32) uint64 {
	return NocSetupCycles + uint64(n)/NocBytesPerCycle
}
