package program

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"sort"

	"github.com/sbl8/tessera/core"
)

// Hash returns a stable 64-bit digest of the program's compile-time state:
// kernel roles, sources, cores, compile arguments, defines and circular
// buffer geometry. Runtime arguments and buffer addresses are excluded, so
// two programs that differ only in bound addresses hash equal.
func (p *Program) Hash() uint64 {
	h := fnv.New64a()
	writeString(h, p.name)
	writeUint(h, uint32(len(p.kernels)))
	for _, k := range p.kernels {
		writeUint(h, uint32(k.role))
		writeString(h, k.source)
		writeCores(h, k.cores)
		writeUint(h, uint32(len(k.compileArgs)))
		for _, a := range k.compileArgs {
			writeUint(h, a)
		}
		names := make([]string, 0, len(k.defines))
		for name := range k.defines {
			names = append(names, name)
		}
		sort.Strings(names)
		writeUint(h, uint32(len(names)))
		for _, name := range names {
			writeString(h, name)
			writeString(h, k.defines[name])
		}
	}

	writeUint(h, uint32(len(p.cbs)))
	for _, c := range p.cbs {
		writeCores(h, c.Cores)
		writeUint(h, c.Config.TotalSize())
		for _, i := range c.Config.Indices() {
			writeUint(h, uint32(i))
			writeUint(h, c.Config.PageSize(i))
			writeUint(h, uint32(c.Config.Format(i)))
		}
		if c.IsGlobal() {
			writeUint(h, 1)
		} else {
			writeUint(h, 0)
		}
	}
	return h.Sum64()
}

// Writes into a hash never fail.
func writeUint(w io.Writer, v uint32) {
	_ = binary.Write(w, binary.LittleEndian, v)
}

func writeString(w io.Writer, s string) {
	writeUint(w, uint32(len(s)))
	_, _ = io.WriteString(w, s)
}

func writeCores(w io.Writer, s core.CoreSet) {
	for _, r := range s.AsRanges() {
		writeUint(w, uint32(r.Start.X))
		writeUint(w, uint32(r.Start.Y))
		writeUint(w, uint32(r.End.X))
		writeUint(w, uint32(r.End.Y))
	}
	writeUint(w, 0xFFFFFFFF)
}
