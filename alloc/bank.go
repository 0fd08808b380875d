// Package alloc implements the banked memory allocator of a device session.
//
// Every independently addressed pool of memory is a Bank: one per DRAM channel
// and one per core for that core's private L1. A bank tracks the ordered set of
// disjoint allocated ranges [start, end). Free space is the gaps between those
// ranges, so a freed range always merges with its free neighbours.
//
// Placement is first-fit from the lowest address. For a fixed sequence of
// Allocate/Free calls the returned addresses are reproducible; compiled kernel
// images that embed addresses stay valid across rebuilds with identical shapes.
//
// Each bank has its own lock. Operations that span several banks (interleaved
// DRAM buffers, L1 buffers placed at the same address across a core range) pick
// a candidate address and reserve it bank by bank, rolling back on conflict.
package alloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/core"
)

// BankKind separates shared DRAM channels from per-core private memory.
type BankKind uint8

const (
	DRAM BankKind = iota
	L1
)

func (k BankKind) String() string {
	if k == DRAM {
		return "dram"
	}
	return "l1"
}

// BankID names a bank: a DRAM channel index or a core coordinate.
type BankID struct {
	Kind    BankKind
	Channel int
	Core    core.CoreCoord
}

// DRAMBank names DRAM channel ch.
func DRAMBank(ch int) BankID { return BankID{Kind: DRAM, Channel: ch} }

// L1Bank names the private memory of core c.
func L1Bank(c core.CoreCoord) BankID { return BankID{Kind: L1, Core: c} }

func (id BankID) String() string {
	if id.Kind == DRAM {
		return fmt.Sprintf("dram%d", id.Channel)
	}
	return "l1" + id.Core.String()
}

// Allocation is one used range inside a bank.
type Allocation struct {
	Bank    BankID
	Address uint32
	Size    uint32
	Tag     string
}

// End returns the first address past the allocation.
func (a Allocation) End() uint32 { return a.Address + a.Size }

// BankStats summarizes a bank's occupancy.
type BankStats struct {
	Total       uint32
	Used        uint32
	Free        uint32
	LargestFree uint32
	Allocations int
}

// Bank manages the used ranges of one memory pool. The usable window is
// [base, size); addresses below base are reserved for firmware.
type Bank struct {
	id    BankID
	base  uint32
	size  uint32
	align uint32
	used  []Allocation // sorted by Address, disjoint
	mu    sync.Mutex
}

// NewBank creates an empty bank. align must be a power of two.
func NewBank(id BankID, base, size, align uint32) (*Bank, error) {
	if !core.IsPowerOfTwo(int(align)) {
		return nil, errors.Errorf("bank %s: alignment %d is not a power of two", id, align)
	}
	if base >= size {
		return nil, errors.Errorf("bank %s: reserved base %d leaves no room in %d bytes", id, base, size)
	}
	return &Bank{id: id, base: core.AlignUp(base, align), size: size, align: align}, nil
}

// ID returns the bank's identity.
func (b *Bank) ID() BankID { return b.id }

// Base is the lowest allocatable address.
func (b *Bank) Base() uint32 { return b.base }

// Size is the bank's total byte size.
func (b *Bank) Size() uint32 { return b.size }

func (b *Bank) roundSize(size uint32) (uint32, error) {
	if size == 0 {
		return 0, errors.Errorf("bank %s: allocation size must be > 0", b.id)
	}
	aligned := core.AlignUp(size, b.align)
	if aligned < size {
		return 0, errors.Wrapf(core.ErrOutOfMemory, "bank %s: size %d overflows", b.id, size)
	}
	return aligned, nil
}

// Allocate places size bytes at the lowest free aligned address.
func (b *Bank) Allocate(size uint32, tag string) (uint32, error) {
	aligned, err := b.roundSize(size)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	addr, ok := b.firstFitLocked(b.base, aligned)
	if !ok {
		return 0, errors.Wrapf(core.ErrOutOfMemory, "bank %s: no %d-byte gap (largest free %d)", b.id, aligned, b.largestFreeLocked())
	}
	b.insertLocked(Allocation{Bank: b.id, Address: addr, Size: aligned, Tag: tag})
	return addr, nil
}

// Reserve registers [addr, addr+size) as used at a caller-chosen address.
func (b *Bank) Reserve(addr, size uint32, tag string) error {
	aligned, err := b.roundSize(size)
	if err != nil {
		return err
	}
	if !core.IsAligned(addr, b.align) {
		return errors.Errorf("bank %s: address %#x is not %d-byte aligned", b.id, addr, b.align)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if addr < b.base || uint64(addr)+uint64(aligned) > uint64(b.size) {
		return errors.Wrapf(core.ErrOutOfMemory, "bank %s: range [%#x,%#x) outside [%#x,%#x)", b.id, addr, uint64(addr)+uint64(aligned), b.base, b.size)
	}
	if other, ok := b.overlapLocked(addr, aligned); ok {
		return errors.Wrapf(core.ErrAddressConflict, "bank %s: [%#x,%#x) overlaps %q at [%#x,%#x)", b.id, addr, addr+aligned, other.Tag, other.Address, other.End())
	}
	b.insertLocked(Allocation{Bank: b.id, Address: addr, Size: aligned, Tag: tag})
	return nil
}

// Free releases the allocation starting at addr.
func (b *Bank) Free(addr uint32) (Allocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := sort.Search(len(b.used), func(i int) bool { return b.used[i].Address >= addr })
	if i == len(b.used) || b.used[i].Address != addr {
		return Allocation{}, errors.Wrapf(core.ErrUnknownAllocation, "bank %s: nothing allocated at %#x", b.id, addr)
	}
	a := b.used[i]
	b.used = append(b.used[:i], b.used[i+1:]...)
	return a, nil
}

// FirstFit returns the lowest aligned address >= from with size free bytes,
// without allocating.
func (b *Bank) FirstFit(from, size uint32) (uint32, bool) {
	aligned, err := b.roundSize(size)
	if err != nil {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstFitLocked(max(from, b.base), aligned)
}

// Allocations returns a copy of the used ranges in address order.
func (b *Bank) Allocations() []Allocation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Allocation, len(b.used))
	copy(out, b.used)
	return out
}

// Stats reports the bank's occupancy.
func (b *Bank) Stats() BankStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var used uint32
	for _, a := range b.used {
		used += a.Size
	}
	usable := b.size - b.base
	return BankStats{
		Total:       b.size,
		Used:        used,
		Free:        usable - used,
		LargestFree: b.largestFreeLocked(),
		Allocations: len(b.used),
	}
}

// Reset drops every allocation.
func (b *Bank) Reset() {
	b.mu.Lock()
	b.used = nil
	b.mu.Unlock()
}

func (b *Bank) firstFitLocked(from, size uint32) (uint32, bool) {
	cursor := core.AlignUp(from, b.align)
	for _, a := range b.used {
		if a.End() <= cursor {
			continue
		}
		if uint64(cursor)+uint64(size) <= uint64(a.Address) {
			return cursor, true
		}
		cursor = core.AlignUp(a.End(), b.align)
	}
	if uint64(cursor)+uint64(size) <= uint64(b.size) {
		return cursor, true
	}
	return 0, false
}

func (b *Bank) overlapLocked(addr, size uint32) (Allocation, bool) {
	end := uint64(addr) + uint64(size)
	i := sort.Search(len(b.used), func(i int) bool { return uint64(b.used[i].End()) > uint64(addr) })
	if i < len(b.used) && uint64(b.used[i].Address) < end {
		return b.used[i], true
	}
	return Allocation{}, false
}

func (b *Bank) insertLocked(a Allocation) {
	i := sort.Search(len(b.used), func(i int) bool { return b.used[i].Address > a.Address })
	b.used = append(b.used, Allocation{})
	copy(b.used[i+1:], b.used[i:])
	b.used[i] = a
}

func (b *Bank) largestFreeLocked() uint32 {
	var largest uint32
	cursor := b.base
	for _, a := range b.used {
		if a.Address > cursor {
			largest = max(largest, a.Address-cursor)
		}
		cursor = max(cursor, a.End())
	}
	if b.size > cursor {
		largest = max(largest, b.size-cursor)
	}
	return largest
}
