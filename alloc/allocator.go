package alloc

import (
	"math"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/core"
)

// maxPlacementAttempts bounds the candidate/reserve loop of multi-bank
// placements. A single-writer caller always succeeds on the first attempt.
const maxPlacementAttempts = 8

// Config sizes the banks of one device.
type Config struct {
	DRAMBanks    int
	DRAMBankSize uint32
	GridCols     int
	GridRows     int
	L1Size       uint32
	L1Reserved   uint32 // bytes at the bottom of L1 owned by firmware
	Alignment    uint32
}

// Allocator owns every bank of a device session. It is an ordinary value
// passed by reference; there is no process-wide instance.
type Allocator struct {
	cfg  Config
	dram []*Bank
	l1   map[core.CoreCoord]*Bank
	grid core.CoreRange
}

// New builds the DRAM and L1 banks described by cfg.
func New(cfg Config) (*Allocator, error) {
	if cfg.Alignment == 0 {
		cfg.Alignment = core.DefaultAlignment
	}
	if cfg.DRAMBanks <= 0 {
		return nil, errors.New("allocator needs at least one DRAM bank")
	}
	if cfg.GridCols <= 0 || cfg.GridRows <= 0 {
		return nil, errors.Errorf("invalid grid %dx%d", cfg.GridCols, cfg.GridRows)
	}

	a := &Allocator{
		cfg:  cfg,
		dram: make([]*Bank, cfg.DRAMBanks),
		l1:   make(map[core.CoreCoord]*Bank, cfg.GridCols*cfg.GridRows),
		grid: core.GridRange(cfg.GridCols, cfg.GridRows),
	}
	for ch := range a.dram {
		b, err := NewBank(DRAMBank(ch), 0, cfg.DRAMBankSize, cfg.Alignment)
		if err != nil {
			return nil, err
		}
		a.dram[ch] = b
	}
	for _, c := range a.grid.Cores() {
		b, err := NewBank(L1Bank(c), cfg.L1Reserved, cfg.L1Size, cfg.Alignment)
		if err != nil {
			return nil, err
		}
		a.l1[c] = b
	}
	return a, nil
}

// Config returns the configuration the allocator was built with.
func (a *Allocator) Config() Config { return a.cfg }

// Grid returns the range of cores that own an L1 bank.
func (a *Allocator) Grid() core.CoreRange { return a.grid }

// NumDRAMBanks returns the number of DRAM channels.
func (a *Allocator) NumDRAMBanks() int { return len(a.dram) }

// Bank looks up a bank by identity.
func (a *Allocator) Bank(id BankID) (*Bank, error) {
	switch id.Kind {
	case DRAM:
		if id.Channel < 0 || id.Channel >= len(a.dram) {
			return nil, errors.Errorf("no DRAM channel %d (device has %d)", id.Channel, len(a.dram))
		}
		return a.dram[id.Channel], nil
	case L1:
		b, ok := a.l1[id.Core]
		if !ok {
			return nil, errors.Wrapf(core.ErrGridTooLarge, "core %s outside grid %s", id.Core, a.grid)
		}
		return b, nil
	default:
		return nil, errors.Errorf("unknown bank kind %d", id.Kind)
	}
}

// Allocate places size bytes first-fit in one bank.
func (a *Allocator) Allocate(id BankID, size uint32, tag string) (uint32, error) {
	b, err := a.Bank(id)
	if err != nil {
		return 0, err
	}
	return b.Allocate(size, tag)
}

// Reserve registers a caller-chosen address in one bank.
func (a *Allocator) Reserve(id BankID, size, addr uint32, tag string) error {
	b, err := a.Bank(id)
	if err != nil {
		return err
	}
	return b.Reserve(addr, size, tag)
}

// Free releases the allocation at addr in one bank.
func (a *Allocator) Free(id BankID, addr uint32) error {
	b, err := a.Bank(id)
	if err != nil {
		return err
	}
	_, err = b.Free(addr)
	return err
}

// Stats reports one bank's occupancy.
func (a *Allocator) Stats(id BankID) (BankStats, error) {
	b, err := a.Bank(id)
	if err != nil {
		return BankStats{}, err
	}
	return b.Stats(), nil
}

// L1Banks returns the L1 banks of a core set in the set's order.
func (a *Allocator) L1Banks(cores core.CoreSet) ([]*Bank, error) {
	list := cores.Cores()
	banks := make([]*Bank, 0, len(list))
	for _, c := range list {
		b, err := a.Bank(L1Bank(c))
		if err != nil {
			return nil, err
		}
		banks = append(banks, b)
	}
	return banks, nil
}

// DRAMBanks returns every DRAM bank in channel order.
func (a *Allocator) DRAMBanks() []*Bank {
	out := make([]*Bank, len(a.dram))
	copy(out, a.dram)
	return out
}

// FitAcross returns the lowest address at which size bytes are free in every
// bank, without allocating.
func FitAcross(banks []*Bank, size uint32) (uint32, bool) {
	if len(banks) == 0 {
		return 0, false
	}
	candidate := uint32(0)
	for {
		stable := true
		for _, b := range banks {
			addr, ok := b.FirstFit(candidate, size)
			if !ok {
				return 0, false
			}
			if addr != candidate {
				candidate = addr
				stable = false
			}
		}
		if stable {
			return candidate, true
		}
	}
}

// ReserveAcross reserves [addr, addr+size) in every bank or in none.
func ReserveAcross(banks []*Bank, addr, size uint32, tag string) error {
	for i, b := range banks {
		if err := b.Reserve(addr, size, tag); err != nil {
			for _, done := range banks[:i] {
				// Rollback of a range this call just reserved cannot fail.
				_, _ = done.Free(addr)
			}
			return err
		}
	}
	return nil
}

// placeAcross finds and reserves one address valid in every bank.
func placeAcross(banks []*Bank, size uint32, tag string) (uint32, error) {
	for attempt := 0; attempt < maxPlacementAttempts; attempt++ {
		addr, ok := FitAcross(banks, size)
		if !ok {
			return 0, errors.Wrapf(core.ErrOutOfMemory, "no common %d-byte gap across %d banks", size, len(banks))
		}
		err := ReserveAcross(banks, addr, size, tag)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, core.ErrAddressConflict) {
			return 0, err
		}
	}
	return 0, errors.Wrapf(core.ErrAddressConflict, "placement across %d banks kept racing", len(banks))
}

// AllocateAcrossRange places size bytes at one address that is free in the L1
// of every core in cores.
func (a *Allocator) AllocateAcrossRange(cores core.CoreSet, size uint32, tag string) (uint32, error) {
	banks, err := a.L1Banks(cores)
	if err != nil {
		return 0, err
	}
	return placeAcross(banks, size, tag)
}

// FreeAcrossRange releases an address previously placed across cores.
func (a *Allocator) FreeAcrossRange(cores core.CoreSet, addr uint32) error {
	banks, err := a.L1Banks(cores)
	if err != nil {
		return err
	}
	var first error
	for _, b := range banks {
		if _, err := b.Free(addr); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func pageCount(size, pageSize uint32) uint32 {
	return uint32((uint64(size) + uint64(pageSize) - 1) / uint64(pageSize))
}

// pageSpan returns the aligned page stride and the bytes pages pages take in
// one bank, failing with ErrOutOfMemory when they cannot fit in limit bytes.
func (a *Allocator) pageSpan(pageSize uint32, pages uint64, limit uint32) (stride, span uint32, err error) {
	s := (uint64(pageSize) + uint64(a.cfg.Alignment) - 1) / uint64(a.cfg.Alignment) * uint64(a.cfg.Alignment)
	n := pages * s
	if s > math.MaxUint32 || n > uint64(limit) {
		return 0, 0, errors.Wrapf(core.ErrOutOfMemory, "%d pages of %d bytes exceed a %d-byte bank", pages, s, limit)
	}
	return uint32(s), uint32(n), nil
}

// AllocateInterleaved creates a DRAM buffer whose pages are spread
// round-robin over every channel at one common address.
func (a *Allocator) AllocateInterleaved(size, pageSize uint32, tag string) (*Buffer, error) {
	if size == 0 || pageSize == 0 {
		return nil, errors.Errorf("interleaved buffer %q: size %d and page size %d must be > 0", tag, size, pageSize)
	}
	pages := pageCount(size, pageSize)
	nb := uint64(len(a.dram))
	stride, perBank, err := a.pageSpan(pageSize, (uint64(pages)+nb-1)/nb, a.cfg.DRAMBankSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "interleaved buffer %q", tag)
	}

	addr, err := placeAcross(a.dram, perBank, tag)
	if err != nil {
		return nil, errors.WithMessagef(err, "interleaved buffer %q", tag)
	}

	banks := make([]BankID, len(a.dram))
	for i, b := range a.dram {
		banks[i] = b.ID()
	}
	return &Buffer{
		alloc:    a,
		kind:     Interleaved,
		address:  addr,
		size:     size,
		pageSize: pageSize,
		stride:   stride,
		pages:    pages,
		banks:    banks,
		tag:      tag,
	}, nil
}

// AllocateInBank creates a buffer whose pages all live contiguously in one
// bank.
func (a *Allocator) AllocateInBank(id BankID, size, pageSize uint32, tag string) (*Buffer, error) {
	if size == 0 || pageSize == 0 {
		return nil, errors.Errorf("buffer %q: size %d and page size %d must be > 0", tag, size, pageSize)
	}
	pages := pageCount(size, pageSize)
	limit := a.cfg.DRAMBankSize
	if id.Kind == L1 {
		limit = a.cfg.L1Size
	}
	stride, span, err := a.pageSpan(pageSize, uint64(pages), limit)
	if err != nil {
		return nil, errors.WithMessagef(err, "buffer %q", tag)
	}
	addr, err := a.Allocate(id, span, tag)
	if err != nil {
		return nil, errors.WithMessagef(err, "buffer %q", tag)
	}
	return &Buffer{
		alloc:    a,
		kind:     Interleaved,
		address:  addr,
		size:     size,
		pageSize: pageSize,
		stride:   stride,
		pages:    pages,
		banks:    []BankID{id},
		tag:      tag,
	}, nil
}

// AllocateSharded creates an L1 buffer split into equal shards, one per core in
// cores (row-major), each holding pagesPerCore pages at a common address.
func (a *Allocator) AllocateSharded(cores core.CoreSet, pagesPerCore, pageSize uint32, tag string) (*Buffer, error) {
	if pagesPerCore == 0 || pageSize == 0 {
		return nil, errors.Errorf("sharded buffer %q: pages per core %d and page size %d must be > 0", tag, pagesPerCore, pageSize)
	}
	stride, span, err := a.pageSpan(pageSize, uint64(pagesPerCore), a.cfg.L1Size)
	if err != nil {
		return nil, errors.WithMessagef(err, "sharded buffer %q", tag)
	}
	list := cores.Cores()
	total := uint64(pagesPerCore) * uint64(len(list)) * uint64(pageSize)
	if total > math.MaxUint32 {
		return nil, errors.Wrapf(core.ErrOutOfMemory, "sharded buffer %q: %d bytes over %d cores", tag, total, len(list))
	}
	addr, err := a.AllocateAcrossRange(cores, span, tag)
	if err != nil {
		return nil, errors.WithMessagef(err, "sharded buffer %q", tag)
	}

	banks := make([]BankID, len(list))
	for i, c := range list {
		banks[i] = L1Bank(c)
	}
	pages := pagesPerCore * uint32(len(list))
	return &Buffer{
		alloc:    a,
		kind:     Sharded,
		address:  addr,
		size:     uint32(total),
		pageSize: pageSize,
		stride:   stride,
		pages:    pages,
		banks:    banks,
		shard:    &ShardSpec{Cores: cores, PagesPerCore: pagesPerCore},
		tag:      tag,
	}, nil
}

// Reset drops every allocation in every bank.
func (a *Allocator) Reset() {
	for _, b := range a.dram {
		b.Reset()
	}
	for _, b := range a.l1 {
		b.Reset()
	}
}
