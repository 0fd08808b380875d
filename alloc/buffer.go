package alloc

import (
	"github.com/pkg/errors"

	"github.com/sbl8/tessera/core"
)

// BufferKind describes how a logical buffer's pages map onto banks.
type BufferKind uint8

const (
	// Interleaved buffers spread pages round-robin across DRAM channels.
	Interleaved BufferKind = iota
	// Sharded buffers keep a contiguous run of pages in each core's L1.
	Sharded
)

func (k BufferKind) String() string {
	if k == Interleaved {
		return "interleaved"
	}
	return "sharded"
}

// ShardSpec records which cores hold a sharded buffer and how many pages each.
type ShardSpec struct {
	Cores        core.CoreSet
	PagesPerCore uint32
}

// Buffer is the logical owner of one or more bank allocations. It is freed
// exactly once; a second Free reports ErrUnknownAllocation.
type Buffer struct {
	alloc    *Allocator
	kind     BufferKind
	address  uint32
	size     uint32
	pageSize uint32
	stride   uint32
	pages    uint32
	banks    []BankID
	shard    *ShardSpec
	tag      string
	freed    bool
}

// Kind returns the buffer's page mapping.
func (b *Buffer) Kind() BufferKind { return b.kind }

// Address is the common base address inside every bank the buffer spans.
func (b *Buffer) Address() uint32 { return b.address }

// Size is the requested logical size in bytes.
func (b *Buffer) Size() uint32 { return b.size }

// PageSize is the logical page size.
func (b *Buffer) PageSize() uint32 { return b.pageSize }

// PageStride is the page size rounded up to the bank alignment.
func (b *Buffer) PageStride() uint32 { return b.stride }

// PageCount is the number of pages.
func (b *Buffer) PageCount() uint32 { return b.pages }

// Tag returns the symbolic use of the buffer.
func (b *Buffer) Tag() string { return b.tag }

// Shard returns the shard layout, or nil for interleaved buffers.
func (b *Buffer) Shard() *ShardSpec { return b.shard }

// Banks lists the banks the buffer occupies.
func (b *Buffer) Banks() []BankID {
	out := make([]BankID, len(b.banks))
	copy(out, b.banks)
	return out
}

// IsSharded reports whether the buffer lives in L1 shards.
func (b *Buffer) IsSharded() bool { return b.kind == Sharded }

// PageLocation returns the bank and address holding page i.
func (b *Buffer) PageLocation(i uint32) (BankID, uint32, error) {
	if i >= b.pages {
		return BankID{}, 0, errors.Errorf("buffer %q: page %d out of range (%d pages)", b.tag, i, b.pages)
	}
	switch b.kind {
	case Interleaved:
		nb := uint32(len(b.banks))
		return b.banks[i%nb], b.address + (i/nb)*b.stride, nil
	default:
		per := b.shard.PagesPerCore
		return b.banks[i/per], b.address + (i%per)*b.stride, nil
	}
}

// Free releases every allocation the buffer owns.
func (b *Buffer) Free() error {
	if b.freed {
		return errors.Wrapf(core.ErrUnknownAllocation, "buffer %q already freed", b.tag)
	}
	var first error
	for _, id := range b.banks {
		if err := b.alloc.Free(id, b.address); err != nil && first == nil {
			first = err
		}
	}
	b.freed = true
	return first
}
