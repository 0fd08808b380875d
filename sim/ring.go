package sim

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/core"
)

// ring is one circular buffer stream on one core. Pages live in the core's L1
// at the registry-assigned address; the channels carry slot numbers, so a
// producer blocks while every slot is full and a consumer while none is.
type ring struct {
	desc cb.Descriptor
	mem  *memory
	free chan uint32
	full chan uint32
}

func newRing(desc cb.Descriptor, mem *memory) (*ring, error) {
	if desc.Pages == 0 || desc.PageSize == 0 {
		return nil, errors.Wrapf(core.ErrCapacityMismatch, "cb %d: %d pages of %d bytes", desc.Index, desc.Pages, desc.PageSize)
	}
	if err := mem.check(desc.Address, desc.Pages*desc.PageSize); err != nil {
		return nil, errors.WithMessagef(err, "cb %d", desc.Index)
	}
	r := &ring{
		desc: desc,
		mem:  mem,
		free: make(chan uint32, desc.Pages),
		full: make(chan uint32, desc.Pages),
	}
	for i := uint32(0); i < desc.Pages; i++ {
		r.free <- i
	}
	return r, nil
}

func (r *ring) Descriptor() cb.Descriptor { return r.desc }

func (r *ring) slotAddr(slot uint32) uint32 {
	return r.desc.Address + slot*r.desc.PageSize
}

func (r *ring) reserve(ctx context.Context) (uint32, error) {
	select {
	case slot := <-r.free:
		return slot, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Push copies page into the next free slot and publishes it.
func (r *ring) Push(ctx context.Context, page []byte) error {
	if uint32(len(page)) != r.desc.PageSize {
		return errors.Wrapf(core.ErrCapacityMismatch, "cb %d: pushed %d bytes into %d byte pages", r.desc.Index, len(page), r.desc.PageSize)
	}
	slot, err := r.reserve(ctx)
	if err != nil {
		return err
	}
	if err := r.mem.write(r.slotAddr(slot), page); err != nil {
		return err
	}
	r.full <- slot
	return nil
}

// PushResident publishes n slots without writing them. Only buffers placed
// over a sharded tensor hold data before the first push.
func (r *ring) PushResident(ctx context.Context, n int) error {
	if !r.desc.Global {
		return errors.Errorf("cb %d is not backed by a sharded buffer", r.desc.Index)
	}
	if n < 0 || uint32(n) > r.desc.Pages {
		return errors.Wrapf(core.ErrCapacityMismatch, "cb %d: %d resident pages in a %d page ring", r.desc.Index, n, r.desc.Pages)
	}
	for i := 0; i < n; i++ {
		slot, err := r.reserve(ctx)
		if err != nil {
			return err
		}
		r.full <- slot
	}
	return nil
}

// Pop waits for the oldest published page, copies it out and frees the slot.
func (r *ring) Pop(ctx context.Context) ([]byte, error) {
	var slot uint32
	select {
	case slot = <-r.full:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	page, err := r.mem.read(r.slotAddr(slot), r.desc.PageSize)
	if err != nil {
		return nil, err
	}
	r.free <- slot
	return page, nil
}
