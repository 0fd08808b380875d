package alloc

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/core"
)

func newTestBank(t *testing.T, size uint32) *Bank {
	t.Helper()
	b, err := NewBank(DRAMBank(0), 0, size, core.DefaultAlignment)
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}
	return b
}

func TestBankFirstFit(t *testing.T) {
	t.Parallel()
	b := newTestBank(t, 1024)

	a0, err := b.Allocate(100, "a")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	a1, err := b.Allocate(32, "b")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if a0 != 0 || a1 != 128 {
		t.Errorf("addresses = %#x, %#x; want 0x0, 0x80", a0, a1)
	}
	for _, a := range b.Allocations() {
		if a.Address%core.DefaultAlignment != 0 || a.Size%core.DefaultAlignment != 0 {
			t.Errorf("allocation %+v not aligned", a)
		}
	}
}

func TestBankRejectsZeroSize(t *testing.T) {
	t.Parallel()
	b := newTestBank(t, 1024)
	if _, err := b.Allocate(0, "zero"); err == nil {
		t.Error("expected error for zero-size allocation")
	}
}

func TestBankOutOfMemory(t *testing.T) {
	t.Parallel()
	b := newTestBank(t, 256)
	if _, err := b.Allocate(256, "all"); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	_, err := b.Allocate(32, "more")
	if !errors.Is(err, core.ErrOutOfMemory) {
		t.Errorf("error = %v, want ErrOutOfMemory", err)
	}
}

func TestBankReserveConflict(t *testing.T) {
	t.Parallel()
	b := newTestBank(t, 1024)
	if err := b.Reserve(256, 128, "fixed"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	tests := []struct {
		name string
		addr uint32
		size uint32
		want error
	}{
		{"overlaps start", 224, 64, core.ErrAddressConflict},
		{"inside", 288, 32, core.ErrAddressConflict},
		{"overlaps end", 352, 64, core.ErrAddressConflict},
		{"beyond bank", 1024 - 32, 64, core.ErrOutOfMemory},
		{"adjacent below", 224, 32, nil},
		{"adjacent above", 384, 32, nil},
	}
	for _, tt := range tests {
		err := b.Reserve(tt.addr, tt.size, tt.name)
		if tt.want == nil && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
	}

	addr, err := b.Allocate(64, "after reserve")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if addr != 0 {
		t.Errorf("first-fit should use the gap below the reservation, got %#x", addr)
	}
}

func TestBankFreeUnknown(t *testing.T) {
	t.Parallel()
	b := newTestBank(t, 1024)
	addr, _ := b.Allocate(64, "x")
	if _, err := b.Free(addr + 32); !errors.Is(err, core.ErrUnknownAllocation) {
		t.Errorf("free of interior address error = %v, want ErrUnknownAllocation", err)
	}
	if _, err := b.Free(addr); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if _, err := b.Free(addr); !errors.Is(err, core.ErrUnknownAllocation) {
		t.Errorf("double free error = %v, want ErrUnknownAllocation", err)
	}
}

func TestBankAllocateFreeAllocateSameAddress(t *testing.T) {
	t.Parallel()
	b := newTestBank(t, 4096)
	_, _ = b.Allocate(96, "pin")

	first, err := b.Allocate(500, "buf")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := b.Free(first); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	second, err := b.Allocate(500, "buf")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if first != second {
		t.Errorf("reallocation moved from %#x to %#x", first, second)
	}
}

func TestBankCoalescing(t *testing.T) {
	t.Parallel()
	b := newTestBank(t, 512)
	a, _ := b.Allocate(128, "a")
	c, _ := b.Allocate(128, "b")
	_, _ = b.Allocate(128, "c")

	if _, err := b.Free(a); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Free(c); err != nil {
		t.Fatal(err)
	}
	if got := b.Stats().LargestFree; got != 256 {
		t.Errorf("largest free after freeing neighbours = %d, want 256", got)
	}
	addr, err := b.Allocate(256, "merged")
	if err != nil {
		t.Fatalf("merged allocation failed: %v", err)
	}
	if addr != 0 {
		t.Errorf("merged allocation at %#x, want 0x0", addr)
	}
}

func TestBankReservedBase(t *testing.T) {
	t.Parallel()
	b, err := NewBank(L1Bank(core.CoreCoord{}), 100, 1024, 32)
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}
	if b.Base() != 128 {
		t.Errorf("Base() = %d, want 128", b.Base())
	}
	addr, _ := b.Allocate(32, "x")
	if addr != 128 {
		t.Errorf("first allocation at %d, want 128", addr)
	}
	if err := b.Reserve(0, 32, "firmware"); !errors.Is(err, core.ErrOutOfMemory) {
		t.Errorf("reserve below base error = %v, want ErrOutOfMemory", err)
	}
}

// replay runs a seeded allocate/free sequence and returns every address handed out.
func replay(t *testing.T, seed int64) ([]uint32, uint32) {
	t.Helper()
	b := newTestBank(t, 64*1024)
	rng := rand.New(rand.NewSource(seed))
	var live []uint32
	var trace []uint32

	for i := 0; i < 500; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			if _, err := b.Free(live[j]); err != nil {
				t.Fatalf("Free(%#x) failed: %v", live[j], err)
			}
			live = append(live[:j], live[j+1:]...)
			continue
		}
		addr, err := b.Allocate(uint32(1+rng.Intn(1024)), "r")
		if err != nil {
			continue
		}
		live = append(live, addr)
		trace = append(trace, addr)

		allocs := b.Allocations()
		for k := 1; k < len(allocs); k++ {
			if allocs[k-1].End() > allocs[k].Address {
				t.Fatalf("allocations overlap: %+v and %+v", allocs[k-1], allocs[k])
			}
		}
	}
	return trace, b.Stats().Used
}

func TestBankDeterministicReplay(t *testing.T) {
	t.Parallel()
	trace1, used1 := replay(t, 42)
	trace2, used2 := replay(t, 42)

	if used1 != used2 {
		t.Errorf("used bytes differ across replays: %d vs %d", used1, used2)
	}
	if len(trace1) != len(trace2) {
		t.Fatalf("trace lengths differ: %d vs %d", len(trace1), len(trace2))
	}
	for i := range trace1 {
		if trace1[i] != trace2[i] {
			t.Fatalf("address %d differs: %#x vs %#x", i, trace1[i], trace2[i])
		}
	}
}

func BenchmarkBankAllocateFree(b *testing.B) {
	bank, _ := NewBank(DRAMBank(0), 0, 1<<30, core.DefaultAlignment)
	addrs := make([]uint32, 0, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr, err := bank.Allocate(uint32(2048+i%7*32), "bench")
		if err != nil {
			b.Fatal(err)
		}
		addrs = append(addrs, addr)
		if len(addrs) == cap(addrs) {
			for _, a := range addrs {
				_, _ = bank.Free(a)
			}
			addrs = addrs[:0]
		}
	}
}
