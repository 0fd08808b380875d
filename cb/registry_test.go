package cb

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/core"
)

const (
	testL1Size     = 64 * 1024
	testL1Reserved = 4 * 1024
)

var tile = uint32(core.TileSize(core.Float16B))

func newTestRegistry(t *testing.T) (*Registry, *alloc.Allocator) {
	t.Helper()
	a, err := alloc.New(alloc.Config{
		DRAMBanks:    2,
		DRAMBankSize: 1 << 20,
		GridCols:     2,
		GridRows:     2,
		L1Size:       testL1Size,
		L1Reserved:   testL1Reserved,
		Alignment:    32,
	})
	if err != nil {
		t.Fatalf("alloc.New failed: %v", err)
	}
	return NewRegistry(a), a
}

func tiles(i Index, n uint32) *Config {
	return NewConfig(n*tile, map[Index]core.DataFormat{i: core.Float16B}).SetPageSize(i, tile)
}

func grid() core.CoreSet { return core.Range(core.GridRange(2, 2)) }

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  *Config
		want error
	}{
		{"ok", tiles(In0, 2), nil},
		{"zero capacity", NewConfig(0, map[Index]core.DataFormat{In0: core.Float16B}).SetPageSize(In0, tile), core.ErrCapacityMismatch},
		{"not a page multiple", NewConfig(5000, map[Index]core.DataFormat{In0: core.Float16B}).SetPageSize(In0, tile), core.ErrCapacityMismatch},
		{"missing page size", NewConfig(tile, map[Index]core.DataFormat{In0: core.Float16B}), core.ErrCapacityMismatch},
		{"index out of range", NewConfig(tile, map[Index]core.DataFormat{40: core.Float16B}).SetPageSize(40, tile), core.ErrUndefinedIndex},
		{"page without format", tiles(In0, 1).SetPageSize(In1, tile), core.ErrUndefinedIndex},
		{
			"largest page governs",
			NewConfig(3*tile, map[Index]core.DataFormat{Out0: core.Float16B, Intermed0: core.Float32}).
				SetPageSize(Out0, tile).SetPageSize(Intermed0, 2*tile),
			core.ErrCapacityMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDefineAndAddressOf(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	h0, err := r.Define(grid(), tiles(In0, 2))
	if err != nil {
		t.Fatalf("Define in0 failed: %v", err)
	}
	if _, err := r.Define(grid(), tiles(In1, 2)); err != nil {
		t.Fatalf("Define in1 failed: %v", err)
	}

	for _, c := range grid().Cores() {
		a0, err := r.AddressOf(In0, c)
		if err != nil {
			t.Fatalf("AddressOf(in0, %s) failed: %v", c, err)
		}
		a1, _ := r.AddressOf(In1, c)
		if a0 != testL1Reserved || a1 != testL1Reserved+2*tile {
			t.Errorf("core %s: in0 at %#x, in1 at %#x", c, a0, a1)
		}
	}

	_, err = r.AddressOf(In2, core.CoreCoord{})
	if !errors.Is(err, core.ErrUndefinedIndex) {
		t.Errorf("AddressOf(in2) error = %v, want ErrUndefinedIndex", err)
	}

	descs := r.Descriptors(core.CoreCoord{X: 1, Y: 1})
	if len(descs) != 2 || descs[0].Index != In0 || descs[1].Index != In1 {
		t.Fatalf("Descriptors = %+v", descs)
	}
	if descs[0].Handle != h0 || descs[0].Pages != 2 || descs[0].PageSize != tile {
		t.Errorf("in0 descriptor = %+v", descs[0])
	}
}

func TestDefineRegionOverflow(t *testing.T) {
	t.Parallel()
	r, a := newTestRegistry(t)

	usable := uint32(testL1Size - testL1Reserved)
	_, err := r.Define(grid(), NewConfig(usable+tile, map[Index]core.DataFormat{In0: core.Float16B}).SetPageSize(In0, tile))
	if !errors.Is(err, core.ErrRegionOverflow) {
		t.Fatalf("oversized define error = %v, want ErrRegionOverflow", err)
	}

	// One crowded core is enough to reject the whole range.
	crowded := core.CoreCoord{X: 1, Y: 1}
	if _, err := a.Allocate(alloc.L1Bank(crowded), usable-tile, "other"); err != nil {
		t.Fatal(err)
	}
	_, err = r.Define(grid(), tiles(In0, 2))
	if !errors.Is(err, core.ErrRegionOverflow) {
		t.Errorf("define on crowded core error = %v, want ErrRegionOverflow", err)
	}
	if _, err := r.Define(core.Coordinate(core.CoreCoord{}), tiles(In0, 2)); err != nil {
		t.Errorf("define on free core failed: %v", err)
	}
}

func TestDefineOutsideGrid(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	_, err := r.Define(core.Range(core.GridRange(3, 1)), tiles(In0, 1))
	if !errors.Is(err, core.ErrGridTooLarge) {
		t.Errorf("error = %v, want ErrGridTooLarge", err)
	}
}

func TestDefineAliasing(t *testing.T) {
	t.Parallel()
	r, a := newTestRegistry(t)

	h, err := r.Define(grid(), tiles(In0, 2))
	if err != nil {
		t.Fatal(err)
	}
	top := core.Range(core.CoreRange{Start: core.CoreCoord{X: 0, Y: 0}, End: core.CoreCoord{X: 1, Y: 0}})
	alias, err := r.Define(top, tiles(In0, 2))
	if err != nil {
		t.Fatalf("identical redefinition failed: %v", err)
	}
	if alias != h || r.Len() != 1 {
		t.Errorf("alias handle = %d (len %d), want %d", alias, r.Len(), h)
	}

	if err := r.Release(h); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddressOf(In0, core.CoreCoord{}); err != nil {
		t.Errorf("region dropped while still aliased: %v", err)
	}
	if err := r.Release(h); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after final release", r.Len())
	}
	stats, _ := a.Stats(alloc.L1Bank(core.CoreCoord{}))
	if stats.Used != 0 {
		t.Errorf("L1 still holds %d bytes after release", stats.Used)
	}
	if err := r.Release(h); !errors.Is(err, core.ErrUndefinedIndex) {
		t.Errorf("extra release error = %v, want ErrUndefinedIndex", err)
	}
}

func TestDefineConflictingGeometry(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	left := core.Range(core.CoreRange{Start: core.CoreCoord{X: 0, Y: 0}, End: core.CoreCoord{X: 0, Y: 1}})
	bottom := core.Range(core.CoreRange{Start: core.CoreCoord{X: 0, Y: 1}, End: core.CoreCoord{X: 1, Y: 1}})

	if _, err := r.Define(left, tiles(In0, 2)); err != nil {
		t.Fatal(err)
	}
	_, err := r.Define(bottom, tiles(In0, 4))
	if !errors.Is(err, core.ErrCapacityMismatch) {
		t.Errorf("overlapping redefinition error = %v, want ErrCapacityMismatch", err)
	}
	// Same geometry but extending beyond the original cores is not an alias.
	_, err = r.Define(bottom, tiles(In0, 2))
	if !errors.Is(err, core.ErrCapacityMismatch) {
		t.Errorf("extending alias error = %v, want ErrCapacityMismatch", err)
	}
	if _, err := r.AddressOf(In0, core.CoreCoord{X: 1, Y: 1}); !errors.Is(err, core.ErrUndefinedIndex) {
		t.Errorf("failed define left state behind: %v", err)
	}
}

func TestDefineGlobal(t *testing.T) {
	t.Parallel()
	r, a := newTestRegistry(t)

	buf, err := a.AllocateSharded(grid(), 2, tile, "shard a")
	if err != nil {
		t.Fatal(err)
	}
	h, err := r.DefineGlobal(tiles(In0, 2), grid(), buf)
	if err != nil {
		t.Fatalf("DefineGlobal failed: %v", err)
	}
	addr, _ := r.AddressOf(In0, core.CoreCoord{X: 1, Y: 0})
	if addr != buf.Address() {
		t.Errorf("global cb at %#x, want buffer address %#x", addr, buf.Address())
	}

	if _, err := r.DefineGlobal(tiles(Out0, 3), grid(), buf); !errors.Is(err, core.ErrCapacityMismatch) {
		t.Errorf("oversized global error = %v, want ErrCapacityMismatch", err)
	}
	if _, err := r.DefineGlobal(tiles(Out0, 1), grid(), buf); !errors.Is(err, core.ErrCapacityMismatch) {
		t.Errorf("overlapping global error = %v, want ErrCapacityMismatch", err)
	}

	other, err := a.AllocateSharded(grid(), 2, tile, "shard b")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Rebind(h, other); err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	addr, _ = r.AddressOf(In0, core.CoreCoord{X: 1, Y: 1})
	if addr != other.Address() {
		t.Errorf("rebound cb at %#x, want %#x", addr, other.Address())
	}

	// Releasing a global region leaves the buffer's memory alone.
	if err := r.Release(h); err != nil {
		t.Fatal(err)
	}
	if err := other.Free(); err != nil {
		t.Errorf("buffer free after release failed: %v", err)
	}
}

func TestRebindRejectsOwnedRegion(t *testing.T) {
	t.Parallel()
	r, a := newTestRegistry(t)
	h, err := r.Define(grid(), tiles(In0, 1))
	if err != nil {
		t.Fatal(err)
	}
	buf, err := a.AllocateSharded(grid(), 1, tile, "shard")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Rebind(h, buf); err == nil {
		t.Error("expected Rebind of an allocated region to fail")
	}
}
