package cb

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/core"
)

// Handle identifies one defined region in a Registry.
type Handle int

// Descriptor is the per-core view of one stream of a region.
type Descriptor struct {
	Handle   Handle
	Index    Index
	Address  uint32
	Capacity uint32
	PageSize uint32
	Pages    uint32
	Format   core.DataFormat
	Global   bool // backed by an existing sharded buffer
}

type region struct {
	handle  Handle
	cores   core.CoreSet
	cfg     *Config
	address uint32
	global  bool
	refs    int
}

func (r *region) end() uint32 { return r.address + r.cfg.total }

// Registry maps (core, index) to circular buffer regions. Regions it defines
// itself are carved out of L1 through the allocator; global regions sit on
// top of a sharded buffer the caller owns.
type Registry struct {
	mu      sync.Mutex
	alloc   *alloc.Allocator
	next    Handle
	regions map[Handle]*region
	byCore  map[core.CoreCoord]map[Index]*region
}

// NewRegistry creates an empty registry backed by a.
func NewRegistry(a *alloc.Allocator) *Registry {
	return &Registry{
		alloc:   a,
		next:    1,
		regions: make(map[Handle]*region),
		byCore:  make(map[core.CoreCoord]map[Index]*region),
	}
}

// Define registers cfg on every core of cores at one common L1 address.
//
// Redefining an index on cores that already carry a region with identical
// geometry aliases that region and returns its handle. Any other reuse of an
// index, or a byte overlap with another region, fails with
// ErrCapacityMismatch. ErrRegionOverflow is returned when no address is free
// on every core.
func (r *Registry) Define(cores core.CoreSet, cfg *Config) (Handle, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if err := cores.Validate(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok, err := r.aliasLocked(cores, cfg); err != nil || ok {
		return h, err
	}

	addr, err := r.alloc.AllocateAcrossRange(cores, cfg.total, "cb")
	if err != nil {
		if errors.Is(err, core.ErrOutOfMemory) {
			return 0, errors.Wrapf(core.ErrRegionOverflow, "cb %s on %s: %v", indexList(cfg), cores, err)
		}
		return 0, err
	}
	return r.insertLocked(cores, cfg, addr, false), nil
}

// DefineGlobal registers cfg on top of a sharded L1 buffer. No memory is
// allocated; the capacity must fit one shard.
func (r *Registry) DefineGlobal(cfg *Config, cores core.CoreSet, buf *alloc.Buffer) (Handle, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if err := checkShard(cfg, cores, buf); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok, err := r.aliasLocked(cores, cfg); err != nil || ok {
		return h, err
	}
	if err := r.overlapLocked(cores, buf.Address(), cfg.total, 0); err != nil {
		return 0, err
	}
	return r.insertLocked(cores, cfg, buf.Address(), true), nil
}

// Rebind points a global region at a different sharded buffer with the same
// core layout. It is the registry half of replaying a cached program against
// new sharded tensors.
func (r *Registry) Rebind(h Handle, buf *alloc.Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regions[h]
	if !ok {
		return errors.Wrapf(core.ErrUndefinedIndex, "no circular buffer region %d", h)
	}
	if !reg.global {
		return errors.Errorf("region %d is not backed by a global buffer", h)
	}
	if err := checkShard(reg.cfg, reg.cores, buf); err != nil {
		return err
	}
	if err := r.overlapLocked(reg.cores, buf.Address(), reg.cfg.total, h); err != nil {
		return err
	}
	reg.address = buf.Address()
	return nil
}

// AddressOf returns the backing address of index on c.
func (r *Registry) AddressOf(i Index, c core.CoreCoord) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byCore[c][i]
	if !ok {
		return 0, errors.Wrapf(core.ErrUndefinedIndex, "cb %d not defined on core %s", i, c)
	}
	return reg.address, nil
}

// Descriptors lists every stream defined on c in index order.
func (r *Registry) Descriptors(c core.CoreCoord) []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := r.byCore[c]
	out := make([]Descriptor, 0, len(slots))
	for i, reg := range slots {
		out = append(out, Descriptor{
			Handle:   reg.handle,
			Index:    i,
			Address:  reg.address,
			Capacity: reg.cfg.total,
			PageSize: reg.cfg.pageSizes[i],
			Pages:    reg.cfg.PageCount(i),
			Format:   reg.cfg.formats[i],
			Global:   reg.global,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

// Cores returns the core set a region was defined on.
func (r *Registry) Cores(h Handle) (core.CoreSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regions[h]
	if !ok {
		return core.CoreSet{}, false
	}
	return reg.cores, true
}

// Release drops one reference to a region. The last release unregisters it
// and frees the L1 it owns.
func (r *Registry) Release(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regions[h]
	if !ok {
		return errors.Wrapf(core.ErrUndefinedIndex, "no circular buffer region %d", h)
	}
	reg.refs--
	if reg.refs > 0 {
		return nil
	}

	delete(r.regions, h)
	for _, c := range reg.cores.Cores() {
		for i := range reg.cfg.formats {
			delete(r.byCore[c], i)
		}
		if len(r.byCore[c]) == 0 {
			delete(r.byCore, c)
		}
	}
	if reg.global {
		return nil
	}
	return r.alloc.FreeAcrossRange(reg.cores, reg.address)
}

// Len returns the number of live regions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regions)
}

// aliasLocked resolves a definition against regions already present on
// cores. It reports ok when the definition aliases an existing region.
func (r *Registry) aliasLocked(cores core.CoreSet, cfg *Config) (Handle, bool, error) {
	var existing *region
	for _, c := range cores.Cores() {
		for _, i := range cfg.Indices() {
			reg, ok := r.byCore[c][i]
			if !ok {
				continue
			}
			if existing != nil && existing != reg {
				return 0, false, errors.Wrapf(core.ErrCapacityMismatch, "cb %d on %s spans regions %d and %d", i, c, existing.handle, reg.handle)
			}
			if !reg.cfg.sameGeometry(cfg, i) {
				return 0, false, errors.Wrapf(core.ErrCapacityMismatch,
					"cb %d on %s redefined: %d bytes/%d page vs existing %d bytes/%d page",
					i, c, cfg.total, cfg.pageSizes[i], reg.cfg.total, reg.cfg.pageSizes[i])
			}
			existing = reg
		}
	}
	if existing == nil {
		return 0, false, nil
	}

	if len(existing.cfg.formats) != len(cfg.formats) {
		return 0, false, errors.Wrapf(core.ErrCapacityMismatch, "cb %s partially aliases region %d", indexList(cfg), existing.handle)
	}
	for i := range cfg.formats {
		if !existing.cfg.sameGeometry(cfg, i) {
			return 0, false, errors.Wrapf(core.ErrCapacityMismatch, "cb %s partially aliases region %d", indexList(cfg), existing.handle)
		}
	}
	for _, c := range cores.Cores() {
		if !existing.cores.Contains(c) {
			return 0, false, errors.Wrapf(core.ErrCapacityMismatch, "alias of region %d extends to core %s", existing.handle, c)
		}
	}
	existing.refs++
	return existing.handle, true, nil
}

// overlapLocked rejects [addr, addr+size) if it intersects another region's
// bytes on any of cores. skip excludes a region from the check.
func (r *Registry) overlapLocked(cores core.CoreSet, addr, size uint32, skip Handle) error {
	end := uint64(addr) + uint64(size)
	for _, c := range cores.Cores() {
		for _, reg := range r.byCore[c] {
			if reg.handle == skip {
				continue
			}
			if uint64(reg.address) < end && uint64(addr) < uint64(reg.end()) {
				return errors.Wrapf(core.ErrCapacityMismatch, "core %s: [%#x,%#x) overlaps region %d at [%#x,%#x)",
					c, addr, end, reg.handle, reg.address, reg.end())
			}
		}
	}
	return nil
}

func (r *Registry) insertLocked(cores core.CoreSet, cfg *Config, addr uint32, global bool) Handle {
	reg := &region{
		handle:  r.next,
		cores:   cores,
		cfg:     cfg.clone(),
		address: addr,
		global:  global,
		refs:    1,
	}
	r.next++
	r.regions[reg.handle] = reg
	for _, c := range cores.Cores() {
		slots, ok := r.byCore[c]
		if !ok {
			slots = make(map[Index]*region)
			r.byCore[c] = slots
		}
		for i := range reg.cfg.formats {
			slots[i] = reg
		}
	}
	return reg.handle
}

func checkShard(cfg *Config, cores core.CoreSet, buf *alloc.Buffer) error {
	if buf == nil || !buf.IsSharded() {
		return errors.New("global circular buffer needs a sharded L1 buffer")
	}
	shard := buf.Shard()
	for _, c := range cores.Cores() {
		if !shard.Cores.Contains(c) {
			return errors.Wrapf(core.ErrGridTooLarge, "core %s holds no shard of buffer %q", c, buf.Tag())
		}
	}
	if capacity := shard.PagesPerCore * buf.PageStride(); cfg.total > capacity {
		return errors.Wrapf(core.ErrCapacityMismatch, "cb capacity %d exceeds %d-byte shard of %q", cfg.total, capacity, buf.Tag())
	}
	return nil
}

func (c *Config) clone() *Config {
	out := NewConfig(c.total, c.formats)
	for i, ps := range c.pageSizes {
		out.pageSizes[i] = ps
	}
	return out
}

func indexList(cfg *Config) string {
	idx := cfg.Indices()
	parts := make([]string, len(idx))
	for n, i := range idx {
		parts[n] = fmt.Sprint(int(i))
	}
	return "[" + strings.Join(parts, ",") + "]"
}
