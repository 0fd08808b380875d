// Package cb fixes the static layout of per-core circular buffers.
//
// A circular buffer is a bounded producer/consumer queue that lives in a
// core's L1. The registry only decides capacity, page size and backing
// address so that the kernels on either end agree on geometry; occupancy
// and synchronisation are runtime behaviour of the executing kernels.
package cb

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/core"
)

// Index names a circular buffer slot on a core.
type Index uint8

// Standard slot assignments shared by reader, compute and writer kernels.
const (
	In0 Index = iota
	In1
	In2
	In3
	In4
	In5
	In6
	In7
)

const (
	Out0 Index = iota + 16
	Out1
	Out2
	Out3
	Out4
	Out5
	Out6
	Out7
	Intermed0
	Intermed1
	Intermed2
	Intermed3
	Intermed4
	Intermed5
	Intermed6
	Intermed7
)

// NumIndices is the number of addressable slots per core.
const NumIndices = 32

// Valid reports whether i addresses a slot.
func (i Index) Valid() bool { return i < NumIndices }

// Config describes one physical L1 region and the logical streams that share
// it. Build it with NewConfig and SetPageSize.
type Config struct {
	total     uint32
	formats   map[Index]core.DataFormat
	pageSizes map[Index]uint32
}

// NewConfig starts a region of total bytes carrying the given streams.
func NewConfig(total uint32, formats map[Index]core.DataFormat) *Config {
	c := &Config{
		total:     total,
		formats:   make(map[Index]core.DataFormat, len(formats)),
		pageSizes: make(map[Index]uint32, len(formats)),
	}
	for i, f := range formats {
		c.formats[i] = f
	}
	return c
}

// SetPageSize sets the page size of one stream and returns c for chaining.
func (c *Config) SetPageSize(i Index, size uint32) *Config {
	c.pageSizes[i] = size
	return c
}

// TotalSize is the region capacity in bytes.
func (c *Config) TotalSize() uint32 { return c.total }

// Indices returns the configured streams in ascending order.
func (c *Config) Indices() []Index {
	out := make([]Index, 0, len(c.formats))
	for i := range c.formats {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Format returns a stream's element format.
func (c *Config) Format(i Index) core.DataFormat {
	f, ok := c.formats[i]
	if !ok {
		return core.InvalidFormat
	}
	return f
}

// PageSize returns a stream's page size, or 0 when unset.
func (c *Config) PageSize(i Index) uint32 { return c.pageSizes[i] }

// PageCount is the number of pages of stream i the region holds.
func (c *Config) PageCount(i Index) uint32 {
	ps := c.pageSizes[i]
	if ps == 0 {
		return 0
	}
	return c.total / ps
}

// Validate checks that every stream is addressable and the capacity is a
// whole multiple of the largest page size.
func (c *Config) Validate() error {
	if c.total == 0 {
		return errors.Wrap(core.ErrCapacityMismatch, "circular buffer capacity must be > 0")
	}
	if len(c.formats) == 0 {
		return errors.Wrap(core.ErrCapacityMismatch, "circular buffer config has no streams")
	}
	for i := range c.pageSizes {
		if _, ok := c.formats[i]; !ok {
			return errors.Wrapf(core.ErrUndefinedIndex, "page size set for cb %d without a data format", i)
		}
	}

	var largest uint32
	for _, i := range c.Indices() {
		if !i.Valid() {
			return errors.Wrapf(core.ErrUndefinedIndex, "cb index %d (max %d)", i, NumIndices-1)
		}
		if c.formats[i] == core.InvalidFormat {
			return errors.Errorf("cb %d: invalid data format", i)
		}
		ps := c.pageSizes[i]
		if ps == 0 {
			return errors.Wrapf(core.ErrCapacityMismatch, "cb %d: page size not set", i)
		}
		largest = max(largest, ps)
	}
	if c.total%largest != 0 {
		return errors.Wrapf(core.ErrCapacityMismatch, "capacity %d is not a multiple of page size %d", c.total, largest)
	}
	return nil
}

// sameGeometry reports whether two configs describe an identical region for
// stream i.
func (c *Config) sameGeometry(o *Config, i Index) bool {
	return c.total == o.total &&
		c.pageSizes[i] == o.pageSizes[i] &&
		c.formats[i] == o.formats[i]
}
