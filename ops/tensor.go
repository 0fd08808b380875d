// Package ops builds and runs grid programs for tensor operations.
//
// Tensors are tiled: each 32x32 face of the innermost two dimensions is one
// page, and pages are numbered row-major over (N*C*Ht) tile rows of Wt tiles.
// A tensor lives either interleaved over every DRAM channel or height sharded
// across L1, one contiguous run of whole tile rows per core.
package ops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/partition"
	"github.com/sbl8/tessera/runtime"
)

// Shape is N, C, H, W in elements.
type Shape [4]int

func (s Shape) N() int { return s[0] }
func (s Shape) C() int { return s[1] }
func (s Shape) H() int { return s[2] }
func (s Shape) W() int { return s[3] }

// Volume is the element count.
func (s Shape) Volume() int { return s[0] * s[1] * s[2] * s[3] }

// Validate requires positive dimensions and a tile-aligned face.
func (s Shape) Validate() error {
	for _, d := range s {
		if d <= 0 {
			return errors.Errorf("shape %v has a non-positive dimension", s)
		}
	}
	_, _, err := core.TilesIn(s.H(), s.W())
	return err
}

// Tensor is a tiled tensor placed in device memory.
type Tensor struct {
	Shape  Shape
	Format core.DataFormat
	Buffer *alloc.Buffer
}

// Ht is the number of tile rows per batch.
func (t Tensor) Ht() int { return t.Shape.H() / core.TileHeight }

// Wt is the number of tiles per row.
func (t Tensor) Wt() int { return t.Shape.W() / core.TileWidth }

// Tiles is the page count of the tensor.
func (t Tensor) Tiles() int { return t.Shape.N() * t.Shape.C() * t.Ht() * t.Wt() }

// Workload describes the tensor's tiles to the partitioner.
func (t Tensor) Workload() partition.Workload {
	return partition.Workload{Batch: t.Shape.N() * t.Shape.C(), Rows: t.Ht(), Cols: t.Wt()}
}

// Sharded reports whether the tensor lives in L1 shards.
func (t Tensor) Sharded() bool { return t.Buffer != nil && t.Buffer.IsSharded() }

// Free releases the tensor's buffer.
func (t Tensor) Free() error {
	if t.Buffer == nil {
		return nil
	}
	return t.Buffer.Free()
}

func tileBytes(f core.DataFormat) uint32 { return uint32(core.TileSize(f)) }

func checkTensor(s Shape, f core.DataFormat) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if f.ElementSize() == 0 {
		return errors.Errorf("invalid data format %s", f)
	}
	return nil
}

// NewInterleaved allocates a tensor spread page by page over every DRAM
// channel.
func NewInterleaved(dev *runtime.Device, s Shape, f core.DataFormat, tag string) (Tensor, error) {
	if err := checkTensor(s, f); err != nil {
		return Tensor{}, err
	}
	t := Tensor{Shape: s, Format: f}
	buf, err := dev.Allocator().AllocateInterleaved(uint32(t.Tiles())*tileBytes(f), tileBytes(f), tag)
	if err != nil {
		return Tensor{}, err
	}
	t.Buffer = buf
	return t, nil
}

// NewHeightSharded allocates a tensor split into equal runs of whole tile
// rows, one per core of cores in row-major order.
func NewHeightSharded(dev *runtime.Device, s Shape, f core.DataFormat, cores core.CoreSet, tag string) (Tensor, error) {
	if err := checkTensor(s, f); err != nil {
		return Tensor{}, err
	}
	t := Tensor{Shape: s, Format: f}
	n := cores.Size()
	rows := t.Workload().FlatRows()
	if n == 0 || rows%n != 0 {
		return Tensor{}, errors.Wrapf(core.ErrIndivisibleWorkload, "%d tile rows over %d cores", rows, n)
	}
	buf, err := dev.Allocator().AllocateSharded(cores, uint32(rows/n*t.Wt()), tileBytes(f), tag)
	if err != nil {
		return Tensor{}, err
	}
	t.Buffer = buf
	return t, nil
}

// Upload tilizes row-major values and writes them into the tensor.
func Upload(ctx context.Context, dev *runtime.Device, t Tensor, vals []float32) error {
	if len(vals) != t.Shape.Volume() {
		return errors.Errorf("upload of %d values into shape %v", len(vals), t.Shape)
	}
	size := int(tileBytes(t.Format))
	data := make([]byte, t.Tiles()*size)
	tile := make([]float32, core.TileHW)
	for i := 0; i < t.Tiles(); i++ {
		t.gather(i, vals, tile)
		if err := kernels.EncodeTile(t.Format, tile, data[i*size:(i+1)*size]); err != nil {
			return err
		}
	}
	return dev.WriteBuffer(ctx, t.Buffer, data)
}

// Download reads the tensor back as row-major values.
func Download(ctx context.Context, dev *runtime.Device, t Tensor) ([]float32, error) {
	data, err := dev.ReadBuffer(ctx, t.Buffer)
	if err != nil {
		return nil, err
	}
	size := int(tileBytes(t.Format))
	if len(data) < t.Tiles()*size {
		return nil, errors.Errorf("read %d bytes for %d tiles", len(data), t.Tiles())
	}
	vals := make([]float32, t.Shape.Volume())
	tile := make([]float32, core.TileHW)
	for i := 0; i < t.Tiles(); i++ {
		if err := kernels.DecodeTile(t.Format, data[i*size:(i+1)*size], tile); err != nil {
			return nil, err
		}
		t.scatter(i, tile, vals)
	}
	return vals, nil
}

// origin returns the element offset of tile i's top-left corner.
func (t Tensor) origin(i int) int {
	w := t.Shape.W()
	row, col := i/t.Wt(), i%t.Wt()
	return row*core.TileHeight*w + col*core.TileWidth
}

func (t Tensor) gather(i int, vals, tile []float32) {
	base, w := t.origin(i), t.Shape.W()
	for r := 0; r < core.TileHeight; r++ {
		copy(tile[r*core.TileWidth:(r+1)*core.TileWidth], vals[base+r*w:])
	}
}

func (t Tensor) scatter(i int, tile, vals []float32) {
	base, w := t.origin(i), t.Shape.W()
	for r := 0; r < core.TileHeight; r++ {
		copy(vals[base+r*w:base+r*w+core.TileWidth], tile[r*core.TileWidth:])
	}
}
