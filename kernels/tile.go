package kernels

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbl8/tessera/core"
	"github.com/x448/float16"
)

// DecodeTile unpacks one page into dst, which must hold core.TileHW values.
func DecodeTile(f core.DataFormat, page []byte, dst []float32) error {
	if len(page) != core.TileSize(f) || !f.IsFloat() {
		return errors.Errorf("cannot decode %d byte %s page as a tile", len(page), f)
	}
	switch f {
	case core.Float32:
		for i := range dst[:core.TileHW] {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(page[i*4:]))
		}
	case core.Float16:
		for i := range dst[:core.TileHW] {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(page[i*2:])).Float32()
		}
	case core.Float16B:
		for i := range dst[:core.TileHW] {
			dst[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(page[i*2:])) << 16)
		}
	}
	return nil
}

// EncodeTile packs core.TileHW values into page.
func EncodeTile(f core.DataFormat, src []float32, page []byte) error {
	if len(page) != core.TileSize(f) || !f.IsFloat() {
		return errors.Errorf("cannot encode a tile into %d byte %s page", len(page), f)
	}
	switch f {
	case core.Float32:
		for i, v := range src[:core.TileHW] {
			binary.LittleEndian.PutUint32(page[i*4:], math.Float32bits(v))
		}
	case core.Float16:
		for i, v := range src[:core.TileHW] {
			binary.LittleEndian.PutUint16(page[i*2:], float16.Fromfloat32(v).Bits())
		}
	case core.Float16B:
		for i, v := range src[:core.TileHW] {
			binary.LittleEndian.PutUint16(page[i*2:], toBFloat16(v))
		}
	}
	return nil
}

// toBFloat16 rounds to nearest even, keeping NaNs quiet.
func toBFloat16(v float32) uint16 {
	bits := math.Float32bits(v)
	if math.IsNaN(float64(v)) {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7FFF + (bits>>16)&1
	return uint16(bits >> 16)
}

// Math is the elementwise operation applied by bcast_compute.
type Math uint8

const (
	Add Math = iota
	Sub
	Mul
)

// Broadcast says which part of the b tile is replicated over the a tile.
type Broadcast uint8

const (
	// Row repeats b's first row down every row.
	Row Broadcast = iota
	// Col repeats b's first column across every column.
	Col
	// Scalar repeats b[0][0].
	Scalar
)

// ParseMath reads a BCAST_LLKOP or BCAST_OP define.
func ParseMath(s string) (Math, error) {
	switch s {
	case "ELWADD", "add_tiles_bcast":
		return Add, nil
	case "ELWSUB", "sub_tiles_bcast":
		return Sub, nil
	case "ELWMUL", "mul_tiles_bcast":
		return Mul, nil
	}
	return 0, errors.Errorf("unknown broadcast math %q", s)
}

// ParseBroadcast reads a BCAST_DIM define.
func ParseBroadcast(s string) (Broadcast, error) {
	switch strings.TrimPrefix(s, "BroadcastType::") {
	case "ROW":
		return Row, nil
	case "COL":
		return Col, nil
	case "SCALAR":
		return Scalar, nil
	}
	return 0, errors.Errorf("unknown broadcast type %q", s)
}

// BcastTile computes out = a op broadcast(b) for one tile.
func BcastTile(op Math, bc Broadcast, a, b, out []float32) {
	for r := 0; r < core.TileHeight; r++ {
		for c := 0; c < core.TileWidth; c++ {
			var y float32
			switch bc {
			case Row:
				y = b[c]
			case Col:
				y = b[r*core.TileWidth]
			default:
				y = b[0]
			}
			i := r*core.TileWidth + c
			switch op {
			case Add:
				out[i] = a[i] + y
			case Sub:
				out[i] = a[i] - y
			default:
				out[i] = a[i] * y
			}
		}
	}
}
