package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tile geometry. Tiled tensors are stored as 32x32 element pages.
const (
	TileHeight = 32
	TileWidth  = 32
	TileHW     = TileHeight * TileWidth
)

// DataFormat tags the element encoding of a page.
type DataFormat uint8

const (
	Float32 DataFormat = iota
	Float16
	Float16B // bfloat16
	UInt32
	InvalidFormat
)

var formatNames = [...]string{"Float32", "Float16", "Float16_b", "UInt32"}

func (f DataFormat) String() string {
	if f >= InvalidFormat {
		return fmt.Sprintf("DataFormat(%d)", uint8(f))
	}
	return formatNames[f]
}

// ParseDataFormat maps a format name back to its tag.
func ParseDataFormat(s string) (DataFormat, error) {
	for i, n := range formatNames {
		if n == s {
			return DataFormat(i), nil
		}
	}
	return InvalidFormat, errors.Errorf("unknown data format %q", s)
}

// ElementSize returns bytes per element.
func (f DataFormat) ElementSize() int {
	switch f {
	case Float32, UInt32:
		return 4
	case Float16, Float16B:
		return 2
	default:
		return 0
	}
}

// IsFloat reports whether the format holds floating point values.
func (f DataFormat) IsFloat() bool {
	return f == Float32 || f == Float16 || f == Float16B
}

// TileSize returns the byte size of one 32x32 tile in the given format.
func TileSize(f DataFormat) int {
	return TileHW * f.ElementSize()
}

// TilesIn returns how many whole tiles cover an h x w face.
// Both dimensions must already be padded to tile multiples.
func TilesIn(h, w int) (rows, cols int, err error) {
	if h%TileHeight != 0 || w%TileWidth != 0 {
		return 0, 0, errors.Wrapf(ErrIndivisibleWorkload, "face %dx%d is not a multiple of the %dx%d tile", h, w, TileHeight, TileWidth)
	}
	return h / TileHeight, w / TileWidth, nil
}

// RoundUp rounds n up to a multiple of m.
func RoundUp(n, m int) int {
	if m <= 0 {
		return n
	}
	return (n + m - 1) / m * m
}
