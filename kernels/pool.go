package kernels

import (
	"runtime"

	"github.com/sbl8/tessera/core"
)

// TilePool recycles tile-sized scratch slices between compute kernels.
type TilePool struct {
	tiles chan []float32
}

// NewTilePool creates a pool holding up to size idle tiles.
func NewTilePool(size int) *TilePool {
	return &TilePool{tiles: make(chan []float32, size)}
}

// Get returns a tile, allocating when the pool is empty.
func (p *TilePool) Get() []float32 {
	select {
	case t := <-p.tiles:
		return t
	default:
		return make([]float32, core.TileHW)
	}
}

// Put hands a tile back. Tiles of the wrong size are dropped.
func (p *TilePool) Put(t []float32) {
	if len(t) != core.TileHW {
		return
	}
	select {
	case p.tiles <- t:
	default:
	}
}

var scratch = NewTilePool(runtime.NumCPU() * 3)
