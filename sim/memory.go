package sim

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/core"
)

const chunkSize = 4096

// memory is a sparse byte-addressable bank. Unwritten bytes read as zero.
type memory struct {
	mu     sync.Mutex
	size   uint32
	chunks map[uint32][]byte
}

func newMemory(size uint32) *memory {
	return &memory{size: size, chunks: make(map[uint32][]byte)}
}

func (m *memory) check(addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(m.size) {
		return errors.Errorf("access [%#x, %#x) beyond bank size %#x", addr, uint64(addr)+uint64(n), m.size)
	}
	return nil
}

func (m *memory) read(addr, n uint32) ([]byte, error) {
	if err := m.check(addr, n); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, n)
	for done := uint32(0); done < n; {
		a := addr + done
		off := a % chunkSize
		step := min(chunkSize-off, n-done)
		if c, ok := m.chunks[a-off]; ok {
			copy(out[done:done+step], c[off:off+step])
		}
		done += step
	}
	return out, nil
}

func (m *memory) write(addr uint32, data []byte) error {
	n := uint32(len(data))
	if err := m.check(addr, n); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for done := uint32(0); done < n; {
		a := addr + done
		off := a % chunkSize
		step := min(chunkSize-off, n-done)
		c, ok := m.chunks[a-off]
		if !ok {
			c = core.AlignedBytes(chunkSize)
			m.chunks[a-off] = c
		}
		copy(c[off:off+step], data[done:done+step])
		done += step
	}
	return nil
}

// resident is the number of bytes backed by chunks.
func (m *memory) resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks) * chunkSize
}
