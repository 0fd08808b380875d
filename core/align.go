package core

import "unsafe"

const (
	// DefaultAlignment is the address granularity of every bank. Addresses handed
	// out by the allocator and circular buffer base addresses are multiples of it.
	DefaultAlignment = 32

	// CacheLineSize aligns the host chunks backing simulated banks.
	CacheLineSize = 64
)

// AlignUp rounds a bank address up to align, a power of two.
func AlignUp(addr, align uint32) uint32 {
	return (addr + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// IsAligned checks if a bank address is a multiple of align.
func IsAligned(addr uint32, align uint32) bool {
	return addr%align == 0
}

// AlignedBytes returns a zeroed slice of size bytes starting on a cache line.
func AlignedBytes(size int) []byte {
	if size <= 0 {
		return nil
	}
	raw := make([]byte, size+CacheLineSize-1)
	skip := (CacheLineSize - int(uintptr(unsafe.Pointer(&raw[0]))%CacheLineSize)) % CacheLineSize
	return raw[skip : skip+size : skip+size]
}
