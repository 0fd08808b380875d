package core

import "github.com/pkg/errors"

// Local validation failures. All of them are detected before anything is
// dispatched; retrying with the same inputs reproduces the same failure.
var (
	ErrOutOfMemory           = errors.New("out of memory")
	ErrAddressConflict       = errors.New("address conflict")
	ErrUnknownAllocation     = errors.New("unknown allocation")
	ErrCapacityMismatch      = errors.New("circular buffer capacity mismatch")
	ErrRegionOverflow        = errors.New("circular buffer region overflow")
	ErrUndefinedIndex        = errors.New("undefined circular buffer index")
	ErrIndivisibleWorkload   = errors.New("indivisible workload")
	ErrGridTooLarge          = errors.New("grid too large")
	ErrArgumentCountMismatch = errors.New("runtime argument count mismatch")
)
