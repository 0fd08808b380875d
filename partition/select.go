package partition

import "github.com/pkg/errors"

// Layout is the read-only memory metadata a strategy decision depends on.
// Each flag marks one mode as valid for the operation.
type Layout struct {
	Sharded  bool    // work is already pinned to cores by the tensor's shards
	RowSplit bool    // every tile row can be processed independently
	ColSplit bool    // every tile column can be processed independently
	Shards   []Shard // the pinned mapping when Sharded is set
}

// SelectMode picks the mode for l. When several modes are valid the order is
// Sharded, ByRow, ByCol, then ByBoth, which is always valid.
func SelectMode(l Layout) Mode {
	switch {
	case l.Sharded:
		return Sharded
	case l.RowSplit:
		return ByRow
	case l.ColSplit:
		return ByCol
	default:
		return ByBoth
	}
}

// Choose selects a mode for l and partitions w with it.
func Choose(w Workload, g Grid, l Layout, opts Options) (*Plan, error) {
	mode := SelectMode(l)
	if mode != Sharded {
		return Split(w, g, mode, opts)
	}
	if len(l.Shards) == 0 {
		return nil, errors.New("sharded layout carries no shard mapping")
	}
	return SplitSharded(w, g, l.Shards)
}
