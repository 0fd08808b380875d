// Package partition divides a tiled workload across the core grid.
//
// Every mode except Sharded divides units evenly and gives the remainder to
// the first cores in row-major order, so no core holds more than one unit
// more than any other. Sharded only validates a caller-supplied mapping.
package partition

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/core"
)

// Mode selects the axis work is split along.
type Mode uint8

const (
	// ByRow gives each core whole tile rows (Batch*Rows units of Cols tiles).
	ByRow Mode = iota
	// ByCol gives each core whole tile columns spanning every row.
	ByCol
	// ByBoth splits the flattened tile sequence.
	ByBoth
	// Sharded follows an explicit core to row-count mapping.
	Sharded
)

func (m Mode) String() string {
	switch m {
	case ByRow:
		return "by-row"
	case ByCol:
		return "by-col"
	case ByBoth:
		return "by-both"
	case Sharded:
		return "sharded"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}

// Workload is a tiled shape: Batch stacked matrices of Rows x Cols tiles.
type Workload struct {
	Batch int
	Rows  int
	Cols  int
}

// Tiles is the total tile count.
func (w Workload) Tiles() int { return w.Batch * w.Rows * w.Cols }

// FlatRows is the number of tile rows across the batch.
func (w Workload) FlatRows() int { return w.Batch * w.Rows }

func (w Workload) validate() error {
	if w.Batch <= 0 || w.Rows <= 0 || w.Cols <= 0 {
		return errors.Errorf("workload %dx%dx%d must be positive on every axis", w.Batch, w.Rows, w.Cols)
	}
	return nil
}

// Grid is the physical core grid.
type Grid struct {
	Rows int
	Cols int
}

// Size is the number of cores.
func (g Grid) Size() int { return g.Rows * g.Cols }

// Coord returns the i-th core in row-major order.
func (g Grid) Coord(i int) core.CoreCoord {
	return core.CoreCoord{X: i % g.Cols, Y: i / g.Cols}
}

// Contains reports whether c is on the grid.
func (g Grid) Contains(c core.CoreCoord) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < g.Cols && c.Y < g.Rows
}

// Options bound a split.
type Options struct {
	MaxCores  int  // 0 means the whole grid
	BlockSize int  // units are handed out in blocks of this size; 0 or 1 disables
	Exact     bool // require units to divide evenly over the cores
}

// Assignment is one core's slice. Offset and Count are in units of the
// plan's mode; the tile fields describe the same slice as runs of Inner
// contiguous tiles whose starts are Stride apart.
type Assignment struct {
	Core      core.CoreCoord
	Index     int
	Offset    int
	Count     int
	StartTile int
	TileCount int
	Inner     int
	Stride    int
}

// Tiles returns the linear tile indices of the slice in visiting order.
func (a Assignment) Tiles() []int {
	out := make([]int, a.TileCount)
	for i := range out {
		out[i] = a.StartTile + (i/a.Inner)*a.Stride + i%a.Inner
	}
	return out
}

// Group is a set of cores that each hold the same number of units.
type Group struct {
	Cores        core.CoreSet
	UnitsPerCore int
}

// Plan is the result of a split.
type Plan struct {
	Mode        Mode
	Workload    Workload
	Grid        Grid
	Units       int
	Assignments []Assignment
}

// NumCores is the number of participating cores.
func (p *Plan) NumCores() int { return len(p.Assignments) }

// Counts lists per-core unit counts in assignment order.
func (p *Plan) Counts() []int {
	out := make([]int, len(p.Assignments))
	for i, a := range p.Assignments {
		out[i] = a.Count
	}
	return out
}

// CoreSet returns the participating cores.
func (p *Plan) CoreSet() core.CoreSet {
	coords := make([]core.CoreCoord, len(p.Assignments))
	for i, a := range p.Assignments {
		coords[i] = a.Core
	}
	return coverRows(coords)
}

// Groups splits the participating cores by unit count, larger counts first.
// Even splits produce a single group.
func (p *Plan) Groups() []Group {
	var order []int
	byCount := make(map[int][]core.CoreCoord)
	for _, a := range p.Assignments {
		if _, ok := byCount[a.Count]; !ok {
			order = append(order, a.Count)
		}
		byCount[a.Count] = append(byCount[a.Count], a.Core)
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j] > order[j-1]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	out := make([]Group, len(order))
	for i, n := range order {
		out[i] = Group{Cores: coverRows(byCount[n]), UnitsPerCore: n}
	}
	return out
}

// Lookup returns the assignment of core c.
func (p *Plan) Lookup(c core.CoreCoord) (Assignment, bool) {
	for _, a := range p.Assignments {
		if a.Core == c {
			return a, true
		}
	}
	return Assignment{}, false
}

// SplitWork divides units over at most cores workers: the first units%n
// workers get one extra. It returns the per-worker counts; fewer than cores
// entries are returned when units < cores.
func SplitWork(units, cores int) []int {
	if units <= 0 || cores <= 0 {
		return nil
	}
	n := min(units, cores)
	q, rem := units/n, units%n
	counts := make([]int, n)
	for i := range counts {
		counts[i] = q
		if i < rem {
			counts[i]++
		}
	}
	return counts
}

// Split partitions w over g in one of the computed modes.
func Split(w Workload, g Grid, mode Mode, opts Options) (*Plan, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	limit, err := coreLimit(g, opts)
	if err != nil {
		return nil, err
	}

	var units int
	switch mode {
	case ByRow:
		units = w.FlatRows()
	case ByCol:
		units = w.Cols
	case ByBoth:
		units = w.Tiles()
	case Sharded:
		return nil, errors.New("sharded partitions need an explicit mapping, use SplitSharded")
	default:
		return nil, errors.Errorf("unknown partition mode %d", mode)
	}

	block := max(opts.BlockSize, 1)
	if units%block != 0 {
		return nil, errors.Wrapf(core.ErrIndivisibleWorkload, "%s: %d units not a multiple of block %d", mode, units, block)
	}
	blocks := SplitWork(units/block, limit)
	if opts.Exact && (units/block)%len(blocks) != 0 {
		return nil, errors.Wrapf(core.ErrIndivisibleWorkload, "%s: %d blocks do not divide over %d cores", mode, units/block, len(blocks))
	}

	plan := &Plan{Mode: mode, Workload: w, Grid: g, Units: units}
	offset := 0
	for i, b := range blocks {
		count := b * block
		a := Assignment{Core: g.Coord(i), Index: i, Offset: offset, Count: count}
		fillTiles(&a, w, mode)
		plan.Assignments = append(plan.Assignments, a)
		offset += count
	}
	return plan, nil
}

// Shard pins Rows tile rows to one core.
type Shard struct {
	Core core.CoreCoord
	Rows int
}

// SplitSharded validates that shards cover every tile row of w exactly once
// and returns the matching plan. Shards are consumed in the given order.
func SplitSharded(w Workload, g Grid, shards []Shard) (*Plan, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	if len(shards) > g.Size() {
		return nil, errors.Wrapf(core.ErrGridTooLarge, "%d shards on a %d-core grid", len(shards), g.Size())
	}

	plan := &Plan{Mode: Sharded, Workload: w, Grid: g, Units: w.FlatRows()}
	seen := make(map[core.CoreCoord]bool, len(shards))
	offset := 0
	for i, s := range shards {
		if !g.Contains(s.Core) {
			return nil, errors.Wrapf(core.ErrGridTooLarge, "shard core %s outside %dx%d grid", s.Core, g.Cols, g.Rows)
		}
		if seen[s.Core] {
			return nil, errors.Errorf("core %s holds two shards", s.Core)
		}
		seen[s.Core] = true
		if s.Rows <= 0 {
			return nil, errors.Errorf("shard on core %s has %d rows", s.Core, s.Rows)
		}
		a := Assignment{Core: s.Core, Index: i, Offset: offset, Count: s.Rows}
		fillTiles(&a, w, Sharded)
		plan.Assignments = append(plan.Assignments, a)
		offset += s.Rows
	}
	if offset != plan.Units {
		return nil, errors.Wrapf(core.ErrIndivisibleWorkload, "shards cover %d of %d tile rows", offset, plan.Units)
	}
	return plan, nil
}

// EvenShards builds the mapping of a height-sharded tensor: consecutive
// cores of g in row-major order, rowsPerCore rows each.
func EvenShards(w Workload, g Grid, rowsPerCore int) ([]Shard, error) {
	if rowsPerCore <= 0 || w.FlatRows()%rowsPerCore != 0 {
		return nil, errors.Wrapf(core.ErrIndivisibleWorkload, "%d tile rows in shards of %d", w.FlatRows(), rowsPerCore)
	}
	n := w.FlatRows() / rowsPerCore
	if n > g.Size() {
		return nil, errors.Wrapf(core.ErrGridTooLarge, "%d shards on a %d-core grid", n, g.Size())
	}
	out := make([]Shard, n)
	for i := range out {
		out[i] = Shard{Core: g.Coord(i), Rows: rowsPerCore}
	}
	return out, nil
}

func coreLimit(g Grid, opts Options) (int, error) {
	if g.Rows <= 0 || g.Cols <= 0 {
		return 0, errors.Errorf("invalid grid %dx%d", g.Cols, g.Rows)
	}
	if opts.MaxCores > g.Size() {
		return 0, errors.Wrapf(core.ErrGridTooLarge, "requested %d cores, grid has %d", opts.MaxCores, g.Size())
	}
	if opts.MaxCores > 0 {
		return opts.MaxCores, nil
	}
	return g.Size(), nil
}

func fillTiles(a *Assignment, w Workload, mode Mode) {
	switch mode {
	case ByRow, Sharded:
		a.StartTile = a.Offset * w.Cols
		a.TileCount = a.Count * w.Cols
		a.Inner = w.Cols
		a.Stride = w.Cols
	case ByCol:
		a.StartTile = a.Offset
		a.TileCount = a.Count * w.FlatRows()
		a.Inner = a.Count
		a.Stride = w.Cols
	default:
		a.StartTile = a.Offset
		a.TileCount = a.Count
		a.Inner = a.Count
		a.Stride = a.Count
	}
}

// coverRows expresses coords as row-wise ranges of consecutive cores.
func coverRows(coords []core.CoreCoord) core.CoreSet {
	if len(coords) == 0 {
		return core.CoreSet{}
	}
	if len(coords) == 1 {
		return core.Coordinate(coords[0])
	}
	var ranges []core.CoreRange
	for _, c := range coords {
		if n := len(ranges); n > 0 {
			last := &ranges[n-1]
			if last.End.Y == c.Y && last.End.X+1 == c.X && last.Start.Y == c.Y {
				last.End = c
				continue
			}
		}
		ranges = append(ranges, core.SingleCore(c))
	}
	// Merge full-width rows that stack exactly.
	merged := ranges[:0:0]
	for _, r := range ranges {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Start.X == r.Start.X && last.End.X == r.End.X && last.End.Y+1 == r.Start.Y {
				last.End.Y = r.End.Y
				continue
			}
		}
		merged = append(merged, r)
	}
	set, err := core.Ranges(merged...)
	if err != nil {
		// Distinct coordinates never produce overlapping ranges.
		panic(err)
	}
	return set
}
