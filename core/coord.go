// Package core provides the fundamental primitives shared by every tessera package.
//
// This package defines how a position on the compute grid is named, how sets of
// positions are described, the data formats pages are stored in, and the error
// taxonomy returned by the allocator, the circular buffer registry, the work
// partitioner and the dispatcher.
//
// Key components:
//   - CoreCoord / CoreRange: a single grid position and an axis-aligned rectangle
//   - CoreSet: tagged {Coordinate, Range} variant with uniform Contains/Cores
//   - DataFormat: page element formats and tile geometry
//   - Alignment helpers for bank addresses
//   - Runtime argument packing used on the dispatch path
//
// Iteration over a range is always row-major (y outer, x inner). Partition plans,
// runtime argument binding and the simulated device all rely on that order.
package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// CoreCoord identifies a core position on the logical grid.
type CoreCoord struct {
	X int
	Y int
}

func (c CoreCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Less orders coordinates row-major.
func (c CoreCoord) Less(o CoreCoord) bool {
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.X < o.X
}

// CoreRange is an inclusive rectangle of cores.
type CoreRange struct {
	Start CoreCoord
	End   CoreCoord
}

// SingleCore returns the range that covers exactly one core.
func SingleCore(c CoreCoord) CoreRange {
	return CoreRange{Start: c, End: c}
}

// GridRange returns the range covering a cols x rows grid anchored at (0,0).
func GridRange(cols, rows int) CoreRange {
	return CoreRange{Start: CoreCoord{}, End: CoreCoord{X: cols - 1, Y: rows - 1}}
}

// Validate checks that start <= end component-wise.
func (r CoreRange) Validate() error {
	if r.Start.X < 0 || r.Start.Y < 0 {
		return errors.Errorf("core range %s has negative start", r)
	}
	if r.Start.X > r.End.X || r.Start.Y > r.End.Y {
		return errors.Errorf("core range %s has start after end", r)
	}
	return nil
}

func (r CoreRange) String() string {
	return fmt.Sprintf("[%s-%s]", r.Start, r.End)
}

// Contains reports whether c lies inside the range.
func (r CoreRange) Contains(c CoreCoord) bool {
	return c.X >= r.Start.X && c.X <= r.End.X && c.Y >= r.Start.Y && c.Y <= r.End.Y
}

// Intersects reports whether the two ranges share at least one core.
func (r CoreRange) Intersects(o CoreRange) bool {
	return r.Start.X <= o.End.X && o.Start.X <= r.End.X &&
		r.Start.Y <= o.End.Y && o.Start.Y <= r.End.Y
}

// Width is the number of columns in the range.
func (r CoreRange) Width() int { return r.End.X - r.Start.X + 1 }

// Height is the number of rows in the range.
func (r CoreRange) Height() int { return r.End.Y - r.Start.Y + 1 }

// Size returns the number of cores in the range.
func (r CoreRange) Size() int {
	if r.Start.X > r.End.X || r.Start.Y > r.End.Y {
		return 0
	}
	return r.Width() * r.Height()
}

// Cores lists the range's cores in row-major order.
func (r CoreRange) Cores() []CoreCoord {
	cores := make([]CoreCoord, 0, r.Size())
	for y := r.Start.Y; y <= r.End.Y; y++ {
		for x := r.Start.X; x <= r.End.X; x++ {
			cores = append(cores, CoreCoord{X: x, Y: y})
		}
	}
	return cores
}

// setKind tags the CoreSet variant.
type setKind uint8

const (
	kindRanges setKind = iota
	kindCoord
)

// CoreSet is either a single Coordinate or a union of Ranges. Both variants
// answer Contains and Cores the same way so callers never switch on the tag.
type CoreSet struct {
	kind   setKind
	coord  CoreCoord
	ranges []CoreRange
}

// Coordinate builds a set holding one core.
func Coordinate(c CoreCoord) CoreSet {
	return CoreSet{kind: kindCoord, coord: c}
}

// Range builds a set from a single rectangle.
func Range(r CoreRange) CoreSet {
	return CoreSet{kind: kindRanges, ranges: []CoreRange{r}}
}

// Ranges builds a set from disjoint rectangles. Overlapping rectangles are
// rejected so every core belongs to the set exactly once.
func Ranges(rs ...CoreRange) (CoreSet, error) {
	for i, r := range rs {
		if err := r.Validate(); err != nil {
			return CoreSet{}, err
		}
		for _, o := range rs[:i] {
			if r.Intersects(o) {
				return CoreSet{}, errors.Errorf("core ranges %s and %s overlap", o, r)
			}
		}
	}
	out := make([]CoreRange, len(rs))
	copy(out, rs)
	return CoreSet{kind: kindRanges, ranges: out}, nil
}

// IsCoordinate reports whether the set was built from a single coordinate.
func (s CoreSet) IsCoordinate() bool { return s.kind == kindCoord }

// AsRanges returns the set as rectangles; a coordinate becomes a 1x1 range.
func (s CoreSet) AsRanges() []CoreRange {
	if s.kind == kindCoord {
		return []CoreRange{SingleCore(s.coord)}
	}
	out := make([]CoreRange, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Contains reports whether c belongs to the set.
func (s CoreSet) Contains(c CoreCoord) bool {
	if s.kind == kindCoord {
		return s.coord == c
	}
	for _, r := range s.ranges {
		if r.Contains(c) {
			return true
		}
	}
	return false
}

// Size returns the number of cores in the set.
func (s CoreSet) Size() int {
	if s.kind == kindCoord {
		return 1
	}
	n := 0
	for _, r := range s.ranges {
		n += r.Size()
	}
	return n
}

// Cores lists every core in the set, range by range, row-major within a range.
func (s CoreSet) Cores() []CoreCoord {
	if s.kind == kindCoord {
		return []CoreCoord{s.coord}
	}
	cores := make([]CoreCoord, 0, s.Size())
	for _, r := range s.ranges {
		cores = append(cores, r.Cores()...)
	}
	return cores
}

// Bounding returns the smallest range enclosing the set.
func (s CoreSet) Bounding() CoreRange {
	rs := s.AsRanges()
	if len(rs) == 0 {
		return CoreRange{End: CoreCoord{X: -1, Y: -1}}
	}
	b := rs[0]
	for _, r := range rs[1:] {
		b.Start.X = min(b.Start.X, r.Start.X)
		b.Start.Y = min(b.Start.Y, r.Start.Y)
		b.End.X = max(b.End.X, r.End.X)
		b.End.Y = max(b.End.Y, r.End.Y)
	}
	return b
}

// Intersects reports whether any core lies in both sets.
func (s CoreSet) Intersects(o CoreSet) bool {
	for _, a := range s.AsRanges() {
		for _, b := range o.AsRanges() {
			if a.Intersects(b) {
				return true
			}
		}
	}
	return false
}

// Validate checks every rectangle of the set.
func (s CoreSet) Validate() error {
	if s.Size() == 0 {
		return errors.New("core set is empty")
	}
	for _, r := range s.AsRanges() {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Within reports whether every core of the set lies inside a cols x rows grid.
func (s CoreSet) Within(cols, rows int) bool {
	g := GridRange(cols, rows)
	for _, r := range s.AsRanges() {
		if !g.Contains(r.Start) || !g.Contains(r.End) {
			return false
		}
	}
	return true
}

func (s CoreSet) String() string {
	if s.kind == kindCoord {
		return s.coord.String()
	}
	return fmt.Sprint(s.ranges)
}
