package core

import "fmt"

// PlotID is a logical (x, y) game-world coordinate. Ordering is by squared
// distance from the origin, ties broken by x then y; SortPlotIDs uses it to
// order the plots DBDiff.Compile writes. Plot keys (keyspace.go) store X and
// Y as raw big-endian bytes and do not follow this order, and PlotEvent
// recipients are applied in the order the change lists them.
type PlotID struct {
	X, Y int32
}

func (p PlotID) sqDist() int64 {
	x, y := int64(p.X), int64(p.Y)
	return x*x + y*y
}

// Less implements PlotID's total order: squared distance from origin, ties
// broken by x then y.
func (p PlotID) Less(o PlotID) bool {
	pd, od := p.sqDist(), o.sqDist()
	if pd != od {
		return pd < od
	}
	if p.X != o.X {
		return p.X < o.X
	}
	return p.Y < o.Y
}

func (p PlotID) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

// SortPlotIDs sorts a slice of PlotID ascending by PlotID.Less.
func SortPlotIDs(ids []PlotID) {
	insertionSortPlots(ids)
}

func insertionSortPlots(ids []PlotID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
