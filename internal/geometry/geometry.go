// Package geometry holds the pure layout math used by the canvas editor:
// grid snapping, snap-line detection between a moving block and its
// siblings, and alignment/distribution of a block selection.
//
// Nothing in this package performs I/O or keeps state. Callers reject
// malformed input (no blocks, non-positive sizes) before calling in.
package geometry

import (
	"math"
	"sort"
)

const (
	DefaultGridSize      = 20.0
	DefaultSnapThreshold = 8.0
)

// Rect is an axis-aligned rectangle in page-local coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (r Rect) Left() float64    { return r.X }
func (r Rect) Right() float64   { return r.X + r.W }
func (r Rect) Top() float64     { return r.Y }
func (r Rect) Bottom() float64  { return r.Y + r.H }
func (r Rect) CenterX() float64 { return r.X + r.W/2 }
func (r Rect) CenterY() float64 { return r.Y + r.H/2 }

// Valid reports whether the rect satisfies the block invariant:
// finite coordinates and strictly positive size.
func (r Rect) Valid() bool {
	for _, v := range []float64{r.X, r.Y, r.W, r.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.W > 0 && r.H > 0
}

// SnapToGrid rounds value to the nearest multiple of gridSize.
// A non-positive grid size leaves the value untouched.
func SnapToGrid(value, gridSize float64) float64 {
	if gridSize <= 0 {
		return value
	}
	return math.Round(value/gridSize) * gridSize
}

// SnapRectToGrid snaps x, y, w and h independently.
func SnapRectToGrid(r Rect, gridSize float64) Rect {
	return Rect{
		X: SnapToGrid(r.X, gridSize),
		Y: SnapToGrid(r.Y, gridSize),
		W: SnapToGrid(r.W, gridSize),
		H: SnapToGrid(r.H, gridSize),
	}
}

// Bounds returns the bounding box of rects. The zero Rect is returned for
// an empty slice.
func Bounds(rects []Rect) Rect {
	if len(rects) == 0 {
		return Rect{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, r := range rects {
		minX = math.Min(minX, r.Left())
		minY = math.Min(minY, r.Top())
		maxX = math.Max(maxX, r.Right())
		maxY = math.Max(maxY, r.Bottom())
	}
	return Rect{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
}

// Alignment names the edge or center that AlignBlocks lines up.
type Alignment string

const (
	AlignLeft   Alignment = "left"
	AlignCenter Alignment = "center"
	AlignRight  Alignment = "right"
	AlignTop    Alignment = "top"
	AlignMiddle Alignment = "middle"
	AlignBottom Alignment = "bottom"
)

// Valid reports whether a is one of the six known alignments.
func (a Alignment) Valid() bool {
	switch a {
	case AlignLeft, AlignCenter, AlignRight, AlignTop, AlignMiddle, AlignBottom:
		return true
	}
	return false
}

// AlignBlocks moves every rect so the chosen edge or center coincides with
// the same edge or center of the selection's bounding box. Only the aligned
// axis changes. Fewer than two rects is a no-op. The input is not modified.
func AlignBlocks(rects []Rect, alignment Alignment) []Rect {
	out := append([]Rect(nil), rects...)
	if len(out) < 2 {
		return out
	}
	b := Bounds(out)
	for i, r := range out {
		switch alignment {
		case AlignLeft:
			out[i].X = b.Left()
		case AlignCenter:
			out[i].X = b.CenterX() - r.W/2
		case AlignRight:
			out[i].X = b.Right() - r.W
		case AlignTop:
			out[i].Y = b.Top()
		case AlignMiddle:
			out[i].Y = b.CenterY() - r.H/2
		case AlignBottom:
			out[i].Y = b.Bottom() - r.H
		}
	}
	return out
}

// Direction is the axis DistributeBlocks spaces along.
type Direction string

const (
	Horizontal Direction = "horizontal"
	Vertical   Direction = "vertical"
)

func (d Direction) Valid() bool {
	return d == Horizontal || d == Vertical
}

// DistributeBlocks spaces rects so the gaps between consecutive rects along
// direction are equal. The first and last rect (by leading coordinate) stay
// where they are. Fewer than three rects is a no-op. The result keeps the
// input order.
func DistributeBlocks(rects []Rect, direction Direction) []Rect {
	out := append([]Rect(nil), rects...)
	if len(out) < 3 {
		return out
	}

	lead := func(r Rect) float64 {
		if direction == Vertical {
			return r.Y
		}
		return r.X
	}
	size := func(r Rect) float64 {
		if direction == Vertical {
			return r.H
		}
		return r.W
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return lead(out[order[a]]) < lead(out[order[b]])
	})

	first := out[order[0]]
	last := out[order[len(order)-1]]
	span := lead(last) + size(last) - lead(first)
	sum := 0.0
	for _, r := range out {
		sum += size(r)
	}
	spacing := (span - sum) / float64(len(out)-1)

	pos := lead(first) + size(first) + spacing
	for _, idx := range order[1 : len(order)-1] {
		if direction == Vertical {
			out[idx].Y = pos
		} else {
			out[idx].X = pos
		}
		pos += size(out[idx]) + spacing
	}
	return out
}
