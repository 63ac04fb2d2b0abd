package geometry

import "math"

// LineType is the orientation of a snap guide.
type LineType string

const (
	LineVertical   LineType = "vertical"
	LineHorizontal LineType = "horizontal"
)

// SnapLine is a guide shared by the moving rect and one sibling. Position is
// the sibling's coordinate on the snapped axis; Start and End span both
// rects along the other axis so the guide can be drawn across them.
type SnapLine struct {
	Type     LineType `json:"type"`
	Position float64  `json:"position"`
	Start    float64  `json:"start"`
	End      float64  `json:"end"`
}

func verticalEdges(r Rect) [3]float64 {
	return [3]float64{r.Left(), r.Right(), r.CenterX()}
}

func horizontalEdges(r Rect) [3]float64 {
	return [3]float64{r.Top(), r.Bottom(), r.CenterY()}
}

// FindSnapLines compares every left/right/centerX and top/bottom/centerY
// pair between moving and each sibling, and returns one line per pair that
// lies within threshold (inclusive). Lines are not deduplicated.
func FindSnapLines(moving Rect, others []Rect, threshold float64) []SnapLine {
	var lines []SnapLine
	for _, other := range others {
		for _, mv := range verticalEdges(moving) {
			for _, ov := range verticalEdges(other) {
				if math.Abs(mv-ov) <= threshold {
					lines = append(lines, SnapLine{
						Type:     LineVertical,
						Position: ov,
						Start:    math.Min(moving.Top(), other.Top()),
						End:      math.Max(moving.Bottom(), other.Bottom()),
					})
				}
			}
		}
		for _, mh := range horizontalEdges(moving) {
			for _, oh := range horizontalEdges(other) {
				if math.Abs(mh-oh) <= threshold {
					lines = append(lines, SnapLine{
						Type:     LineHorizontal,
						Position: oh,
						Start:    math.Min(moving.Left(), other.Left()),
						End:      math.Max(moving.Right(), other.Right()),
					})
				}
			}
		}
	}
	return lines
}

// ApplySnapping translates r onto the lines it is within threshold of.
// Each line is tested against the rect as passed in, and per line the first
// matching edge wins: left before right before center for vertical lines,
// top before bottom before middle for horizontal ones. A later line on the
// same axis overrides an earlier one. Size never changes.
func ApplySnapping(r Rect, lines []SnapLine, threshold float64) Rect {
	out := r
	for _, line := range lines {
		switch line.Type {
		case LineVertical:
			switch {
			case math.Abs(r.Left()-line.Position) <= threshold:
				out.X = line.Position
			case math.Abs(r.Right()-line.Position) <= threshold:
				out.X = line.Position - r.W
			case math.Abs(r.CenterX()-line.Position) <= threshold:
				out.X = line.Position - r.W/2
			}
		case LineHorizontal:
			switch {
			case math.Abs(r.Top()-line.Position) <= threshold:
				out.Y = line.Position
			case math.Abs(r.Bottom()-line.Position) <= threshold:
				out.Y = line.Position - r.H
			case math.Abs(r.CenterY()-line.Position) <= threshold:
				out.Y = line.Position - r.H/2
			}
		}
	}
	return out
}
