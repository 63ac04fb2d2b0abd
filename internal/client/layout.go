package client

import (
	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/geometry"
)

// AlignOps lines up the selected blocks and returns a move per block that
// actually changed position.
func AlignOps(selected []canvas.Block, a geometry.Alignment) []canvas.Op {
	return moves(selected, geometry.AlignBlocks(rects(selected), a))
}

// DistributeOps spaces the selected blocks evenly along direction.
func DistributeOps(selected []canvas.Block, d geometry.Direction) []canvas.Op {
	return moves(selected, geometry.DistributeBlocks(rects(selected), d))
}

// SnapMove returns the move for dragging block to (x, y), snapped to the
// grid first and then to any sibling edge within threshold, along with the
// guides to draw. Siblings on other pages are ignored.
func SnapMove(block canvas.Block, x, y float64, siblings []canvas.Block, gridSize, threshold float64) (canvas.Op, []geometry.SnapLine) {
	r := block.Rect
	r.X, r.Y = geometry.SnapToGrid(x, gridSize), geometry.SnapToGrid(y, gridSize)

	var others []geometry.Rect
	for _, s := range siblings {
		if s.ID == block.ID || s.PageID != block.PageID {
			continue
		}
		others = append(others, s.Rect)
	}
	lines := geometry.FindSnapLines(r, others, threshold)
	r = geometry.ApplySnapping(r, lines, threshold)
	return moveOp(block.ID, r), lines
}

func rects(blocks []canvas.Block) []geometry.Rect {
	out := make([]geometry.Rect, len(blocks))
	for i, b := range blocks {
		out[i] = b.Rect
	}
	return out
}

func moves(blocks []canvas.Block, placed []geometry.Rect) []canvas.Op {
	var ops []canvas.Op
	for i, b := range blocks {
		if placed[i].X == b.Rect.X && placed[i].Y == b.Rect.Y {
			continue
		}
		ops = append(ops, moveOp(b.ID, placed[i]))
	}
	return ops
}

func moveOp(id string, r geometry.Rect) canvas.Op {
	x, y := r.X, r.Y
	return canvas.Op{Type: canvas.OpMoveBlock, BlockID: id, X: &x, Y: &y}
}
