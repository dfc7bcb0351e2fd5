package engine

import (
	"piovee/pkg/domain"
)

// minUsableTiles is the floor below which a computed grid is considered
// degenerate and the fallback tile size applies.
const minUsableTiles = 4

// ComputeGrid derives the tile grid that best approximates targetTiles on a
// canvas of the given dimensions.
//
// Every integer tile size in [1, min(w,h)] is evaluated; cols and rows are
// the floor divisions of the canvas edges and the candidate minimizing
// |cols*rows - targetTiles| wins. The scan is ascending with strict-less-than
// replacement, so ties resolve to the smallest tile size encountered first.
// If the best candidate still yields fewer than minUsableTiles tiles the
// tile size falls back to min(w,h)/2.
//
// Pure and deterministic; fails only on non-positive inputs.
func ComputeGrid(targetTiles, canvasWidth, canvasHeight int) (domain.GridConfig, error) {
	if targetTiles <= 0 || canvasWidth <= 0 || canvasHeight <= 0 {
		return domain.GridConfig{}, domain.InvalidGridRequestError{
			TargetTiles: targetTiles,
			Width:       canvasWidth,
			Height:      canvasHeight,
		}
	}
	minDim := canvasWidth
	if canvasHeight < minDim {
		minDim = canvasHeight
	}
	var best domain.GridConfig
	bestDiff := -1
	for tileSize := 1; tileSize <= minDim; tileSize++ {
		cols := canvasWidth / tileSize
		rows := canvasHeight / tileSize
		actual := cols * rows
		diff := actual - targetTiles
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best = domain.GridConfig{Cols: cols, Rows: rows, TileSize: tileSize, TotalTiles: actual}
			bestDiff = diff
		}
	}
	if best.TotalTiles < minUsableTiles {
		tileSize := minDim / 2
		if tileSize < 1 {
			tileSize = 1
		}
		cols := canvasWidth / tileSize
		rows := canvasHeight / tileSize
		best = domain.GridConfig{Cols: cols, Rows: rows, TileSize: tileSize, TotalTiles: cols * rows}
	}
	return best, nil
}
