package engine

import (
	"context"
	"fmt"
	"log/slog"

	"piovee/pkg/domain"
)

// RestoreResult summarizes one restoration pass.
type RestoreResult struct {
	// Replayed counts photos applied to the canvas; it becomes the
	// assigner's current index.
	Replayed int
	// ConsumedTiles lists the replayed tile indices in commit (timestamp)
	// order; used to rebuild the reveal permutation when the persisted
	// one is missing or inconsistent.
	ConsumedTiles []int
	// Stale counts photos skipped because their tile index fell outside
	// the current grid.
	Stale int
	// Duplicates counts tile indices committed to more than one photo,
	// the observable trace of the cross-instance race.
	Duplicates int
}

// StateRestorer replays committed assignments onto a fresh canvas so every
// reload converges on the same mosaic. It never consumes the assigner: the
// replayed tiles are already committed.
type StateRestorer struct {
	store   domain.MetadataStore
	canvas  *Canvas
	logger  *slog.Logger
	metrics *Metrics
}

// NewRestorer constructs a restorer over the given store and canvas.
func NewRestorer(store domain.MetadataStore, canvas *Canvas, logger *slog.Logger, metrics *Metrics) *StateRestorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateRestorer{store: store, canvas: canvas, logger: logger, metrics: metrics}
}

// Restore queries all used photos in timestamp order and applies each with a
// valid tile index to the canvas. Stale assignments (tile index outside the
// grid) are skipped with a warning. Duplicate tile indices are applied
// last-writer-wins, logged, and counted: they indicate two writers raced on
// the same slot. Idempotent: replaying an identical record set yields the
// identical mapping and result.
func (r *StateRestorer) Restore(ctx context.Context, totalTiles int) (RestoreResult, error) {
	photos, err := r.store.ListPhotos(ctx, domain.UsedFilter(true))
	if err != nil {
		return RestoreResult{}, fmt.Errorf("restore: list used photos: %w", err)
	}
	var res RestoreResult
	seen := make(map[int]string, len(photos))
	for _, p := range photos {
		if p.TileIndex == nil {
			r.logger.Warn("restore: used photo has no tile index, skipping", "photo", p.ID)
			continue
		}
		tile := *p.TileIndex
		if tile < 0 || tile >= totalTiles {
			serr := domain.StaleAssignmentError{PhotoID: p.ID, TileIndex: tile, TotalTiles: totalTiles}
			r.logger.Warn("restore: skipping stale assignment", "error", serr.Error())
			res.Stale++
			if r.metrics != nil {
				r.metrics.staleAssignments.Inc()
			}
			continue
		}
		if prev, dup := seen[tile]; dup {
			r.logger.Warn("restore: duplicate tile assignment detected",
				"tile", tile, "photo", p.ID, "previous", prev)
			res.Duplicates++
			if r.metrics != nil {
				r.metrics.raceInconsistencies.Inc()
			}
		} else {
			res.ConsumedTiles = append(res.ConsumedTiles, tile)
		}
		seen[tile] = p.ID
		r.canvas.ApplyPhoto(tile, p.BlobRef)
		res.Replayed++
	}
	return res, nil
}
