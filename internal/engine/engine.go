// Package engine implements the mosaic tile-assignment and reconciliation
// engine: grid planning, randomized exactly-once tile assignment, queue
// draining, state restoration, and the notification bridge that couples the
// pub/sub channel to the reconciler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"piovee/internal/pubsub"
	"piovee/pkg/domain"
)

// Engine owns one mosaic session end to end: the grid lifecycle, the canvas,
// the assigner, the reconciler, and the bridge. It has an explicit
// New/Start/Close lifecycle and no package-level state; everything it needs
// is passed in.
type Engine struct {
	store   domain.MetadataStore
	bus     pubsub.Bus
	logger  *slog.Logger
	metrics *Metrics
	canvas  *Canvas
	seed    func() int64

	mu         sync.Mutex
	grid       *domain.GridConfig
	assigner   *TileAssigner
	reconciler *QueueReconciler
	bridge     *NotificationBridge
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSeed fixes the assigner seed source, for reproducible reveal orders in
// tests.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.seed = func() int64 { return seed } }
}

// New constructs an engine over the given store and bus.
func New(store domain.MetadataStore, bus pubsub.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		bus:     bus,
		logger:  slog.Default(),
		metrics: NewMetrics(),
		canvas:  NewCanvas(),
		seed:    func() int64 { return time.Now().UnixNano() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start restores persisted state, if a grid is installed, and attaches the
// notification bridge. A failed subscription is not fatal: the engine keeps
// running on polling and reports degraded connectivity through Status.
func (e *Engine) Start(ctx context.Context) error {
	grid, err := e.store.LoadGrid(ctx)
	switch {
	case errors.Is(err, domain.ErrGridNotInstalled):
		e.logger.Info("no grid installed; waiting for a main image")
	case err != nil:
		return fmt.Errorf("engine start: %w", err)
	default:
		if err := e.restore(ctx, grid); err != nil {
			return err
		}
	}

	e.bridge = NewBridge(e.bus, e, WithBridgeLogger(e.logger))
	if err := e.bridge.Start(ctx); err != nil {
		e.logger.Warn("running without push notifications", "error", err)
	}

	// Catch up on anything queued while we were down.
	e.Trigger()
	return nil
}

// restore rebuilds canvas and assigner state from persisted records.
func (e *Engine) restore(ctx context.Context, grid domain.GridConfig) error {
	e.canvas.Reset()
	restorer := NewRestorer(e.store, e.canvas, e.logger, e.metrics)
	res, err := restorer.Restore(ctx, grid.TotalTiles)
	if err != nil {
		return err
	}

	assigner, err := NewAssigner(grid.TotalTiles, e.seed())
	if err != nil {
		return fmt.Errorf("engine restore: %w", err)
	}
	order, ok, err := e.store.LoadTileOrder(ctx)
	if err != nil {
		return fmt.Errorf("engine restore: %w", err)
	}
	consumed := res.ConsumedTiles
	if ok && orderMatches(order, consumed, grid.TotalTiles) {
		if err := assigner.ResumeAt(order.Order, len(consumed)); err != nil {
			return fmt.Errorf("engine restore: %w", err)
		}
	} else {
		if ok {
			e.logger.Warn("persisted tile order inconsistent with committed assignments; rebuilding")
		}
		rebuilt := rebuildOrder(consumed, grid.TotalTiles)
		if err := assigner.ResumeAt(rebuilt, len(consumed)); err != nil {
			return fmt.Errorf("engine restore: %w", err)
		}
		if err := e.store.SaveTileOrder(ctx, assigner.Snapshot()); err != nil {
			e.logger.Warn("persist rebuilt tile order failed", "error", err)
		}
	}

	e.mu.Lock()
	g := grid
	e.grid = &g
	e.assigner = assigner
	old := e.reconciler
	e.reconciler = NewReconciler(e.store, assigner, e.canvas, e.logger, e.metrics)
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}

	e.logger.Info("mosaic state restored",
		"tiles", grid.TotalTiles, "replayed", res.Replayed,
		"stale", res.Stale, "duplicates", res.Duplicates)
	return nil
}

// InstallGrid derives a grid for a new main image and resets the session:
// all photo records are deleted (blobs are retained), the canvas clears, and
// a fresh reveal permutation begins.
func (e *Engine) InstallGrid(ctx context.Context, imageRef string, targetTiles, canvasWidth, canvasHeight int) (domain.GridConfig, error) {
	grid, err := ComputeGrid(targetTiles, canvasWidth, canvasHeight)
	if err != nil {
		return domain.GridConfig{}, err
	}
	grid.ImageRef = imageRef

	if err := e.store.DeleteAllPhotos(ctx); err != nil {
		return domain.GridConfig{}, fmt.Errorf("install grid: %w", err)
	}
	if err := e.store.SaveGrid(ctx, grid); err != nil {
		return domain.GridConfig{}, fmt.Errorf("install grid: %w", err)
	}
	assigner, err := NewAssigner(grid.TotalTiles, e.seed())
	if err != nil {
		return domain.GridConfig{}, fmt.Errorf("install grid: %w", err)
	}
	if err := e.store.SaveTileOrder(ctx, assigner.Snapshot()); err != nil {
		return domain.GridConfig{}, fmt.Errorf("install grid: %w", err)
	}

	e.canvas.Reset()
	e.mu.Lock()
	g := grid
	e.grid = &g
	e.assigner = assigner
	old := e.reconciler
	e.reconciler = NewReconciler(e.store, assigner, e.canvas, e.logger, e.metrics)
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
	if e.metrics != nil {
		e.metrics.tilesFilled.Set(0)
	}

	e.logger.Info("grid installed", "image", imageRef,
		"cols", grid.Cols, "rows", grid.Rows,
		"tile_size", grid.TileSize, "tiles", grid.TotalTiles)
	return grid, nil
}

// Trigger wakes the current reconciler. A no-op until a grid is installed.
func (e *Engine) Trigger() bool {
	e.mu.Lock()
	r := e.reconciler
	e.mu.Unlock()
	if r == nil {
		return false
	}
	return r.Trigger()
}

// Wait blocks until the in-flight drain cycle, if any, completes. Test hook.
func (e *Engine) Wait() {
	e.mu.Lock()
	r := e.reconciler
	e.mu.Unlock()
	if r != nil {
		r.Wait()
	}
}

// State returns the derived mosaic view for viewers.
func (e *Engine) State() (domain.MosaicState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grid == nil {
		return domain.MosaicState{}, domain.ErrGridNotInstalled
	}
	snap := e.assigner.Snapshot()
	return domain.MosaicState{
		ImageRef:     e.grid.ImageRef,
		Cols:         e.grid.Cols,
		Rows:         e.grid.Rows,
		TileSize:     e.grid.TileSize,
		TotalTiles:   e.grid.TotalTiles,
		CurrentIndex: snap.CurrentIndex,
		TileOrder:    snap.Order,
		Placements:   e.canvas.Snapshot(),
	}, nil
}

// Status returns the short user-visible status string.
func (e *Engine) Status() string {
	e.mu.Lock()
	r := e.reconciler
	e.mu.Unlock()
	if r != nil {
		if r.Full() {
			return StatusMosaicFull
		}
		if s := r.Status(); s != StatusIdle {
			return s
		}
	}
	if e.bridge != nil && e.bridge.Degraded() {
		return StatusRetrying
	}
	return StatusIdle
}

// Degraded reports whether push notifications are unavailable.
func (e *Engine) Degraded() bool {
	return e.bridge != nil && e.bridge.Degraded()
}

// Canvas exposes the visual sink for viewer projections (SSE).
func (e *Engine) Canvas() *Canvas { return e.canvas }

// Metrics exposes the engine's prometheus collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Close detaches the bridge and stops the reconciler. In-flight store calls
// resolving after Close do not mutate the canvas.
func (e *Engine) Close() {
	if e.bridge != nil {
		e.bridge.Close()
	}
	e.mu.Lock()
	r := e.reconciler
	e.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// orderMatches verifies that a persisted permutation is consistent with the
// committed assignments: right length, and its consumed prefix covers
// exactly the replayed tiles.
func orderMatches(order domain.TileOrder, consumed []int, totalTiles int) bool {
	if len(order.Order) != totalTiles || order.CurrentIndex != len(consumed) {
		return false
	}
	prefix := make(map[int]bool, len(consumed))
	for _, tile := range order.Order[:order.CurrentIndex] {
		prefix[tile] = true
	}
	if len(prefix) != len(consumed) {
		return false
	}
	for _, tile := range consumed {
		if !prefix[tile] {
			return false
		}
	}
	return true
}

// rebuildOrder constructs a permutation whose prefix is the consumed tiles
// in replay order and whose tail is the remaining tiles. The tail needs no
// up-front shuffle: the assigner randomizes the remaining window as it
// consumes.
func rebuildOrder(consumed []int, totalTiles int) []int {
	used := make(map[int]bool, len(consumed))
	order := make([]int, 0, totalTiles)
	order = append(order, consumed...)
	for _, tile := range consumed {
		used[tile] = true
	}
	for tile := 0; tile < totalTiles; tile++ {
		if !used[tile] {
			order = append(order, tile)
		}
	}
	return order
}
