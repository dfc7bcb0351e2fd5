package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"piovee/pkg/domain"
)

// User-visible status strings.
const (
	StatusIdle          = ""
	StatusPhotoDetected = "new photo detected…"
	StatusMosaicFull    = "mosaic full"
	StatusRetrying      = "connection lost, retrying…"
)

// QueueReconciler drains the persisted queue of not-yet-placed photos one
// record at a time: claim the oldest unused photo, assign it the next tile,
// apply it to the canvas, commit. A single-flight guard coalesces overlapping
// wake signals into one drain cycle; triggers never queue. All wake sources
// (push, polling timer, manual refresh) funnel into Trigger.
type QueueReconciler struct {
	store    domain.MetadataStore
	assigner *TileAssigner
	canvas   *Canvas
	logger   *slog.Logger
	metrics  *Metrics

	// mu serializes assigner access and tile-order persistence within a
	// cycle; busy is the single-flight guard across cycles.
	mu   sync.Mutex
	busy atomic.Bool
	full atomic.Bool

	status atomic.Value // string

	// ctx is the reconciler lifetime; Close cancels it so an in-flight
	// store call resolving after teardown cannot mutate the canvas.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler constructs a reconciler over the given collaborators.
func NewReconciler(store domain.MetadataStore, assigner *TileAssigner, canvas *Canvas, logger *slog.Logger, metrics *Metrics) *QueueReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &QueueReconciler{
		store:    store,
		assigner: assigner,
		canvas:   canvas,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.status.Store(StatusIdle)
	if full := assigner.Remaining() == 0; full {
		r.full.Store(true)
		r.status.Store(StatusMosaicFull)
	}
	return r
}

// Trigger wakes the reconciler. Returns true if a drain cycle was started,
// false if one was already running (the call is a no-op; the running cycle's
// drain-to-empty semantics will observe any new records) or the mosaic is
// full or the reconciler is closed.
func (r *QueueReconciler) Trigger() bool {
	if r.ctx.Err() != nil || r.full.Load() {
		return false
	}
	if !r.busy.CompareAndSwap(false, true) {
		if r.metrics != nil {
			r.metrics.triggers.WithLabelValues(triggerCoalesced).Inc()
		}
		return false
	}
	if r.metrics != nil {
		r.metrics.triggers.WithLabelValues(triggerRun).Inc()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)
		r.drain()
	}()
	return true
}

// Full reports whether the reconciler reached the terminal mosaic-full state.
func (r *QueueReconciler) Full() bool { return r.full.Load() }

// Status returns the current user-visible status string.
func (r *QueueReconciler) Status() string {
	s, _ := r.status.Load().(string)
	return s
}

// Wait blocks until the in-flight drain cycle, if any, completes.
func (r *QueueReconciler) Wait() { r.wg.Wait() }

// Close tears the reconciler down. Future triggers are no-ops; the in-flight
// cycle, if any, is cancelled and awaited.
func (r *QueueReconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

// drain runs claim-assign-commit cycles until the queue is empty, a store
// call fails, or the mosaic fills up.
func (r *QueueReconciler) drain() {
	for {
		if r.ctx.Err() != nil {
			return
		}
		proceed := r.cycle()
		if !proceed {
			return
		}
	}
}

// cycle processes one photo. It reports whether draining should continue.
func (r *QueueReconciler) cycle() bool {
	start := time.Now()

	photo, err := r.store.ClaimOldestUnused(r.ctx)
	if errors.Is(err, domain.ErrNoUnusedPhotos) {
		r.status.Store(StatusIdle)
		return false
	}
	if err != nil {
		r.transientFailure("claim", err)
		return false
	}
	if r.ctx.Err() != nil {
		// Torn down while the claim was in flight; leave the claim to
		// lapse rather than touching shared state.
		return false
	}
	r.status.Store(StatusPhotoDetected)

	r.mu.Lock()
	tile, err := r.assigner.AssignNext()
	if errors.Is(err, domain.ErrMosaicFull) {
		r.mu.Unlock()
		r.full.Store(true)
		r.status.Store(StatusMosaicFull)
		r.logger.Info("mosaic full; leaving remaining photos unassigned", "photo", photo.ID)
		_ = r.store.ReleaseClaim(r.ctx, photo.ID)
		return false
	}
	r.mu.Unlock()

	// Optimistic: the tile lights up before the commit lands. On a commit
	// failure the visual application is not rolled back and the consumed
	// tile stays consumed; the record itself remains unused and is
	// retried by the next trigger. Known gap inherited from the design.
	r.canvas.ApplyPhoto(tile, photo.BlobRef)

	if err := r.store.CommitAssignment(r.ctx, photo.ID, tile); err != nil {
		if domain.IsConflict(err) {
			// Another instance committed this record first. Drop it
			// from our pending view and keep draining.
			r.logger.Warn("assignment conflict, record already committed elsewhere",
				"photo", photo.ID, "tile", tile)
			return true
		}
		if relErr := r.store.ReleaseClaim(r.ctx, photo.ID); relErr != nil {
			r.logger.Warn("release claim failed", "photo", photo.ID, "error", relErr)
		}
		r.transientFailure("commit", err)
		return false
	}

	r.persistTileOrder()

	if r.metrics != nil {
		r.metrics.photosAssigned.Inc()
		r.metrics.tilesFilled.Set(float64(r.canvas.FilledCount()))
		r.metrics.cycleSeconds.Observe(time.Since(start).Seconds())
	}
	r.logger.Info("photo placed", "photo", photo.ID, "tile", tile)
	return true
}

// persistTileOrder snapshots the assigner so a restart resumes the same
// reveal sequence. Failure is logged only: the permutation is rebuilt from
// committed assignments on the next start.
func (r *QueueReconciler) persistTileOrder() {
	r.mu.Lock()
	snap := r.assigner.Snapshot()
	r.mu.Unlock()
	if err := r.store.SaveTileOrder(r.ctx, snap); err != nil {
		r.logger.Warn("persist tile order failed", "error", err)
	}
}

func (r *QueueReconciler) transientFailure(op string, err error) {
	if r.ctx.Err() != nil {
		return
	}
	r.status.Store(StatusRetrying)
	r.logger.Warn("reconcile cycle abandoned, will retry on next trigger", "op", op, "error", err)
	if r.metrics != nil {
		r.metrics.reconcileFailures.Inc()
	}
}
