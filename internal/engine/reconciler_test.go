package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	memstore "piovee/internal/infra/persistence/memory"
	"piovee/pkg/domain"
)

// hookStore wraps a metadata store and lets a test intercept single calls.
type hookStore struct {
	domain.MetadataStore
	claim  func(ctx context.Context) (domain.Photo, error)
	commit func(ctx context.Context, id string, tileIndex int) error
}

func (h *hookStore) ClaimOldestUnused(ctx context.Context) (domain.Photo, error) {
	if h.claim != nil {
		return h.claim(ctx)
	}
	return h.MetadataStore.ClaimOldestUnused(ctx)
}

func (h *hookStore) CommitAssignment(ctx context.Context, id string, tileIndex int) error {
	if h.commit != nil {
		return h.commit(ctx, id, tileIndex)
	}
	return h.MetadataStore.CommitAssignment(ctx, id, tileIndex)
}

func newTestReconciler(t *testing.T, store domain.MetadataStore, totalTiles int) (*QueueReconciler, *Canvas) {
	t.Helper()
	assigner, err := NewAssigner(totalTiles, 1)
	if err != nil {
		t.Fatalf("NewAssigner: %v", err)
	}
	canvas := NewCanvas()
	r := NewReconciler(store, assigner, canvas, nil, nil)
	t.Cleanup(r.Close)
	return r, canvas
}

func addPhoto(t *testing.T, store *memstore.Store, id string, ts int64) {
	t.Helper()
	err := store.CreatePhoto(context.Background(), domain.Photo{
		ID: id, BlobRef: "photos/" + id + ".jpg", Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("CreatePhoto %s: %v", id, err)
	}
}

func TestReconcilerDrainsQueueToEmpty(t *testing.T) {
	store := memstore.New()
	addPhoto(t, store, "a", 1)
	addPhoto(t, store, "b", 2)
	addPhoto(t, store, "c", 3)

	r, canvas := newTestReconciler(t, store, 10)
	if !r.Trigger() {
		t.Fatal("Trigger returned false on idle reconciler")
	}
	r.Wait()

	if canvas.FilledCount() != 3 {
		t.Fatalf("FilledCount = %d, want 3", canvas.FilledCount())
	}
	used, err := store.ListPhotos(context.Background(), domain.UsedFilter(true))
	if err != nil {
		t.Fatalf("ListPhotos: %v", err)
	}
	if len(used) != 3 {
		t.Fatalf("used photos = %d, want 3", len(used))
	}
	seen := make(map[int]bool)
	for _, p := range used {
		if p.TileIndex == nil {
			t.Fatalf("photo %s used without tile index", p.ID)
		}
		if seen[*p.TileIndex] {
			t.Fatalf("tile %d assigned twice", *p.TileIndex)
		}
		seen[*p.TileIndex] = true
	}
	if r.Status() != StatusIdle {
		t.Fatalf("status after drain = %q, want idle", r.Status())
	}
}

func TestReconcilerAssignsOldestFirst(t *testing.T) {
	store := memstore.New()
	addPhoto(t, store, "late", 200)
	addPhoto(t, store, "early", 100)

	r, _ := newTestReconciler(t, store, 10)
	r.Trigger()
	r.Wait()

	early, err := store.GetPhoto(context.Background(), "early")
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	late, err := store.GetPhoto(context.Background(), "late")
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if early.TileIndex == nil || late.TileIndex == nil {
		t.Fatal("both photos should be assigned")
	}
}

func TestReconcilerSingleFlight(t *testing.T) {
	store := memstore.New()
	release := make(chan struct{})
	entered := make(chan struct{})
	var once bool
	hs := &hookStore{MetadataStore: store, claim: func(ctx context.Context) (domain.Photo, error) {
		if !once {
			once = true
			close(entered)
			<-release
		}
		return store.ClaimOldestUnused(ctx)
	}}

	r, _ := newTestReconciler(t, hs, 10)
	if !r.Trigger() {
		t.Fatal("first trigger should start a cycle")
	}
	<-entered
	if r.Trigger() {
		t.Fatal("second trigger should coalesce while a cycle is running")
	}
	close(release)
	r.Wait()

	// Once the cycle finished the guard is released again.
	if !r.Trigger() {
		t.Fatal("trigger after drain should start a new cycle")
	}
	r.Wait()
}

func TestReconcilerMosaicFullTerminal(t *testing.T) {
	store := memstore.New()
	addPhoto(t, store, "a", 1)
	addPhoto(t, store, "b", 2)
	addPhoto(t, store, "c", 3)

	r, canvas := newTestReconciler(t, store, 2)
	r.Trigger()
	r.Wait()

	if !r.Full() {
		t.Fatal("reconciler should be full after consuming every tile")
	}
	if r.Status() != StatusMosaicFull {
		t.Fatalf("status = %q, want mosaic full", r.Status())
	}
	if canvas.FilledCount() != 2 {
		t.Fatalf("FilledCount = %d, want 2", canvas.FilledCount())
	}
	if r.Trigger() {
		t.Fatal("trigger on a full mosaic should be a no-op")
	}
	// The overflow photo stays unused for a future, larger grid.
	unused, err := store.ListPhotos(context.Background(), domain.UsedFilter(false))
	if err != nil {
		t.Fatalf("ListPhotos: %v", err)
	}
	if len(unused) != 1 {
		t.Fatalf("unused photos = %d, want 1", len(unused))
	}
}

func TestReconcilerCommitConflictKeepsDraining(t *testing.T) {
	store := memstore.New()
	addPhoto(t, store, "a", 1)
	addPhoto(t, store, "b", 2)

	var conflicted bool
	hs := &hookStore{MetadataStore: store, commit: func(ctx context.Context, id string, tileIndex int) error {
		if id == "a" && !conflicted {
			conflicted = true
			// Simulate another instance having committed this record;
			// mark it used so it leaves the queue.
			if err := store.CommitAssignment(ctx, id, 99); err != nil {
				return err
			}
			return domain.ConflictError{Entity: "photo", ID: id, Reason: "already assigned"}
		}
		return store.CommitAssignment(ctx, id, tileIndex)
	}}

	r, _ := newTestReconciler(t, hs, 10)
	r.Trigger()
	r.Wait()

	b, err := store.GetPhoto(context.Background(), "b")
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if !b.Used || b.TileIndex == nil {
		t.Fatal("drain should continue past a conflicting record")
	}
	if r.Status() != StatusIdle {
		t.Fatalf("status = %q, want idle", r.Status())
	}
}

func TestReconcilerTransientCommitFailureReleasesClaim(t *testing.T) {
	store := memstore.New(memstore.WithVisibility(time.Hour))
	addPhoto(t, store, "a", 1)

	boom := errors.New("connection reset")
	fail := true
	hs := &hookStore{MetadataStore: store, commit: func(ctx context.Context, id string, tileIndex int) error {
		if fail {
			return boom
		}
		return store.CommitAssignment(ctx, id, tileIndex)
	}}

	r, _ := newTestReconciler(t, hs, 10)
	r.Trigger()
	r.Wait()

	if r.Status() != StatusRetrying {
		t.Fatalf("status = %q, want retrying", r.Status())
	}
	a, err := store.GetPhoto(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if a.Used {
		t.Fatal("record must stay unused after a failed commit")
	}

	// The claim was released, so the next trigger picks the record back up.
	fail = false
	r.Trigger()
	r.Wait()
	a, err = store.GetPhoto(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if !a.Used {
		t.Fatal("record should be assigned once the store recovers")
	}
}

func TestReconcilerPersistsTileOrder(t *testing.T) {
	store := memstore.New()
	addPhoto(t, store, "a", 1)

	r, _ := newTestReconciler(t, store, 10)
	r.Trigger()
	r.Wait()

	order, ok, err := store.LoadTileOrder(context.Background())
	if err != nil {
		t.Fatalf("LoadTileOrder: %v", err)
	}
	if !ok {
		t.Fatal("tile order not persisted after a placement")
	}
	if order.CurrentIndex != 1 || len(order.Order) != 10 {
		t.Fatalf("unexpected tile order %+v", order)
	}
}

func TestReconcilerCloseStopsFutureTriggers(t *testing.T) {
	store := memstore.New()
	addPhoto(t, store, "a", 1)

	assigner, err := NewAssigner(10, 1)
	if err != nil {
		t.Fatalf("NewAssigner: %v", err)
	}
	r := NewReconciler(store, assigner, NewCanvas(), nil, nil)
	r.Close()
	if r.Trigger() {
		t.Fatal("trigger after close should be a no-op")
	}
}
