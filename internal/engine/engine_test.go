package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	memstore "piovee/internal/infra/persistence/memory"
	"piovee/internal/pubsub"
	"piovee/pkg/domain"
)

func newTestEngine(t *testing.T, store domain.MetadataStore) *Engine {
	t.Helper()
	bus := pubsub.NewInProcessBus()
	t.Cleanup(bus.Close)
	eng := New(store, bus, WithSeed(42))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func ingest(t *testing.T, eng *Engine, store *memstore.Store, id string, ts int64) {
	t.Helper()
	err := store.CreatePhoto(context.Background(), domain.Photo{
		ID: id, BlobRef: "photos/" + id + ".jpg", Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("CreatePhoto %s: %v", id, err)
	}
	eng.Trigger()
	eng.Wait()
}

func TestEngineAssignsDistinctTilesInArrivalOrder(t *testing.T) {
	store := memstore.New()
	eng := newTestEngine(t, store)

	if _, err := eng.InstallGrid(context.Background(), "main/wedding.jpg", 192, 800, 600); err != nil {
		t.Fatalf("InstallGrid: %v", err)
	}
	ingest(t, eng, store, "a", 1)
	ingest(t, eng, store, "b", 2)

	a, err := store.GetPhoto(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	b, err := store.GetPhoto(context.Background(), "b")
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if a.TileIndex == nil || b.TileIndex == nil {
		t.Fatal("both photos should be assigned")
	}
	if *a.TileIndex == *b.TileIndex {
		t.Fatalf("both photos got tile %d", *a.TileIndex)
	}

	state, err := eng.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.CurrentIndex != 2 {
		t.Fatalf("CurrentIndex = %d, want 2", state.CurrentIndex)
	}
	// The oldest photo consumed the first slot of the reveal order.
	if state.TileOrder[0] != *a.TileIndex || state.TileOrder[1] != *b.TileIndex {
		t.Fatalf("reveal order %v does not reflect arrival order (%d, %d)",
			state.TileOrder[:2], *a.TileIndex, *b.TileIndex)
	}
}

func TestEngineStateBeforeGridInstalled(t *testing.T) {
	eng := newTestEngine(t, memstore.New())
	if _, err := eng.State(); !errors.Is(err, domain.ErrGridNotInstalled) {
		t.Fatalf("want ErrGridNotInstalled, got %v", err)
	}
	if eng.Trigger() {
		t.Fatal("trigger without a grid should be a no-op")
	}
}

func TestEngineRestartRestoresMosaic(t *testing.T) {
	store := memstore.New()
	eng := newTestEngine(t, store)
	if _, err := eng.InstallGrid(context.Background(), "main/wedding.jpg", 25, 100, 100); err != nil {
		t.Fatalf("InstallGrid: %v", err)
	}
	ingest(t, eng, store, "a", 1)
	ingest(t, eng, store, "b", 2)
	ingest(t, eng, store, "c", 3)

	before, err := eng.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	eng.Close()

	// A fresh process over the same store converges on the same mosaic.
	restarted := newTestEngine(t, store)
	after, err := restarted.State()
	if err != nil {
		t.Fatalf("State after restart: %v", err)
	}
	if after.CurrentIndex != 3 {
		t.Fatalf("CurrentIndex after restart = %d, want 3", after.CurrentIndex)
	}
	if len(after.Placements) != len(before.Placements) {
		t.Fatalf("placements lost: %v vs %v", after.Placements, before.Placements)
	}
	for tile, ref := range before.Placements {
		if after.Placements[tile] != ref {
			t.Fatalf("tile %d: %q after restart, want %q", tile, after.Placements[tile], ref)
		}
	}

	// New photos continue the sequence without repeating consumed tiles.
	ingest(t, restarted, store, "d", 4)
	final, err := restarted.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if final.CurrentIndex != 4 {
		t.Fatalf("CurrentIndex = %d, want 4", final.CurrentIndex)
	}
	if len(final.Placements) != 4 {
		t.Fatalf("placements = %d, want 4", len(final.Placements))
	}
}

func TestEngineRestartWithoutPersistedOrder(t *testing.T) {
	store := memstore.New()
	eng := newTestEngine(t, store)
	if _, err := eng.InstallGrid(context.Background(), "main/wedding.jpg", 25, 100, 100); err != nil {
		t.Fatalf("InstallGrid: %v", err)
	}
	ingest(t, eng, store, "a", 1)
	ingest(t, eng, store, "b", 2)
	eng.Close()

	// Simulate a store that lost the permutation but kept the assignments:
	// the engine rebuilds a consistent order from the committed records.
	if err := store.SaveTileOrder(context.Background(), domain.TileOrder{Order: []int{0}, CurrentIndex: 0}); err != nil {
		t.Fatalf("SaveTileOrder: %v", err)
	}
	restarted := newTestEngine(t, store)
	state, err := restarted.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.CurrentIndex != 2 {
		t.Fatalf("CurrentIndex = %d, want 2", state.CurrentIndex)
	}
	seen := make(map[int]bool)
	for _, tile := range state.TileOrder {
		if tile < 0 || tile >= 25 || seen[tile] {
			t.Fatalf("rebuilt order is not a permutation: %v", state.TileOrder)
		}
		seen[tile] = true
	}
	ingest(t, restarted, store, "c", 3)
	final, err := restarted.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(final.Placements) != 3 {
		t.Fatalf("placements = %d, want 3", len(final.Placements))
	}
}

func TestEngineInstallGridResetsSession(t *testing.T) {
	store := memstore.New()
	eng := newTestEngine(t, store)
	if _, err := eng.InstallGrid(context.Background(), "main/first.jpg", 25, 100, 100); err != nil {
		t.Fatalf("InstallGrid: %v", err)
	}
	ingest(t, eng, store, "a", 1)

	grid, err := eng.InstallGrid(context.Background(), "main/second.jpg", 100, 400, 400)
	if err != nil {
		t.Fatalf("InstallGrid: %v", err)
	}
	if grid.ImageRef != "main/second.jpg" {
		t.Fatalf("ImageRef = %q", grid.ImageRef)
	}
	state, err := eng.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.CurrentIndex != 0 || len(state.Placements) != 0 {
		t.Fatalf("session not reset: %+v", state)
	}
	photos, err := store.ListPhotos(context.Background(), domain.PhotoFilter{})
	if err != nil {
		t.Fatalf("ListPhotos: %v", err)
	}
	if len(photos) != 0 {
		t.Fatalf("photo records survived grid install: %d", len(photos))
	}
}

func TestEngineWakesOnBusEvent(t *testing.T) {
	store := memstore.New()
	bus := pubsub.NewInProcessBus()
	defer bus.Close()
	eng := New(store, bus, WithSeed(42))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Close()
	if _, err := eng.InstallGrid(context.Background(), "main/wedding.jpg", 25, 100, 100); err != nil {
		t.Fatalf("InstallGrid: %v", err)
	}

	err := store.CreatePhoto(context.Background(), domain.Photo{ID: "a", BlobRef: "photos/a.jpg", Timestamp: 1})
	if err != nil {
		t.Fatalf("CreatePhoto: %v", err)
	}
	bus.Publish(pubsub.ChannelPhotos, pubsub.EventUploaded, []byte("a"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		p, err := store.GetPhoto(context.Background(), "a")
		if err != nil {
			t.Fatalf("GetPhoto: %v", err)
		}
		if p.Used {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("photo never assigned after bus event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineStatusReportsFull(t *testing.T) {
	store := memstore.New()
	eng := newTestEngine(t, store)
	if _, err := eng.InstallGrid(context.Background(), "main/tiny.jpg", 4, 10, 10); err != nil {
		t.Fatalf("InstallGrid: %v", err)
	}
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		ingest(t, eng, store, id, int64(i+1))
	}
	if eng.Status() != StatusMosaicFull {
		t.Fatalf("status = %q, want mosaic full", eng.Status())
	}
}
