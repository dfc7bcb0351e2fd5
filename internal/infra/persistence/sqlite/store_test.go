package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"piovee/pkg/domain"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPhotoRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := domain.Photo{ID: "a", BlobRef: "photos/a.jpg", Timestamp: 1700000000000}
	if err := s.CreatePhoto(ctx, p); err != nil {
		t.Fatalf("CreatePhoto: %v", err)
	}
	got, err := s.GetPhoto(ctx, "a")
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if got.ID != p.ID || got.BlobRef != p.BlobRef || got.Timestamp != p.Timestamp ||
		got.Used || got.TileIndex != nil {
		t.Fatalf("GetPhoto = %+v", got)
	}
	if _, err := s.GetPhoto(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("want not-found, got %v", err)
	}
	if err := s.CreatePhoto(ctx, p); !domain.IsConflict(err) {
		t.Fatalf("want conflict for duplicate id, got %v", err)
	}
}

func TestListPhotosOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, p := range []domain.Photo{
		{ID: "c", BlobRef: "photos/c.jpg", Timestamp: 300},
		{ID: "a", BlobRef: "photos/a.jpg", Timestamp: 100},
		{ID: "b", BlobRef: "photos/b.jpg", Timestamp: 100},
	} {
		if err := s.CreatePhoto(ctx, p); err != nil {
			t.Fatalf("CreatePhoto: %v", err)
		}
	}
	all, err := s.ListPhotos(ctx, domain.PhotoFilter{})
	if err != nil {
		t.Fatalf("ListPhotos: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Fatalf("order = %v", all)
	}

	if err := s.CommitAssignment(ctx, "a", 5); err != nil {
		t.Fatalf("CommitAssignment: %v", err)
	}
	used, err := s.ListPhotos(ctx, domain.UsedFilter(true))
	if err != nil {
		t.Fatalf("ListPhotos: %v", err)
	}
	if len(used) != 1 || used[0].ID != "a" || used[0].TileIndex == nil || *used[0].TileIndex != 5 {
		t.Fatalf("used = %+v", used)
	}
	unused, err := s.ListPhotos(ctx, domain.UsedFilter(false))
	if err != nil {
		t.Fatalf("ListPhotos: %v", err)
	}
	if len(unused) != 2 {
		t.Fatalf("unused = %d, want 2", len(unused))
	}
}

func TestClaimOldestUnused(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	s := newTestStore(t, WithVisibility(30*time.Second), WithClock(func() time.Time { return now }))
	for _, p := range []domain.Photo{
		{ID: "b", BlobRef: "photos/b.jpg", Timestamp: 200},
		{ID: "a", BlobRef: "photos/a.jpg", Timestamp: 100},
	} {
		if err := s.CreatePhoto(ctx, p); err != nil {
			t.Fatalf("CreatePhoto: %v", err)
		}
	}

	first, err := s.ClaimOldestUnused(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.ID != "a" {
		t.Fatalf("claimed %s, want oldest", first.ID)
	}
	second, err := s.ClaimOldestUnused(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second.ID != "b" {
		t.Fatalf("claimed %s, want b", second.ID)
	}
	if _, err := s.ClaimOldestUnused(ctx); !errors.Is(err, domain.ErrNoUnusedPhotos) {
		t.Fatalf("want ErrNoUnusedPhotos, got %v", err)
	}

	// Claims lapse after the visibility window.
	now = now.Add(31 * time.Second)
	again, err := s.ClaimOldestUnused(ctx)
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if again.ID != "a" {
		t.Fatalf("claimed %s after expiry, want a", again.ID)
	}
}

func TestCommitAssignmentConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.CreatePhoto(ctx, domain.Photo{ID: "a", BlobRef: "photos/a.jpg", Timestamp: 1}); err != nil {
		t.Fatalf("CreatePhoto: %v", err)
	}
	if err := s.CommitAssignment(ctx, "a", 3); err != nil {
		t.Fatalf("CommitAssignment: %v", err)
	}
	if err := s.CommitAssignment(ctx, "a", 4); !domain.IsConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
	if err := s.CommitAssignment(ctx, "missing", 0); !domain.IsNotFound(err) {
		t.Fatalf("want not-found, got %v", err)
	}
	got, err := s.GetPhoto(ctx, "a")
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if got.TileIndex == nil || *got.TileIndex != 3 {
		t.Fatalf("tile index mutated: %+v", got)
	}
}

func TestCommitReleasesClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithVisibility(time.Hour))
	for _, id := range []string{"a", "b"} {
		if err := s.CreatePhoto(ctx, domain.Photo{ID: id, BlobRef: "photos/" + id + ".jpg", Timestamp: 1}); err != nil {
			t.Fatalf("CreatePhoto: %v", err)
		}
	}
	p, err := s.ClaimOldestUnused(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CommitAssignment(ctx, p.ID, 0); err != nil {
		t.Fatalf("CommitAssignment: %v", err)
	}
	// The committed row is gone from the queue; the other is claimable.
	next, err := s.ClaimOldestUnused(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if next.ID == p.ID {
		t.Fatalf("committed record claimed again: %s", next.ID)
	}
}

func TestReleaseClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithVisibility(time.Hour))
	if err := s.CreatePhoto(ctx, domain.Photo{ID: "a", BlobRef: "photos/a.jpg", Timestamp: 1}); err != nil {
		t.Fatalf("CreatePhoto: %v", err)
	}
	if _, err := s.ClaimOldestUnused(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.ClaimOldestUnused(ctx); !errors.Is(err, domain.ErrNoUnusedPhotos) {
		t.Fatalf("claimed twice: %v", err)
	}
	if err := s.ReleaseClaim(ctx, "a"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	if _, err := s.ClaimOldestUnused(ctx); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestGridRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.LoadGrid(ctx); !errors.Is(err, domain.ErrGridNotInstalled) {
		t.Fatalf("want ErrGridNotInstalled, got %v", err)
	}
	grid := domain.GridConfig{ImageRef: "main/x.jpg", Cols: 16, Rows: 12, TileSize: 50, TotalTiles: 192}
	if err := s.SaveGrid(ctx, grid); err != nil {
		t.Fatalf("SaveGrid: %v", err)
	}
	got, err := s.LoadGrid(ctx)
	if err != nil {
		t.Fatalf("LoadGrid: %v", err)
	}
	if got != grid {
		t.Fatalf("LoadGrid = %+v, want %+v", got, grid)
	}
	// Installing a new grid overwrites the single row.
	grid.ImageRef = "main/y.jpg"
	grid.TotalTiles = 100
	if err := s.SaveGrid(ctx, grid); err != nil {
		t.Fatalf("SaveGrid: %v", err)
	}
	got, err = s.LoadGrid(ctx)
	if err != nil {
		t.Fatalf("LoadGrid: %v", err)
	}
	if got != grid {
		t.Fatalf("LoadGrid after overwrite = %+v", got)
	}
}

func TestTileOrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, ok, err := s.LoadTileOrder(ctx); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	in := domain.TileOrder{Order: []int{3, 1, 0, 2}, CurrentIndex: 2}
	if err := s.SaveTileOrder(ctx, in); err != nil {
		t.Fatalf("SaveTileOrder: %v", err)
	}
	got, ok, err := s.LoadTileOrder(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadTileOrder: ok=%v err=%v", ok, err)
	}
	if got.CurrentIndex != in.CurrentIndex || len(got.Order) != len(in.Order) {
		t.Fatalf("LoadTileOrder = %+v", got)
	}
	for i := range in.Order {
		if got.Order[i] != in.Order[i] {
			t.Fatalf("order[%d] = %d, want %d", i, got.Order[i], in.Order[i])
		}
	}
}

func TestDeleteAllPhotos(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.CreatePhoto(ctx, domain.Photo{ID: "a", BlobRef: "photos/a.jpg", Timestamp: 1}); err != nil {
		t.Fatalf("CreatePhoto: %v", err)
	}
	if err := s.DeleteAllPhotos(ctx); err != nil {
		t.Fatalf("DeleteAllPhotos: %v", err)
	}
	all, err := s.ListPhotos(ctx, domain.PhotoFilter{})
	if err != nil {
		t.Fatalf("ListPhotos: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("photos after delete = %d", len(all))
	}
}
