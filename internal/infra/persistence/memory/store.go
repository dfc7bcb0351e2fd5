// Package memory provides an in-memory implementation of the metadata store
// used for tests and ephemeral environments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"piovee/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.MetadataStore = (*Store)(nil)

// Store keeps photo and grid records in process memory behind a mutex.
// Claims carry an expiry so a crashed cycle releases its record after the
// visibility window, mirroring the durable drivers.
type Store struct {
	mu         sync.Mutex
	photos     map[string]domain.Photo
	claims     map[string]time.Time // photo id -> claim expiry
	grid       *domain.GridConfig
	tileOrder  *domain.TileOrder
	visibility time.Duration
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithVisibility overrides the claim visibility window (default 30s).
func WithVisibility(d time.Duration) Option {
	return func(s *Store) { s.visibility = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty in-memory metadata store.
func New(opts ...Option) *Store {
	s := &Store{
		photos:     make(map[string]domain.Photo),
		claims:     make(map[string]time.Time),
		visibility: 30 * time.Second,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreatePhoto persists a new record, rejecting duplicate IDs.
func (s *Store) CreatePhoto(_ context.Context, photo domain.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.photos[photo.ID]; exists {
		return domain.ConflictError{Entity: "photo", ID: photo.ID, Reason: "already exists"}
	}
	s.photos[photo.ID] = clonePhoto(photo)
	return nil
}

// GetPhoto returns the record for id.
func (s *Store) GetPhoto(_ context.Context, id string) (domain.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.photos[id]
	if !ok {
		return domain.Photo{}, domain.NotFoundError{Entity: "photo", ID: id}
	}
	return clonePhoto(p), nil
}

// ListPhotos returns matching records ordered by timestamp ascending, ties
// broken by ID.
func (s *Store) ListPhotos(_ context.Context, filter domain.PhotoFilter) ([]domain.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Photo, 0, len(s.photos))
	for _, p := range s.photos {
		if filter.Used != nil && p.Used != *filter.Used {
			continue
		}
		out = append(out, clonePhoto(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ClaimOldestUnused atomically selects the oldest unused, unclaimed record
// and marks it claimed until the visibility window lapses.
func (s *Store) ClaimOldestUnused(_ context.Context) (domain.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var best *domain.Photo
	for id, p := range s.photos {
		if p.Used {
			continue
		}
		if exp, claimed := s.claims[id]; claimed && exp.After(now) {
			continue
		}
		cand := p
		if best == nil ||
			cand.Timestamp < best.Timestamp ||
			(cand.Timestamp == best.Timestamp && cand.ID < best.ID) {
			best = &cand
		}
	}
	if best == nil {
		return domain.Photo{}, domain.ErrNoUnusedPhotos
	}
	s.claims[best.ID] = now.Add(s.visibility)
	return clonePhoto(*best), nil
}

// CommitAssignment marks the record used with the given tile index. A record
// that is already used is immutable.
func (s *Store) CommitAssignment(_ context.Context, id string, tileIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.photos[id]
	if !ok {
		return domain.NotFoundError{Entity: "photo", ID: id}
	}
	if p.Used {
		return domain.ConflictError{Entity: "photo", ID: id, Reason: "already assigned"}
	}
	idx := tileIndex
	p.Used = true
	p.TileIndex = &idx
	s.photos[id] = p
	delete(s.claims, id)
	return nil
}

// ReleaseClaim returns a claimed record to the unused queue.
func (s *Store) ReleaseClaim(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

// DeleteAllPhotos drops every photo record and claim.
func (s *Store) DeleteAllPhotos(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.photos = make(map[string]domain.Photo)
	s.claims = make(map[string]time.Time)
	return nil
}

// SaveGrid replaces the stored grid configuration.
func (s *Store) SaveGrid(_ context.Context, grid domain.GridConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := grid
	s.grid = &g
	return nil
}

// LoadGrid returns the stored grid or ErrGridNotInstalled.
func (s *Store) LoadGrid(_ context.Context) (domain.GridConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grid == nil {
		return domain.GridConfig{}, domain.ErrGridNotInstalled
	}
	return *s.grid, nil
}

// SaveTileOrder replaces the stored reveal permutation.
func (s *Store) SaveTileOrder(_ context.Context, order domain.TileOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := domain.TileOrder{Order: append([]int(nil), order.Order...), CurrentIndex: order.CurrentIndex}
	s.tileOrder = &cp
	return nil
}

// LoadTileOrder returns the stored permutation, if any.
func (s *Store) LoadTileOrder(_ context.Context) (domain.TileOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tileOrder == nil {
		return domain.TileOrder{}, false, nil
	}
	return domain.TileOrder{
		Order:        append([]int(nil), s.tileOrder.Order...),
		CurrentIndex: s.tileOrder.CurrentIndex,
	}, true, nil
}

func clonePhoto(p domain.Photo) domain.Photo {
	if p.TileIndex != nil {
		idx := *p.TileIndex
		p.TileIndex = &idx
	}
	return p
}
