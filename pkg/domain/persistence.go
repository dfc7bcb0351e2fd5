package domain

import "context"

// MetadataStore is the durable record store consumed by the engine. Concrete
// drivers live under internal/infra/persistence (memory, sqlite, postgres).
//
// ClaimOldestUnused and CommitAssignment are the two writes the reconciler
// depends on for correctness. Claim must be conditional: it returns the
// oldest record only if it is still unused, moving it out of the visible
// queue atomically so two engine instances never drain the same record.
type MetadataStore interface {
	// CreatePhoto persists a new record. Fails if the ID already exists.
	CreatePhoto(ctx context.Context, photo Photo) error
	// GetPhoto returns the record for id or NotFoundError.
	GetPhoto(ctx context.Context, id string) (Photo, error)
	// ListPhotos returns records matching filter, ordered by timestamp
	// ascending (ties broken by ID for a stable order).
	ListPhotos(ctx context.Context, filter PhotoFilter) ([]Photo, error)
	// ClaimOldestUnused atomically selects the oldest unused record and
	// marks it claimed so concurrent claimers skip it. Returns
	// ErrNoUnusedPhotos when the queue is empty.
	ClaimOldestUnused(ctx context.Context) (Photo, error)
	// CommitAssignment marks a claimed record used with the given tile
	// index. Returns ConflictError if the record is already used; a
	// committed tile index is immutable.
	CommitAssignment(ctx context.Context, id string, tileIndex int) error
	// ReleaseClaim returns a claimed record to the unused queue after a
	// failed cycle so the next trigger can retry it.
	ReleaseClaim(ctx context.Context, id string) error
	// DeleteAllPhotos removes every photo record (full mosaic reset).
	// Blob content is retained; only metadata is dropped.
	DeleteAllPhotos(ctx context.Context) error

	// SaveGrid persists the grid configuration, replacing any previous one.
	SaveGrid(ctx context.Context, grid GridConfig) error
	// LoadGrid returns the current grid or ErrGridNotInstalled.
	LoadGrid(ctx context.Context) (GridConfig, error)
	// SaveTileOrder persists the reveal permutation and its cursor.
	SaveTileOrder(ctx context.Context, order TileOrder) error
	// LoadTileOrder returns the persisted permutation, or ok=false when
	// none has been saved for the current grid.
	LoadTileOrder(ctx context.Context) (TileOrder, bool, error)
}
