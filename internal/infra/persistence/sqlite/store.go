// Package sqlite persists mosaic metadata in a single SQLite database.
//
// The unused-photo queue uses a claim column: ClaimOldestUnused atomically
// selects the oldest unused row whose claim has lapsed and stamps a new claim
// expiry in the same statement, so two engine instances sharing the database
// never drain the same record. A crashed cycle releases its row when the
// visibility window lapses.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"piovee/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.MetadataStore = (*Store)(nil)

// Store implements domain.MetadataStore on SQLite.
type Store struct {
	db         *sql.DB
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

// New opens (creating if needed) the database at path and ensures the schema.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = "piovee.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, visibility: 30 * time.Second, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle, ensuring the schema.
func NewWithDB(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, visibility: 30 * time.Second, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS photos (
			id            TEXT PRIMARY KEY,
			blob_ref      TEXT NOT NULL,
			timestamp     INTEGER NOT NULL,
			used          INTEGER NOT NULL DEFAULT 0,
			tile_index    INTEGER,
			claimed_until INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_photos_queue ON photos (used, claimed_until, timestamp);
		CREATE TABLE IF NOT EXISTS grid_config (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			image_ref   TEXT NOT NULL DEFAULT '',
			cols        INTEGER NOT NULL,
			rows        INTEGER NOT NULL,
			tile_size   INTEGER NOT NULL,
			total_tiles INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tile_order (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			tile_order    TEXT NOT NULL,
			current_index INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreatePhoto inserts a new record, rejecting duplicate IDs.
func (s *Store) CreatePhoto(ctx context.Context, photo domain.Photo) error {
	var tileIndex any
	if photo.TileIndex != nil {
		tileIndex = *photo.TileIndex
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO photos (id, blob_ref, timestamp, used, tile_index) VALUES (?,?,?,?,?)`,
		photo.ID, photo.BlobRef, photo.Timestamp, boolToInt(photo.Used), tileIndex,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ConflictError{Entity: "photo", ID: photo.ID, Reason: "already exists"}
		}
		return fmt.Errorf("insert photo: %w", err)
	}
	return nil
}

// GetPhoto returns the record for id.
func (s *Store) GetPhoto(ctx context.Context, id string) (domain.Photo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, blob_ref, timestamp, used, tile_index FROM photos WHERE id = ?`, id)
	p, err := scanPhoto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Photo{}, domain.NotFoundError{Entity: "photo", ID: id}
	}
	if err != nil {
		return domain.Photo{}, fmt.Errorf("get photo: %w", err)
	}
	return p, nil
}

// ListPhotos returns matching records ordered by timestamp ascending, ties
// broken by ID.
func (s *Store) ListPhotos(ctx context.Context, filter domain.PhotoFilter) ([]domain.Photo, error) {
	query := `SELECT id, blob_ref, timestamp, used, tile_index FROM photos`
	var args []any
	if filter.Used != nil {
		query += ` WHERE used = ?`
		args = append(args, boolToInt(*filter.Used))
	}
	query += ` ORDER BY timestamp ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimOldestUnused stamps and returns the oldest visible unused row in one
// statement.
func (s *Store) ClaimOldestUnused(ctx context.Context) (domain.Photo, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE photos SET claimed_until = ?
		WHERE id = (
			SELECT id FROM photos
			WHERE used = 0 AND claimed_until <= ?
			ORDER BY timestamp ASC, id ASC
			LIMIT 1
		)
		RETURNING id, blob_ref, timestamp, used, tile_index`,
		now.Add(s.visibility).UnixMilli(), now.UnixMilli(),
	)
	p, err := scanPhoto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Photo{}, domain.ErrNoUnusedPhotos
	}
	if err != nil {
		return domain.Photo{}, fmt.Errorf("claim photo: %w", err)
	}
	return p, nil
}

// CommitAssignment marks a record used with its tile index, only if it is
// still unused.
func (s *Store) CommitAssignment(ctx context.Context, id string, tileIndex int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE photos SET used = 1, tile_index = ?, claimed_until = 0 WHERE id = ? AND used = 0`,
		tileIndex, id,
	)
	if err != nil {
		return fmt.Errorf("commit assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit assignment: %w", err)
	}
	if n == 0 {
		if _, err := s.GetPhoto(ctx, id); err != nil {
			return err
		}
		return domain.ConflictError{Entity: "photo", ID: id, Reason: "already assigned"}
	}
	return nil
}

// ReleaseClaim makes a claimed row immediately visible again.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE photos SET claimed_until = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// DeleteAllPhotos drops every photo record (full mosaic reset).
func (s *Store) DeleteAllPhotos(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM photos`); err != nil {
		return fmt.Errorf("delete photos: %w", err)
	}
	return nil
}

// SaveGrid replaces the single grid configuration row.
func (s *Store) SaveGrid(ctx context.Context, grid domain.GridConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grid_config (id, image_ref, cols, rows, tile_size, total_tiles)
		VALUES (1,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			image_ref = excluded.image_ref,
			cols = excluded.cols, rows = excluded.rows,
			tile_size = excluded.tile_size, total_tiles = excluded.total_tiles`,
		grid.ImageRef, grid.Cols, grid.Rows, grid.TileSize, grid.TotalTiles,
	)
	if err != nil {
		return fmt.Errorf("save grid: %w", err)
	}
	return nil
}

// LoadGrid returns the stored grid or ErrGridNotInstalled.
func (s *Store) LoadGrid(ctx context.Context) (domain.GridConfig, error) {
	var g domain.GridConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT image_ref, cols, rows, tile_size, total_tiles FROM grid_config WHERE id = 1`,
	).Scan(&g.ImageRef, &g.Cols, &g.Rows, &g.TileSize, &g.TotalTiles)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GridConfig{}, domain.ErrGridNotInstalled
	}
	if err != nil {
		return domain.GridConfig{}, fmt.Errorf("load grid: %w", err)
	}
	return g, nil
}

// SaveTileOrder replaces the stored reveal permutation. The permutation is
// stored as a JSON array; it is small (one int per tile) and read once per
// process start.
func (s *Store) SaveTileOrder(ctx context.Context, order domain.TileOrder) error {
	raw, err := json.Marshal(order.Order)
	if err != nil {
		return fmt.Errorf("encode tile order: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tile_order (id, tile_order, current_index)
		VALUES (1,?,?)
		ON CONFLICT(id) DO UPDATE SET
			tile_order = excluded.tile_order, current_index = excluded.current_index`,
		string(raw), order.CurrentIndex,
	)
	if err != nil {
		return fmt.Errorf("save tile order: %w", err)
	}
	return nil
}

// LoadTileOrder returns the stored permutation, if any.
func (s *Store) LoadTileOrder(ctx context.Context) (domain.TileOrder, bool, error) {
	var raw string
	var order domain.TileOrder
	err := s.db.QueryRowContext(ctx,
		`SELECT tile_order, current_index FROM tile_order WHERE id = 1`,
	).Scan(&raw, &order.CurrentIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TileOrder{}, false, nil
	}
	if err != nil {
		return domain.TileOrder{}, false, fmt.Errorf("load tile order: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &order.Order); err != nil {
		return domain.TileOrder{}, false, fmt.Errorf("decode tile order: %w", err)
	}
	return order, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhoto(row rowScanner) (domain.Photo, error) {
	var p domain.Photo
	var used int
	var tileIndex sql.NullInt64
	if err := row.Scan(&p.ID, &p.BlobRef, &p.Timestamp, &used, &tileIndex); err != nil {
		return domain.Photo{}, err
	}
	p.Used = used != 0
	if tileIndex.Valid {
		idx := int(tileIndex.Int64)
		p.TileIndex = &idx
	}
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_PRIMARYKEY in the
	// error text; there is no exported sentinel to match against.
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") ||
		strings.Contains(err.Error(), "constraint failed"))
}
