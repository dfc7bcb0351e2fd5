// Package postgres persists mosaic metadata in PostgreSQL via the pgx
// database/sql driver. Claim semantics match the sqlite driver: a
// single-statement conditional update keeps two engine instances from
// draining the same record.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"piovee/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.MetadataStore = (*Store)(nil)

// Store implements domain.MetadataStore on PostgreSQL.
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

// Open connects using a pgx DSN and ensures the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db, visibility: 30 * time.Second, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle, ensuring the schema.
func NewWithDB(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, visibility: 30 * time.Second, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS photos (
			id            TEXT PRIMARY KEY,
			blob_ref      TEXT NOT NULL,
			ts            BIGINT NOT NULL,
			used          BOOLEAN NOT NULL DEFAULT FALSE,
			tile_index    INTEGER,
			claimed_until BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_photos_queue ON photos (used, claimed_until, ts);
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
		)`)
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
		`INSERT INTO photos (id, blob_ref, ts, used, tile_index) VALUES ($1,$2,$3,$4,$5)`,
		photo.ID, photo.BlobRef, photo.Timestamp, photo.Used, tileIndex,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return domain.ConflictError{Entity: "photo", ID: photo.ID, Reason: "already exists"}
		}
		return fmt.Errorf("insert photo: %w", err)
	}
	return nil
}

// GetPhoto returns the record for id.
func (s *Store) GetPhoto(ctx context.Context, id string) (domain.Photo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, blob_ref, ts, used, tile_index FROM photos WHERE id = $1`, id)
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
	query := `SELECT id, blob_ref, ts, used, tile_index FROM photos`
	var args []any
	if filter.Used != nil {
		query += ` WHERE used = $1`
		args = append(args, *filter.Used)
	}
	query += ` ORDER BY ts ASC, id ASC`
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
// statement. SKIP LOCKED keeps concurrent claimers from serializing on the
// same candidate row.
func (s *Store) ClaimOldestUnused(ctx context.Context) (domain.Photo, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE photos SET claimed_until = $1
		WHERE id = (
			SELECT id FROM photos
			WHERE used = FALSE AND claimed_until <= $2
			ORDER BY ts ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, blob_ref, ts, used, tile_index`,
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
		`UPDATE photos SET used = TRUE, tile_index = $1, claimed_until = 0 WHERE id = $2 AND used = FALSE`,
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
		`UPDATE photos SET claimed_until = 0 WHERE id = $1`, id)
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
		VALUES (1,$1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			image_ref = EXCLUDED.image_ref,
			cols = EXCLUDED.cols, rows = EXCLUDED.rows,
			tile_size = EXCLUDED.tile_size, total_tiles = EXCLUDED.total_tiles`,
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

// SaveTileOrder replaces the stored reveal permutation.
func (s *Store) SaveTileOrder(ctx context.Context, order domain.TileOrder) error {
	raw, err := json.Marshal(order.Order)
	if err != nil {
		return fmt.Errorf("encode tile order: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tile_order (id, tile_order, current_index)
		VALUES (1,$1,$2)
		ON CONFLICT (id) DO UPDATE SET
			tile_order = EXCLUDED.tile_order, current_index = EXCLUDED.current_index`,
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
	var tileIndex sql.NullInt64
	if err := row.Scan(&p.ID, &p.BlobRef, &p.Timestamp, &p.Used, &tileIndex); err != nil {
		return domain.Photo{}, err
	}
	if tileIndex.Valid {
		idx := int(tileIndex.Int64)
		p.TileIndex = &idx
	}
	return p, nil
}
