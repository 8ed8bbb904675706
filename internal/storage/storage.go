package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"microtile/internal/fsutil"
	"microtile/internal/geometry"
)

// Store wraps SQLite-backed persistence for pyramid handles and
// registration outcomes. This is operational metadata, not project
// persistence; the durable tile cache lives in the external store.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if err := fsutil.EnsureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pyramids (
            image_path TEXT PRIMARY KEY,
            content_hash TEXT NOT NULL,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            tile_size INTEGER NOT NULL,
            tiles_x INTEGER NOT NULL,
            tiles_y INTEGER NOT NULL,
            from_cache BOOLEAN DEFAULT FALSE,
            fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS registrations (
            id TEXT PRIMARY KEY,
            overlay_path TEXT NOT NULL,
            content_hash TEXT,
            matrix_a REAL, matrix_b REAL, matrix_tx REAL,
            matrix_c REAL, matrix_d REAL, matrix_ty REAL,
            bounds_min_x REAL, bounds_min_y REAL,
            bounds_width REAL, bounds_height REAL,
            status TEXT NOT NULL,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            applied_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_pyramids_content_hash ON pyramids(content_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_registrations_overlay_path ON registrations(overlay_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// PyramidRecord captures a persisted pyramid handle.
type PyramidRecord struct {
	ImagePath   string
	ContentHash string
	Width       int
	Height      int
	TileSize    int
	TilesX      int
	TilesY      int
	FromCache   bool
	FetchedAt   time.Time
}

// RegistrationRecord captures a persisted registration outcome.
type RegistrationRecord struct {
	ID          string
	OverlayPath string
	ContentHash string
	Matrix      geometry.AffineMatrix
	Bounds      geometry.Rect
	Status      string
	Error       string
	CreatedAt   time.Time
	AppliedAt   *time.Time
}

// RecordPyramid inserts or refreshes the handle for an image path.
func (s *Store) RecordPyramid(rec PyramidRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO pyramids (image_path, content_hash, width, height, tile_size, tiles_x, tiles_y, from_cache, fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		rec.ImagePath, rec.ContentHash, rec.Width, rec.Height, rec.TileSize, rec.TilesX, rec.TilesY, rec.FromCache)
	return err
}

// PyramidByPath fetches the handle recorded for an image path.
func (s *Store) PyramidByPath(imagePath string) (*PyramidRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT image_path, content_hash, width, height, tile_size, tiles_x, tiles_y, from_cache, fetched_at FROM pyramids WHERE image_path=?;`, imagePath)
	return scanPyramid(row)
}

// PyramidByHash fetches the handle recorded for a content hash.
func (s *Store) PyramidByHash(contentHash string) (*PyramidRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT image_path, content_hash, width, height, tile_size, tiles_x, tiles_y, from_cache, fetched_at FROM pyramids WHERE content_hash=? ORDER BY fetched_at DESC LIMIT 1;`, contentHash)
	return scanPyramid(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPyramid(row rowScanner) (*PyramidRecord, error) {
	var rec PyramidRecord
	var fetched sql.NullTime
	err := row.Scan(&rec.ImagePath, &rec.ContentHash, &rec.Width, &rec.Height, &rec.TileSize, &rec.TilesX, &rec.TilesY, &rec.FromCache, &fetched)
	if err != nil {
		return nil, err
	}
	if fetched.Valid {
		rec.FetchedAt = fetched.Time
	}
	return &rec, nil
}

// Pyramids returns the most recently fetched handles up to limit.
func (s *Store) Pyramids(limit int) ([]PyramidRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT image_path, content_hash, width, height, tile_size, tiles_x, tiles_y, from_cache, fetched_at FROM pyramids ORDER BY fetched_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PyramidRecord
	for rows.Next() {
		rec, err := scanPyramid(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// DeletePyramid drops the handle for an image path. Used when the watcher
// sees the source file change, so the next view re-requests metadata.
func (s *Store) DeletePyramid(imagePath string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM pyramids WHERE image_path=?;`, imagePath)
	return err
}

// RecordRegistration inserts a registration outcome.
func (s *Store) RecordRegistration(rec RegistrationRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO registrations (id, overlay_path, content_hash, matrix_a, matrix_b, matrix_tx, matrix_c, matrix_d, matrix_ty, bounds_min_x, bounds_min_y, bounds_width, bounds_height, status, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.OverlayPath, rec.ContentHash,
		rec.Matrix.A, rec.Matrix.B, rec.Matrix.TX, rec.Matrix.C, rec.Matrix.D, rec.Matrix.TY,
		rec.Bounds.MinX, rec.Bounds.MinY, rec.Bounds.Width, rec.Bounds.Height,
		rec.Status, rec.Error)
	return err
}

// MarkRegistrationApplied finalizes a registration as applied.
func (s *Store) MarkRegistrationApplied(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE registrations SET status='applied', error_message='', applied_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// MarkRegistrationFailed records a failed apply with the store's message.
func (s *Store) MarkRegistrationFailed(id string, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE registrations SET status='failed', error_message=? WHERE id=?;`, errMsg, id)
	return err
}

// RegistrationByID fetches one registration.
func (s *Store) RegistrationByID(id string) (*RegistrationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, overlay_path, content_hash, matrix_a, matrix_b, matrix_tx, matrix_c, matrix_d, matrix_ty, bounds_min_x, bounds_min_y, bounds_width, bounds_height, status, error_message, created_at, applied_at FROM registrations WHERE id=?;`, id)
	return scanRegistration(row)
}

// RecentRegistrations returns the latest registrations up to limit.
func (s *Store) RecentRegistrations(limit int) ([]RegistrationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, overlay_path, content_hash, matrix_a, matrix_b, matrix_tx, matrix_c, matrix_d, matrix_ty, bounds_min_x, bounds_min_y, bounds_width, bounds_height, status, error_message, created_at, applied_at FROM registrations ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RegistrationRecord
	for rows.Next() {
		rec, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanRegistration(row rowScanner) (*RegistrationRecord, error) {
	var rec RegistrationRecord
	var hash, errorMsg sql.NullString
	var created time.Time
	var applied sql.NullTime
	err := row.Scan(&rec.ID, &rec.OverlayPath, &hash,
		&rec.Matrix.A, &rec.Matrix.B, &rec.Matrix.TX, &rec.Matrix.C, &rec.Matrix.D, &rec.Matrix.TY,
		&rec.Bounds.MinX, &rec.Bounds.MinY, &rec.Bounds.Width, &rec.Bounds.Height,
		&rec.Status, &errorMsg, &created, &applied)
	if err != nil {
		return nil, err
	}
	if hash.Valid {
		rec.ContentHash = hash.String
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	rec.CreatedAt = created
	if applied.Valid {
		rec.AppliedAt = &applied.Time
	}
	return &rec, nil
}
