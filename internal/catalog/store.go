package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"starbash/internal/errs"
)

// Store wraps SQLite-backed persistence for images and sessions.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the catalog database at path and ensures schema.
func New(path string) (*Store, error) {
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
		`CREATE TABLE IF NOT EXISTS images (
			path TEXT PRIMARY KEY,
			repo_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			observed_at TIMESTAMP,
			exposure_sec REAL,
			gain INTEGER,
			binning INTEGER,
			filter TEXT,
			target TEXT,
			instrument TEXT,
			camera_id TEXT,
			width INTEGER,
			height INTEGER,
			bayer_pattern TEXT,
			latitude REAL,
			longitude REAL,
			stack_count INTEGER DEFAULT 1,
			meta_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_images_target_filter_kind ON images(target, filter, kind);`,
		`CREATE INDEX IF NOT EXISTS idx_images_observed_at ON images(observed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_images_repo ON images(repo_id);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			instrument TEXT,
			filter TEXT,
			kind TEXT NOT NULL,
			date TEXT NOT NULL,
			exposure_sec REAL,
			gain INTEGER,
			binning INTEGER,
			camera_id TEXT,
			width INTEGER,
			height INTEGER,
			frame_count INTEGER,
			total_exp_sec REAL,
			start_at TIMESTAMP,
			end_at TIMESTAMP,
			from_masters BOOLEAN,
			bayer_pattern TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_kind ON sessions(kind);`,
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

// UpsertImage inserts or replaces an ImageRecord, keyed by path. Fails
// with ErrSchemaError if dimensions or observed-at are missing (spec
// §4.1); callers are expected to have already run §6.1 fallback
// inference before calling this.
func (s *Store) UpsertImage(rec ImageRecord) error {
	if rec.Width <= 0 || rec.Height <= 0 || rec.ObservedAt.IsZero() {
		return errs.Wrap(errs.ErrSchemaError, fmt.Sprintf("image %s missing dimensions or observed-at", rec.Path))
	}
	if rec.Kind == "" {
		return errs.Wrap(errs.ErrSchemaError, fmt.Sprintf("image %s missing kind", rec.Path))
	}
	if rec.StackCount <= 0 {
		rec.StackCount = 1
	}
	metaJSON, err := json.Marshal(rec.Meta)
	if err != nil {
		return errs.Wrap(err, "marshal image metadata")
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO images
		(path, repo_id, kind, observed_at, exposure_sec, gain, binning, filter, target, instrument,
		 camera_id, width, height, bayer_pattern, latitude, longitude, stack_count, meta_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);`,
		rec.Path, rec.RepoID, string(rec.Kind), rec.ObservedAt, rec.ExposureSec, rec.Gain, rec.Binning,
		normalizeLabel(rec.Filter), normalizeLabel(rec.Target), normalizeLabel(rec.Instrument),
		normalizeLabel(rec.CameraID), rec.Width, rec.Height, rec.BayerPattern,
		nullableFloat(rec.Latitude), nullableFloat(rec.Longitude), rec.StackCount, string(metaJSON))
	return err
}

// RemoveRepo deletes all images owned by repoID and any sessions
// reduced to zero members (spec §4.1).
func (s *Store) RemoveRepo(repoID string) error {
	if _, err := s.DB.Exec(`DELETE FROM images WHERE repo_id = ?;`, repoID); err != nil {
		return err
	}
	return s.RebuildSessions()
}

// CountImages returns the number of rows in images, used by the
// idempotent-reindex testable property (spec §8).
func (s *Store) CountImages() (int, error) {
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM images;`).Scan(&n)
	return n, err
}

// CountSessions returns the number of rows in sessions.
func (s *Store) CountSessions() (int, error) {
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM sessions;`).Scan(&n)
	return n, err
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func scanImage(row interface{ Scan(dest ...any) error }) (ImageRecord, error) {
	var rec ImageRecord
	var kind, metaJSON string
	var bayer sql.NullString
	var lat, lon sql.NullFloat64
	var observedAt time.Time
	err := row.Scan(&rec.Path, &rec.RepoID, &kind, &observedAt, &rec.ExposureSec, &rec.Gain, &rec.Binning,
		&rec.Filter, &rec.Target, &rec.Instrument, &rec.CameraID, &rec.Width, &rec.Height,
		&bayer, &lat, &lon, &rec.StackCount, &metaJSON)
	if err != nil {
		return rec, err
	}
	rec.Kind = ImageKind(kind)
	rec.ObservedAt = observedAt
	rec.BayerPattern = bayer.String
	if lat.Valid {
		v := lat.Float64
		rec.Latitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		rec.Longitude = &v
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &rec.Meta)
	}
	return rec, nil
}

const imageColumns = `path, repo_id, kind, observed_at, exposure_sec, gain, binning, filter, target, instrument,
		camera_id, width, height, bayer_pattern, latitude, longitude, stack_count, meta_json`
