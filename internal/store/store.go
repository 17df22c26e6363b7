// Package store persists diagnosis records in SQLite and answers the
// fingerprint cache lookup. The table is append-only; repeated
// diagnoses of the same photo add history rows rather than updating.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultTTL is how long a cached diagnosis stays valid.
const DefaultTTL = 90 * 24 * time.Hour

// ModelPrediction is one audit entry: a raw model output with the
// canonical key it mapped to.
type ModelPrediction struct {
	Model string  `json:"model"`
	Label string  `json:"label"`
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// Candidate mirrors an aggregated key with its probability.
type Candidate struct {
	Key         string  `json:"key"`
	Probability float64 `json:"probability"`
}

// Record is one stored diagnosis.
type Record struct {
	ID          string
	OwnerID     string
	Fingerprint int64
	DiseaseKey  string
	// DiseaseLabel is the localized display form captured at
	// diagnosis time.
	DiseaseLabel string
	Score        float64
	Severity     string
	Candidates   []Candidate
	PerModel     []ModelPrediction
	UsedTTA      bool
	UsedZeroShot bool
	Cropped      bool
	Width        int
	Height       int
	ByteSize     int
	Thumbnail    []byte
	CreatedAt    time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS diagnoses (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	fingerprint INTEGER NOT NULL,
	disease_key TEXT NOT NULL,
	disease_label TEXT NOT NULL,
	score REAL NOT NULL,
	severity TEXT NOT NULL,
	candidates TEXT NOT NULL,
	per_model TEXT NOT NULL,
	used_tta INTEGER NOT NULL,
	used_zero_shot INTEGER NOT NULL,
	cropped INTEGER NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	byte_size INTEGER NOT NULL,
	thumbnail BLOB,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diagnoses_owner_fp
	ON diagnoses(owner_id, fingerprint, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_diagnoses_owner_created
	ON diagnoses(owner_id, created_at DESC);
`

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers unblocked during request-time writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save appends a record, assigning ID and CreatedAt when unset.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	candidates, err := json.Marshal(rec.Candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	perModel, err := json.Marshal(rec.PerModel)
	if err != nil {
		return fmt.Errorf("marshal per-model audit: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO diagnoses (
			id, owner_id, fingerprint, disease_key, disease_label,
			score, severity, candidates, per_model,
			used_tta, used_zero_shot, cropped,
			width, height, byte_size, thumbnail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Fingerprint, rec.DiseaseKey, rec.DiseaseLabel,
		rec.Score, rec.Severity, string(candidates), string(perModel),
		boolInt(rec.UsedTTA), boolInt(rec.UsedZeroShot), boolInt(rec.Cropped),
		rec.Width, rec.Height, rec.ByteSize, rec.Thumbnail, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert diagnosis: %w", err)
	}
	return nil
}

const selectColumns = `
	id, owner_id, fingerprint, disease_key, disease_label,
	score, severity, candidates, per_model,
	used_tta, used_zero_shot, cropped,
	width, height, byte_size, thumbnail, created_at`

// FindByOwnerAndFingerprint returns the newest record for the exact
// (owner, fingerprint) pair created at or after since. A miss returns
// (nil, nil).
func (s *Store) FindByOwnerAndFingerprint(ctx context.Context, owner string, fingerprint int64, since time.Time) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM diagnoses
		WHERE owner_id = ? AND fingerprint = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1`,
		owner, fingerprint, since.UnixMilli(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Get returns the record with the given ID, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM diagnoses WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListByOwner returns the owner's newest records, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM diagnoses
		WHERE owner_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query diagnoses: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagnoses: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		candidates string
		perModel   string
		usedTTA    int
		usedZS     int
		cropped    int
		createdAt  int64
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.Fingerprint, &rec.DiseaseKey, &rec.DiseaseLabel,
		&rec.Score, &rec.Severity, &candidates, &perModel,
		&usedTTA, &usedZS, &cropped,
		&rec.Width, &rec.Height, &rec.ByteSize, &rec.Thumbnail, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(candidates), &rec.Candidates); err != nil {
		return nil, fmt.Errorf("unmarshal candidates: %w", err)
	}
	if err := json.Unmarshal([]byte(perModel), &rec.PerModel); err != nil {
		return nil, fmt.Errorf("unmarshal per-model audit: %w", err)
	}
	rec.UsedTTA = usedTTA != 0
	rec.UsedZeroShot = usedZS != 0
	rec.Cropped = cropped != 0
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
