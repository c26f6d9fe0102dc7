// Package selstore persists selection snapshots using SQLite.
package selstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/selection"
)

// Snapshot is a saved selection: its description and, when loaded with
// masks, the per-tile bitmaps it evaluated to.
type Snapshot struct {
	ID        string            `json:"id"`
	Dataset   string            `json:"dataset"`
	Name      string            `json:"name"`
	Summary   selection.Summary `json:"summary"`
	CreatedAt time.Time         `json:"created_at"`
	Masks     selection.Masks   `json:"-"`
}

// Store provides persistent storage for selection snapshots using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based selection store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS selections (
		id TEXT PRIMARY KEY,
		dataset TEXT NOT NULL,
		name TEXT NOT NULL,
		summary_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_selections_dataset ON selections(dataset);

	CREATE TABLE IF NOT EXISTS selection_masks (
		selection_id TEXT NOT NULL,
		tile TEXT NOT NULL,
		mask BLOB NOT NULL,
		PRIMARY KEY (selection_id, tile),
		FOREIGN KEY (selection_id) REFERENCES selections(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save stores every evaluated mask of sel under a new id.
func (s *Store) Save(ctx context.Context, sel *selection.Selection) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        uuid.NewString(),
		Dataset:   sel.Dataset().Name(),
		Name:      sel.Name(),
		Summary:   sel.Summary(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Masks:     sel.Masks(),
	}
	summaryJSON, err := json.Marshal(snap.Summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal summary: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO selections (id, dataset, name, summary_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, snap.ID, snap.Dataset, snap.Name, string(summaryJSON), snap.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO selection_masks (selection_id, tile, mask) VALUES (?, ?, ?)
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for key, bm := range snap.Masks {
		data, err := bm.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize mask of tile %s: %w", key, err)
		}
		if _, err := stmt.ExecContext(ctx, snap.ID, key.String(), data); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Get retrieves a snapshot with its masks. A missing id returns nil.
func (s *Store) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, dataset, name, summary_json, created_at FROM selections WHERE id = ?
	`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tile, mask FROM selection_masks WHERE selection_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap.Masks = make(selection.Masks)
	for rows.Next() {
		var tile string
		var data []byte
		if err := rows.Scan(&tile, &data); err != nil {
			return nil, err
		}
		key, err := dataset.ParseKey(tile)
		if err != nil {
			return nil, fmt.Errorf("failed to parse tile key: %w", err)
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("failed to decode mask of tile %s: %w", tile, err)
		}
		snap.Masks[key] = bm
	}
	return snap, rows.Err()
}

// Load restores snapshot id as a leaf selection over ds named name. Tiles the
// snapshot never evaluated select nothing.
func (s *Store) Load(ctx context.Context, ds *dataset.Dataset, id, name string, opts selection.Options) (*selection.Selection, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("selection snapshot %q: %w", id, selection.ErrInvalidSelection)
	}
	if snap.Dataset != ds.Name() {
		return nil, fmt.Errorf("snapshot %q belongs to dataset %q: %w", id, snap.Dataset, selection.ErrInvalidSelection)
	}
	if name == "" {
		name = snap.Name
	}
	return selection.New(ds, name, snap.Masks, opts)
}

// ListByDataset returns the snapshots of a dataset, newest first, without
// masks.
func (s *Store) ListByDataset(ctx context.Context, datasetName string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset, name, summary_json, created_at
		FROM selections WHERE dataset = ?
		ORDER BY created_at DESC, name ASC
	`, datasetName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes a snapshot and its masks.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM selection_masks WHERE selection_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM selections WHERE id = ?", id)
	return err
}

// DeleteExpired deletes snapshots older than retentionDays.
func (s *Store) DeleteExpired(ctx context.Context, retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM selection_masks WHERE selection_id IN (
			SELECT id FROM selections WHERE created_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM selections WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var snap Snapshot
	var summaryJSON, createdAt string
	if err := row.Scan(&snap.ID, &snap.Dataset, &snap.Name, &summaryJSON, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(summaryJSON), &snap.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
	}
	snap.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &snap, nil
}
