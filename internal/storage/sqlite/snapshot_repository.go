package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aakasharya8451/reduce/internal/download"
	"github.com/aakasharya8451/reduce/internal/storage"
)

const snapshotKey = "downloads"

// SnapshotRepository stores the download snapshot as a single JSON
// record in a key/value table.
type SnapshotRepository struct {
	db *sql.DB
}

func NewSnapshotRepository(dbConn *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: dbConn}
}

// Load reads the persisted snapshot. Returns storage.ErrNoSnapshot when
// nothing has been stored yet.
func (r *SnapshotRepository) Load(ctx context.Context) (*download.Snapshot, error) {
	var payload []byte

	err := r.db.QueryRowContext(ctx, `SELECT payload FROM state WHERE key = ?`, snapshotKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNoSnapshot
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap download.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return &snap, nil
}

// Save rewrites the persisted snapshot in place.
func (r *SnapshotRepository) Save(ctx context.Context, snap *download.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO state (key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, snapshotKey, payload, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}
