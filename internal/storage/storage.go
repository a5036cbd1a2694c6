package storage

import (
	"context"
	"errors"

	"github.com/aakasharya8451/reduce/internal/download"
)

// ErrNoSnapshot signals that no state has been persisted yet. Startup
// treats it as a fresh install, not a failure.
var ErrNoSnapshot = errors.New("no snapshot stored")

// SnapshotRepository persists the full download state as a single
// record, rewritten on every mutation and read once at startup.
type SnapshotRepository interface {
	Load(ctx context.Context) (*download.Snapshot, error)
	Save(ctx context.Context, snap *download.Snapshot) error
}
