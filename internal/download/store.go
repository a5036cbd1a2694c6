package download

import (
	"context"
	"sync"

	"github.com/aakasharya8451/reduce/internal/logctx"
)

// Snapshot is the persisted and broadcast view of the store: the active
// set keyed by download id plus the ordered history of finished records.
type Snapshot struct {
	ActiveDownloads map[string]Record `json:"activeDownloads"`
	DownloadHistory []Record          `json:"downloadHistory"`
}

// Persister writes the full snapshot after every mutation. Writes are
// fire-and-forget; a failed write is logged and never blocks the caller.
type Persister interface {
	Save(ctx context.Context, snap *Snapshot) error
}

// Broadcaster fans a snapshot out to listening surfaces. Publishing to
// zero subscribers is a normal, silent outcome.
type Broadcaster interface {
	BroadcastDownloads(snap Snapshot)
}

// Store holds the authoritative download state. The intake coordinator
// is its sole writer; everything else reads through Snapshot.
type Store struct {
	mu      sync.RWMutex
	active  map[string]Record
	history []Record
	seq     uint64

	historyLimit int
	persister    Persister
	broadcaster  Broadcaster

	// persistMu serializes Save calls; persistedSeq is the sequence of
	// the newest snapshot written so far. Together they guarantee the
	// snapshot on disk never goes backwards even when a slow write
	// overlaps a later mutation.
	persistMu    sync.Mutex
	persistedSeq uint64
}

func NewStore(persister Persister, broadcaster Broadcaster, historyLimit int) *Store {
	return &Store{
		active:       make(map[string]Record),
		historyLimit: historyLimit,
		persister:    persister,
		broadcaster:  broadcaster,
	}
}

// Restore seeds the store from a previously persisted snapshot and
// re-broadcasts it. Called once at startup, before any events arrive.
func (s *Store) Restore(ctx context.Context, snap *Snapshot) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	if snap.ActiveDownloads != nil {
		s.active = make(map[string]Record, len(snap.ActiveDownloads))
		for id, rec := range snap.ActiveDownloads {
			s.active[id] = rec
		}
	}

	s.history = append([]Record(nil), snap.DownloadHistory...)
	s.seq++
	s.mu.Unlock()

	s.publish(ctx)
}

// UpsertActive creates or replaces the active record for rec.ID.
func (s *Store) UpsertActive(ctx context.Context, rec Record) {
	s.mu.Lock()
	s.active[rec.ID] = rec
	s.seq++
	s.mu.Unlock()

	s.publish(ctx)
}

// PatchFilename overwrites the filename of an active record in place.
// Returns false without side effects when the id is not tracked.
func (s *Store) PatchFilename(ctx context.Context, id, filename string) bool {
	s.mu.Lock()

	rec, ok := s.active[id]
	if !ok {
		s.mu.Unlock()

		return false
	}

	rec.Filename = filename
	s.active[id] = rec
	s.seq++
	s.mu.Unlock()

	s.publish(ctx)

	return true
}

// ApplyState overwrites the state of an active record. A terminal state
// moves the record to history in the same mutation. Unknown ids are
// ignored, which makes re-delivered terminal events no-ops.
func (s *Store) ApplyState(ctx context.Context, id string, state State) bool {
	s.mu.Lock()

	rec, ok := s.active[id]
	if !ok {
		s.mu.Unlock()

		return false
	}

	rec.State = state

	if state.Terminal() {
		s.moveLocked(rec)
	} else {
		s.active[id] = rec
	}

	s.seq++
	s.mu.Unlock()

	s.publish(ctx)

	return true
}

// MoveToHistory archives the active record for id as-is.
func (s *Store) MoveToHistory(ctx context.Context, id string) bool {
	s.mu.Lock()

	rec, ok := s.active[id]
	if !ok {
		s.mu.Unlock()

		return false
	}

	s.moveLocked(rec)
	s.seq++
	s.mu.Unlock()

	s.publish(ctx)

	return true
}

func (s *Store) moveLocked(rec Record) {
	delete(s.active, rec.ID)
	s.history = append(s.history, rec)

	if s.historyLimit > 0 && len(s.history) > s.historyLimit {
		s.history = append([]Record(nil), s.history[len(s.history)-s.historyLimit:]...)
	}
}

// Get returns a copy of the active record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.active[id]

	return rec, ok
}

// Snapshot returns a deep copy of the current active set and history.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	active := make(map[string]Record, len(s.active))
	for id, rec := range s.active {
		active[id] = rec
	}

	return Snapshot{
		ActiveDownloads: active,
		DownloadHistory: append([]Record(nil), s.history...),
	}
}

// publish persists and broadcasts the snapshot after a mutation. The
// persist runs on its own goroutine so slow storage never holds up the
// next event; in-memory state is authoritative. Saves are serialized
// and tagged with the mutation sequence, and a write that lost the race
// to a newer one is dropped, so after a clean shutdown the snapshot on
// disk matches the last mutation.
func (s *Store) publish(ctx context.Context) {
	s.mu.RLock()
	snap := s.snapshotLocked()
	seq := s.seq
	s.mu.RUnlock()

	if s.broadcaster != nil {
		s.broadcaster.BroadcastDownloads(snap)
	}

	if s.persister == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	go func() {
		s.persistMu.Lock()
		defer s.persistMu.Unlock()

		if seq <= s.persistedSeq {
			// A newer snapshot is already durable.
			return
		}

		if err := s.persister.Save(context.WithoutCancel(ctx), &snap); err != nil {
			logger.Error("failed to persist download state", "err", err)

			return
		}

		s.persistedSeq = seq
	}()
}
