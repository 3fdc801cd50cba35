package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"voxrec/log"
	"voxrec/record"
)

var ErrNotFound = errors.New("record not found")

// Store is the local record store. All records are held in memory as live
// snapshots; Update mutates them in place and Save flushes the dirty ones
// to sqlite. Revisions are immutable and written through immediately.
type Store struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	live    map[string]*record.Snapshot
	dirty   map[string]bool
	deleted map[string]bool
}

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		path:    path,
		live:    make(map[string]*record.Snapshot),
		dirty:   make(map[string]bool),
		deleted: make(map[string]bool),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		remote_id TEXT,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_remote ON records(kind, remote_id);

	CREATE TABLE IF NOT EXISTS revisions (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		data BLOB NOT NULL,
		superseded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_revisions_record ON revisions(record_id, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT id, data FROM records`)
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return err
		}
		var snap record.Snapshot
		if err := msgpack.Unmarshal(data, &snap); err != nil {
			log.Warnf("store: skipping undecodable record %s: %v", id, err)
			continue
		}
		s.live[id] = &snap
	}
	return rows.Err()
}

// Insert adds a record, assigning a local ID when it has none.
func (s *Store) Insert(snap record.Snapshot) (record.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Meta.ID == "" {
		snap.Meta.ID = uuid.NewString()
	}
	if _, ok := s.live[snap.Meta.ID]; ok {
		return record.Snapshot{}, fmt.Errorf("record %s already exists", snap.Meta.ID)
	}
	if snap.Meta.UpdatedAt.IsZero() {
		snap.Meta.UpdatedAt = time.Now()
	}
	snap.Values = snap.Values.Clone()
	s.live[snap.Meta.ID] = &snap
	s.dirty[snap.Meta.ID] = true
	delete(s.deleted, snap.Meta.ID)
	return snap, nil
}

// Update mutates the live record in place and marks it for the next Save.
func (s *Store) Update(id string, mutate func(*record.Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.live[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	mutate(snap)
	snap.Meta.ID = id
	s.dirty[id] = true
	return nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(s.live, id)
	delete(s.dirty, id)
	s.deleted[id] = true
	return nil
}

func (s *Store) FetchByID(id string) (record.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.live[id]
	if !ok {
		return record.Snapshot{}, fmt.Errorf("fetch %s: %w", id, ErrNotFound)
	}
	return copySnapshot(snap), nil
}

func (s *Store) FetchByRemoteID(kind record.Kind, remoteID string) (record.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range s.live {
		if snap.Kind == kind && snap.Meta.RemoteID == remoteID && remoteID != "" {
			return copySnapshot(snap), nil
		}
	}
	return record.Snapshot{}, fmt.Errorf("fetch %s/%s: %w", kind, remoteID, ErrNotFound)
}

// List returns the records of one kind ordered by most recent update.
func (s *Store) List(kind record.Kind) []record.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []record.Snapshot
	for _, snap := range s.live {
		if snap.Kind == kind {
			out = append(out, copySnapshot(snap))
		}
	}
	slices.SortFunc(out, func(a, b record.Snapshot) int {
		return b.Meta.UpdatedAt.Compare(a.Meta.UpdatedAt)
	})
	return out
}

// Save flushes pending inserts, updates and deletions. A failed flush
// leaves the pending set intact so the next Save retries it; the in-memory
// state stays authoritative either way.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dirty) == 0 && len(s.deleted) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		log.Warnf("store: save begin failed: %v", err)
		return fmt.Errorf("save: %w", err)
	}
	defer tx.Rollback()

	for id := range s.deleted {
		if _, err := tx.Exec(`DELETE FROM records WHERE id = ?`, id); err != nil {
			log.Warnf("store: delete %s failed: %v", id, err)
			return fmt.Errorf("save: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM revisions WHERE record_id = ?`, id); err != nil {
			log.Warnf("store: delete revisions of %s failed: %v", id, err)
			return fmt.Errorf("save: %w", err)
		}
	}
	for id := range s.dirty {
		snap := s.live[id]
		data, err := msgpack.Marshal(snap)
		if err != nil {
			log.Warnf("store: encode %s failed: %v", id, err)
			return fmt.Errorf("save: encode %s: %w", id, err)
		}
		_, err = tx.Exec(`INSERT INTO records (id, kind, remote_id, data, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, remote_id = excluded.remote_id,
			data = excluded.data, updated_at = excluded.updated_at`,
			id, string(snap.Kind), snap.Meta.RemoteID, data, snap.Meta.UpdatedAt.UnixMilli())
		if err != nil {
			log.Warnf("store: write %s failed: %v", id, err)
			return fmt.Errorf("save: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Warnf("store: save commit failed: %v", err)
		return fmt.Errorf("save: %w", err)
	}

	clear(s.dirty)
	clear(s.deleted)
	return nil
}

// AppendRevision persists a revision and marks every earlier revision of
// the same record superseded.
func (s *Store) AppendRevision(rev record.Revision) error {
	data, err := msgpack.Marshal(rev)
	if err != nil {
		return fmt.Errorf("encode revision: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM revisions WHERE record_id = ?`, rev.RecordID).Scan(&seq); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE revisions SET superseded = 1 WHERE record_id = ? AND superseded = 0`, rev.RecordID); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO revisions (id, record_id, seq, data, superseded, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.RecordID, seq+1, data, rev.Superseded, rev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return tx.Commit()
}

// Revisions returns a record's timeline, oldest first.
func (s *Store) Revisions(recordID string) ([]record.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT data, superseded FROM revisions WHERE record_id = ? ORDER BY seq`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var out []record.Revision
	for rows.Next() {
		var data []byte
		var superseded bool
		if err := rows.Scan(&data, &superseded); err != nil {
			return nil, err
		}
		var rev record.Revision
		if err := msgpack.Unmarshal(data, &rev); err != nil {
			return nil, fmt.Errorf("decode revision: %w", err)
		}
		rev.Superseded = superseded
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if err := s.Save(); err != nil {
		log.Warnf("store: final save failed: %v", err)
	}
	return s.db.Close()
}

func copySnapshot(snap *record.Snapshot) record.Snapshot {
	out := *snap
	out.Values = snap.Values.Clone()
	return out
}
