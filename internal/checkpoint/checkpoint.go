// Package checkpoint persists per-table resume state for cursor-paginated
// downloads, so an interrupted sync restarts at most one chunk back.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AT020993/knesset-refactor-sub000/internal/logging"
)

// NoKey is the cursor value for a table that has never been fetched:
// the first chunk filters on primary key > -1.
const NoKey int64 = -1

// Entry tracks how far a table's cursor download has progressed.
type Entry struct {
	LastPrimaryKey int64     `json:"last_pk"`
	TotalRows      int64     `json:"total_rows"`
	ChunkSize      int       `json:"chunk_size"`
	LastUpdate     time.Time `json:"last_update"`
}

// UnmarshalJSON upgrades the legacy encoding where an entry was a bare
// integer holding only the last primary key.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var legacy int64
	if err := json.Unmarshal(data, &legacy); err == nil {
		*e = Entry{LastPrimaryKey: legacy}
		return nil
	}

	type entry Entry // avoid recursion
	var full entry
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	*e = Entry(full)
	return nil
}

// Store manages the checkpoint file. Safe for concurrent use; every
// successful Save rewrites the whole file atomically so a crash mid-write
// cannot corrupt entries for other tables.
type Store struct {
	path    string
	mu      sync.Mutex
	entries map[string]Entry
}

// NewStore creates a store backed by the file at path. The file is read
// on first Load, not here.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		entries: make(map[string]Entry),
	}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the checkpoint file into memory and returns a copy of the
// entries. A missing file, unreadable file, or undecodable content is
// never an error: resuming from scratch is always a safe fallback, so
// those cases log a warning and return an empty map.
func (s *Store) Load() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]Entry)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("checkpoint: reading %s: %v (starting fresh)", s.path, err)
		}
		return s.copyEntries()
	}

	if err := json.Unmarshal(data, &s.entries); err != nil {
		logging.Warn("checkpoint: parsing %s: %v (starting fresh)", s.path, err)
		s.entries = make(map[string]Entry)
	}
	return s.copyEntries()
}

// Get returns the entry for a table. Absence means the table is either
// done or was never started; callers begin from NoKey.
func (s *Store) Get(table string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[table]
	return e, ok
}

// Save merges the update for one table, stamps it with the current time,
// and rewrites the checkpoint file. Called after every successfully
// fetched chunk.
func (s *Store) Save(table string, lastPrimaryKey, totalRows int64, chunkSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[table] = Entry{
		LastPrimaryKey: lastPrimaryKey,
		TotalRows:      totalRows,
		ChunkSize:      chunkSize,
		LastUpdate:     time.Now().UTC(),
	}
	return s.flush()
}

// Clear removes a table's entry once its download completes. Clearing an
// absent entry is a no-op.
func (s *Store) Clear(table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[table]; !ok {
		return nil
	}
	delete(s.entries, table)
	return s.flush()
}

// flush must be called with the mutex held. It writes to a temp file in
// the same directory and renames it over the checkpoint file.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

func (s *Store) copyEntries() map[string]Entry {
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
