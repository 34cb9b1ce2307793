package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// storeVersion is written into every state file.
const storeVersion = 1

// ErrCorruptStore is returned by Store.Load when the file exists but cannot
// be decoded. The returned map is empty and usable.
var ErrCorruptStore = errors.New("state store corrupt")

// storeFile is the on-disk layout of state.json.
type storeFile struct {
	Version  int                    `json:"version"`
	Projects map[string]storeRecord `json:"projects"`
}

type storeRecord struct {
	State           State  `json:"state"`
	StateChangedAt  string `json:"stateChangedAt,omitempty"`
	LastHookEventAt string `json:"lastHookEventAt,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	Blocker         string `json:"blocker,omitempty"`
}

// Store persists session records as a single JSON document. Every save
// replaces the whole file, so readers never see a partial write.
type Store struct {
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load reads every record. A missing file yields an empty map and no error.
// A corrupt file yields an empty map and an error wrapping ErrCorruptStore.
func (s *Store) Load() (map[string]Record, error) {
	out := make(map[string]Record)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	return decodeStore(data)
}

func decodeStore(data []byte) (map[string]Record, error) {
	out := make(map[string]Record)
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return out, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	if file.Version > storeVersion {
		return out, fmt.Errorf("%w: unsupported version %d", ErrCorruptStore, file.Version)
	}
	for path, sr := range file.Projects {
		rec := Record{
			ProjectPath: path,
			State:       sr.State,
			SessionID:   sr.SessionID,
			Blocker:     sr.Blocker,
		}
		var err error
		if rec.StateChangedAt, err = parseStoreTime(sr.StateChangedAt); err != nil {
			return make(map[string]Record), fmt.Errorf("%w: %s: %v", ErrCorruptStore, path, err)
		}
		if rec.LastHookEventAt, err = parseStoreTime(sr.LastHookEventAt); err != nil {
			return make(map[string]Record), fmt.Errorf("%w: %s: %v", ErrCorruptStore, path, err)
		}
		out[path] = rec
	}
	return out, nil
}

// Save writes recs atomically: temp file, fsync, rename.
func (s *Store) Save(recs map[string]Record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	file := storeFile{Version: storeVersion, Projects: make(map[string]storeRecord, len(recs))}
	keys := make([]string, 0, len(recs))
	for k := range recs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rec := recs[k]
		file.Projects[k] = storeRecord{
			State:           rec.State,
			StateChangedAt:  formatStoreTime(rec.StateChangedAt),
			LastHookEventAt: formatStoreTime(rec.LastHookEventAt),
			SessionID:       rec.SessionID,
			Blocker:         rec.Blocker,
		}
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func formatStoreTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoreTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
