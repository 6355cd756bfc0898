// Package persistence implements atomic, crash-safe JSON snapshot/load with
// rolling backups and per-path locking, grounded on the teacher's directory
// bootstrap conventions (pkg/core/store_init.go) and its encode/decode
// discipline (internal/encoding), generalized from SQLite rows to whole JSON
// documents per the persisted file layout.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/haloforge/memengine/pkg/memerr"
	"github.com/haloforge/memengine/pkg/memlog"
)

// Config configures a Store.
type Config struct {
	DataDir           string
	BackupKeepTemp    int // default 3; not read by Store: the Windows replace path's rename-aside files are not pruned
	BackupKeepHourly  int // hourly timestamped backups kept, default 10
	LoadRetries       int
	LoadRetryBackoff  time.Duration
	ReplaceMaxRetries int
	Logger            memlog.Logger
}

// DefaultConfig returns the spec's recommended defaults (§4.4).
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir: dataDir, BackupKeepTemp: 3, BackupKeepHourly: 10,
		LoadRetries: 3, LoadRetryBackoff: 100 * time.Millisecond,
		ReplaceMaxRetries: 5, Logger: memlog.Nop(),
	}
}

// Store coordinates atomic JSON file writes under a single data directory.
type Store struct {
	cfg Config

	mu        sync.Mutex // guards pathLocks
	pathLocks map[string]*sync.Mutex
}

// New creates a Store, ensuring DataDir and its backups/ subdirectory exist.
func New(cfg Config) (*Store, error) {
	const op = "persistence.New"
	if cfg.Logger == nil {
		cfg.Logger = memlog.Nop()
	}
	if cfg.LoadRetries <= 0 {
		cfg.LoadRetries = 3
	}
	if cfg.LoadRetryBackoff <= 0 {
		cfg.LoadRetryBackoff = 100 * time.Millisecond
	}
	if cfg.ReplaceMaxRetries <= 0 {
		cfg.ReplaceMaxRetries = 5
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, memerr.Wrap(op, err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "backups"), 0o755); err != nil {
		return nil, memerr.Wrap(op, err)
	}
	return &Store{cfg: cfg, pathLocks: make(map[string]*sync.Mutex)}, nil
}

// Path joins a relative file name onto the data directory.
func (s *Store) Path(name string) string { return filepath.Join(s.cfg.DataDir, name) }

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pathLocks[path]
	if !ok {
		m = &sync.Mutex{}
		s.pathLocks[path] = m
	}
	return m
}

// SaveJSON atomically writes v as JSON to path: write to path+".tmp", then
// atomically replace path with the tmp file (rename on POSIX; on Windows a
// backoff-retried rename that, on failure, renames path aside to a
// ".bak_HHMMSS" file and renames the tmp file in — path is never unlinked
// first). A crash
// between the tmp write and the replace never leaves path partially written.
func (s *Store) SaveJSON(_ context.Context, path string, v any) error {
	const op = "persistence.SaveJSON"
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return memerr.Wrap(op, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return memerr.Wrap(op, err)
	}

	if err := s.atomicReplace(tmp, path); err != nil {
		return memerr.Wrap(op, err)
	}
	return nil
}

func (s *Store) atomicReplace(tmp, dst string) error {
	if runtime.GOOS != "windows" {
		return os.Rename(tmp, dst)
	}
	// Windows: os.Rename fails if dst exists and is open elsewhere. Retry a
	// rename-aside-then-rename-in dance with exponential backoff, matching
	// the spec's ≤5-attempt heuristic (open question 4, recorded in
	// DESIGN.md).
	var lastErr error
	backoff := 20 * time.Millisecond
	for attempt := 0; attempt < s.cfg.ReplaceMaxRetries; attempt++ {
		if err := os.Rename(tmp, dst); err == nil {
			return nil
		} else {
			lastErr = err
		}
		aside := fmt.Sprintf("%s.bak_%s", dst, time.Now().Format("150405"))
		_ = os.Rename(dst, aside)
		if err := os.Rename(tmp, dst); err == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("persistence: atomic replace failed after retries: %w", lastErr)
}

// LoadJSON reads and decodes path into v, retrying transient IO/decode
// failures up to cfg.LoadRetries times with cfg.LoadRetryBackoff between
// attempts. On persistent failure it attempts recovery from the most recent
// backup of the same base name.
func (s *Store) LoadJSON(_ context.Context, path string, v any) error {
	const op = "persistence.LoadJSON"
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < s.cfg.LoadRetries; attempt++ {
		b, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			time.Sleep(s.cfg.LoadRetryBackoff)
			continue
		}
		if err := json.Unmarshal(b, v); err != nil {
			lastErr = err
			time.Sleep(s.cfg.LoadRetryBackoff)
			continue
		}
		return nil
	}

	if backupPath, ok := s.latestBackup(path); ok {
		b, err := os.ReadFile(backupPath)
		if err == nil {
			if err := json.Unmarshal(b, v); err == nil {
				s.cfg.Logger.Warn("recovered from backup after load failure", "path", path, "backup", backupPath, "cause", lastErr)
				return nil
			}
		}
	}

	if os.IsNotExist(lastErr) {
		return memerr.NotFound(op, path)
	}
	return memerr.Wrap(op, lastErr)
}

// Backup copies path into the backups/ subdirectory with a timestamped name,
// then prunes older backups of the same base name beyond keep.
func (s *Store) Backup(path string, keep int) error {
	const op = "persistence.Backup"
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return memerr.Wrap(op, err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	name := fmt.Sprintf("%s_%s%s", stem, time.Now().Format("20060102T150405"), ext)
	dst := filepath.Join(s.cfg.DataDir, "backups", name)

	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return memerr.Wrap(op, err)
	}
	return s.pruneBackups(stem, ext, keep)
}

func (s *Store) pruneBackups(stem, ext string, keep int) error {
	dir := filepath.Join(s.cfg.DataDir, "backups")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > len(stem) && name[:len(stem)] == stem && filepath.Ext(name) == ext {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches) // timestamp-suffixed names sort chronologically
	if len(matches) <= keep {
		return nil
	}
	for _, name := range matches[:len(matches)-keep] {
		_ = os.Remove(filepath.Join(dir, name))
	}
	return nil
}

func (s *Store) latestBackup(path string) (string, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	dir := filepath.Join(s.cfg.DataDir, "backups")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var best string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > len(stem) && name[:len(stem)] == stem && filepath.Ext(name) == ext {
			if name > best {
				best = name
			}
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(dir, best), true
}
