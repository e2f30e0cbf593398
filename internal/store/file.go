package store

// The file-backed lead store keeps one JSON document per lead plus its previous
// generation, written with a staged rename.

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	leadFileExt     = ".json"
	backupFileExt   = ".json.bak"
	stagingFileExt  = ".json.tmp"
	quarantineDir   = "quarantine"
	leadFilePerms   = 0o600
	stateDirPerms   = 0o700
	leadsSubdirName = "leads"
)

// FileStore keeps lead records as JSON files under a state directory. Versions are
// tracked in process; the state directory lock guarantees a single writer process.
type FileStore struct {
	dir      string
	mu       sync.Mutex
	versions map[string]int64
}

var _ LeadRepo = (*FileStore)(nil)

// NewFileStore creates the state directory layout and returns the store.
func NewFileStore(opts ...Option) (*FileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state directory not set")
	}
	dir := filepath.Join(cfg.StateDir, leadsSubdirName)
	if err := os.MkdirAll(filepath.Join(dir, quarantineDir), stateDirPerms); err != nil {
		slog.Error("FileStore: failed to create state directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	slog.Debug("FileStore initialized", "dir", dir)
	return &FileStore{dir: dir, versions: map[string]int64{}}, nil
}

func (s *FileStore) path(userID, ext string) string {
	return filepath.Join(s.dir, userID+ext)
}

func (s *FileStore) GetLead(ctx context.Context, userID string) (*LeadSnapshot, error) {
	if err := ValidateKey(userID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, curInfo, err := readOptional(s.path(userID, leadFileExt))
	if err != nil {
		return nil, err
	}
	backup, bakInfo, err := readOptional(s.path(userID, backupFileExt))
	if err != nil {
		return nil, err
	}
	if current == nil && backup == nil {
		return nil, nil
	}
	snap := &LeadSnapshot{
		UserID:  userID,
		Current: current,
		Backup:  backup,
		Version: s.versionLocked(userID),
	}
	switch {
	case curInfo != nil:
		snap.UpdatedAt = curInfo.ModTime()
	case bakInfo != nil:
		snap.UpdatedAt = bakInfo.ModTime()
	}
	return snap, nil
}

// versionLocked returns the in-process version, seeding it to 1 for files written by
// an earlier process.
func (s *FileStore) versionLocked(userID string) int64 {
	if v, ok := s.versions[userID]; ok {
		return v
	}
	var v int64
	if exists(s.path(userID, leadFileExt)) || exists(s.path(userID, backupFileExt)) {
		v = 1
	}
	s.versions[userID] = v
	return v
}

func (s *FileStore) PutLead(ctx context.Context, userID string, data []byte, expectedVersion int64) (int64, error) {
	return s.write(ctx, userID, data, expectedVersion, true)
}

func (s *FileStore) ReplaceLead(ctx context.Context, userID string, data []byte, expectedVersion int64) (int64, error) {
	return s.write(ctx, userID, data, expectedVersion, false)
}

func (s *FileStore) write(ctx context.Context, userID string, data []byte, expectedVersion int64, keepBackup bool) (int64, error) {
	if err := ValidateKey(userID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.versionLocked(userID)
	if version != expectedVersion {
		return 0, fmt.Errorf("%w: user %s expected %d, found %d", ErrVersionConflict, userID, expectedVersion, version)
	}

	canonical := s.path(userID, leadFileExt)
	staging := s.path(userID, stagingFileExt)
	backup := s.path(userID, backupFileExt)

	if err := writeSynced(staging, data); err != nil {
		slog.Error("FileStore: staging write failed", "error", err, "userID", userID)
		return 0, err
	}
	if keepBackup {
		if exists(canonical) {
			if err := os.Rename(canonical, backup); err != nil {
				_ = os.Remove(staging)
				return 0, fmt.Errorf("failed to rotate backup for %s: %w", userID, err)
			}
		}
	} else if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = os.Remove(staging)
		return 0, fmt.Errorf("failed to drop backup for %s: %w", userID, err)
	}
	if err := os.Rename(staging, canonical); err != nil {
		return 0, fmt.Errorf("failed to commit lead %s: %w", userID, err)
	}
	syncDir(s.dir)

	s.versions[userID] = version + 1
	slog.Debug("FileStore: lead written", "userID", userID, "version", version+1, "keepBackup", keepBackup)
	return version + 1, nil
}

func (s *FileStore) QuarantineLead(ctx context.Context, userID string, data []byte, reason string) error {
	if err := ValidateKey(userID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	base := filepath.Join(s.dir, quarantineDir, userID+"."+stamp)
	if err := writeSynced(base+leadFileExt, data); err != nil {
		return fmt.Errorf("failed to quarantine lead %s: %w", userID, err)
	}
	if err := writeSynced(base+".reason", []byte(reason+"\n")); err != nil {
		return fmt.Errorf("failed to record quarantine reason for %s: %w", userID, err)
	}
	slog.Warn("FileStore: lead content quarantined", "userID", userID, "path", base+leadFileExt, "reason", reason)
	return nil
}

func (s *FileStore) ListLeads(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, leadFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, leadFileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Close() error { return nil }

func readOptional(path string) ([]byte, fs.FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, info, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, leadFilePerms)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return f.Close()
}

// syncDir flushes directory entries after a rename. Errors are ignored; some
// filesystems do not support syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
