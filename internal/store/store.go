// Package store provides storage backends for FunnelPipe lead records.
//
// Every backend implements LeadRepo, a keyed compare-and-swap abstraction over raw
// record bytes that keeps one backup generation per lead. Decoding and validation
// happen above this layer, in the memory package.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrVersionConflict is returned when a compare-and-swap write observes a version
// other than the one the caller expected.
var ErrVersionConflict = errors.New("lead version conflict")

// ErrInvalidKey is returned for user ids that cannot be used as storage keys.
var ErrInvalidKey = errors.New("invalid lead key")

// LeadSnapshot is the raw persisted state of one lead.
type LeadSnapshot struct {
	UserID    string
	Current   []byte // nil when only a backup survived
	Backup    []byte // nil when no previous generation exists
	Version   int64
	UpdatedAt time.Time
}

// LeadRepo is the keyed CAS store for lead records.
type LeadRepo interface {
	// GetLead returns the stored snapshot, or nil when the lead has never been written.
	GetLead(ctx context.Context, userID string) (*LeadSnapshot, error)
	// PutLead writes data as the current generation, moving the previous current
	// content into the backup slot. expectedVersion 0 means the lead must not exist.
	PutLead(ctx context.Context, userID string, data []byte, expectedVersion int64) (int64, error)
	// ReplaceLead writes data as the current generation and clears the backup. It is
	// used when the previous content is known to be unusable.
	ReplaceLead(ctx context.Context, userID string, data []byte, expectedVersion int64) (int64, error)
	// QuarantineLead preserves unreadable content for later inspection.
	QuarantineLead(ctx context.Context, userID string, data []byte, reason string) error
	// ListLeads returns every stored user id in lexical order.
	ListLeads(ctx context.Context) ([]string, error)
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN      string // database connection string or SQLite file path
	StateDir string // root directory of the file backend
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN is an alias of WithDSN kept for readability at call sites.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithStateDir sets the file backend directory.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" for
// connection URLs and key=value strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// ValidateKey rejects user ids that are empty or could escape a storage namespace.
func ValidateKey(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidKey)
	}
	if url.PathEscape(userID) != userID || strings.Contains(userID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, userID)
	}
	return nil
}

// InMemoryStore keeps lead records and dedup entries in process memory.
type InMemoryStore struct {
	mu         sync.Mutex
	leads      map[string]*LeadSnapshot
	quarantine map[string][][]byte
	dedup      map[string]*DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		leads:      map[string]*LeadSnapshot{},
		quarantine: map[string][][]byte{},
		dedup:      map[string]*DedupRecord{},
	}
}

var (
	_ LeadRepo  = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) GetLead(_ context.Context, userID string) (*LeadSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.leads[userID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	cp.Current = cloneBytes(snap.Current)
	cp.Backup = cloneBytes(snap.Backup)
	return &cp, nil
}

func (s *InMemoryStore) PutLead(_ context.Context, userID string, data []byte, expectedVersion int64) (int64, error) {
	return s.write(userID, data, expectedVersion, true)
}

func (s *InMemoryStore) ReplaceLead(_ context.Context, userID string, data []byte, expectedVersion int64) (int64, error) {
	return s.write(userID, data, expectedVersion, false)
}

func (s *InMemoryStore) write(userID string, data []byte, expectedVersion int64, keepBackup bool) (int64, error) {
	if err := ValidateKey(userID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.leads[userID]
	var version int64
	if ok {
		version = snap.Version
	}
	if version != expectedVersion {
		return 0, fmt.Errorf("%w: user %s expected %d, found %d", ErrVersionConflict, userID, expectedVersion, version)
	}
	next := &LeadSnapshot{
		UserID:    userID,
		Current:   cloneBytes(data),
		Version:   version + 1,
		UpdatedAt: time.Now(),
	}
	if keepBackup && ok {
		next.Backup = snap.Current
	}
	s.leads[userID] = next
	return next.Version, nil
}

func (s *InMemoryStore) QuarantineLead(_ context.Context, userID string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine[userID] = append(s.quarantine[userID], cloneBytes(data))
	return nil
}

// Quarantined returns the quarantined generations for a lead.
func (s *InMemoryStore) Quarantined(userID string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantine[userID]
}

// Corrupt overwrites the raw stored bytes of a lead; tests use it to simulate damage.
func (s *InMemoryStore) Corrupt(userID string, current, backup []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.leads[userID]
	if !ok {
		snap = &LeadSnapshot{UserID: userID, Version: 1, UpdatedAt: time.Now()}
		s.leads[userID] = snap
	}
	snap.Current = cloneBytes(current)
	snap.Backup = cloneBytes(backup)
}

func (s *InMemoryStore) ListLeads(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.leads))
	for id := range s.leads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
