// Package memory is the lead memory store: it loads, validates, repairs and
// atomically updates LeadRecords on top of a store.LeadRepo backend.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/keylock"
	"github.com/BTreeMap/FunnelPipe/internal/metrics"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// LoadResult is the outcome of Load.
type LoadResult struct {
	Record models.LeadRecord
	// Existed is false when the lead had never been stored.
	Existed bool
	// Restored is true when the current generation was unreadable and the backup
	// generation replaced it.
	Restored bool
	// Recovered is true when neither generation was usable and the record was
	// reinitialized to defaults.
	Recovered bool
}

// Opts configures the memory service.
type Opts struct {
	Clock func() time.Time
	Locks *keylock.Map
}

// Option configures the memory service.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// WithLocks shares a lock map with other components.
func WithLocks(locks *keylock.Map) Option {
	return func(o *Opts) {
		o.Locks = locks
	}
}

// Service is the lead memory store.
type Service struct {
	repo  store.LeadRepo
	locks *keylock.Map
	now   func() time.Time
}

// New creates a memory service over repo.
func New(repo store.LeadRepo, opts ...Option) *Service {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New()
	}
	return &Service{repo: repo, locks: cfg.Locks, now: cfg.Clock}
}

type heldKey struct{}

// Lock acquires the per-lead lock and returns a context marked as holding it.
// Load and Update calls made with that context do not lock again.
func (s *Service) Lock(ctx context.Context, userID string) (context.Context, func(), error) {
	if held(ctx, userID) {
		return ctx, func() {}, nil
	}
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return ctx, nil, fmt.Errorf("lock lead %s: %w", userID, err)
	}
	return context.WithValue(ctx, heldKey{}, userID), unlock, nil
}

func held(ctx context.Context, userID string) bool {
	v, _ := ctx.Value(heldKey{}).(string)
	return v == userID
}

// Load returns the lead's record. Absent leads get a default record; unreadable
// content is quarantined and repaired. Only backend I/O failures are returned.
func (s *Service) Load(ctx context.Context, userID string) (LoadResult, error) {
	if err := store.ValidateKey(userID); err != nil {
		return LoadResult{}, err
	}
	ctx, unlock, err := s.Lock(ctx, userID)
	if err != nil {
		return LoadResult{}, err
	}
	defer unlock()

	snap, err := s.repo.GetLead(ctx, userID)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load lead %s: %w", userID, err)
	}
	if snap == nil {
		return LoadResult{Record: models.NewLeadRecord(userID, s.now())}, nil
	}

	rec, decodeErr := decode(userID, snap.Current)
	if decodeErr == nil {
		rec.Revision = snap.Version
		return LoadResult{Record: rec, Existed: true}, nil
	}
	return s.repair(ctx, userID, snap, decodeErr)
}

func (s *Service) repair(ctx context.Context, userID string, snap *store.LeadSnapshot, cause error) (LoadResult, error) {
	slog.Warn("Memory.Load: corrupt lead state", "userID", userID, "error", cause)
	if snap.Current != nil {
		if err := s.repo.QuarantineLead(ctx, userID, snap.Current, cause.Error()); err != nil {
			slog.Error("Memory.Load: quarantine failed", "userID", userID, "error", err)
		}
	}

	if backup, err := decode(userID, snap.Backup); err == nil {
		version, err := s.repo.ReplaceLead(ctx, userID, snap.Backup, snap.Version)
		if err != nil {
			return LoadResult{}, fmt.Errorf("restore backup for lead %s: %w", userID, err)
		}
		backup.Revision = version
		slog.Info("Memory.Load: lead restored from backup", "userID", userID, "stage", backup.Stage)
		metrics.RecordLeadRecovery("restored")
		return LoadResult{Record: backup, Existed: true, Restored: true}, nil
	} else if snap.Backup != nil {
		slog.Warn("Memory.Load: backup generation also unusable", "userID", userID, "error", err)
		if qerr := s.repo.QuarantineLead(ctx, userID, snap.Backup, "backup: "+err.Error()); qerr != nil {
			slog.Error("Memory.Load: quarantine of backup failed", "userID", userID, "error", qerr)
		}
	}

	fresh := models.NewLeadRecord(userID, s.now())
	data, err := json.Marshal(fresh)
	if err != nil {
		return LoadResult{}, fmt.Errorf("encode default lead %s: %w", userID, err)
	}
	version, err := s.repo.ReplaceLead(ctx, userID, data, snap.Version)
	if err != nil {
		return LoadResult{}, fmt.Errorf("reinitialize lead %s: %w", userID, err)
	}
	fresh.Revision = version
	slog.Warn("Memory.Load: lead reinitialized", "userID", userID)
	metrics.RecordLeadRecovery("reinitialized")
	return LoadResult{Record: fresh, Existed: true, Recovered: true}, nil
}

func decode(userID string, data []byte) (models.LeadRecord, error) {
	var rec models.LeadRecord
	if data == nil {
		return rec, fmt.Errorf("%w: no content", models.ErrCorruptState)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: decode: %v", models.ErrCorruptState, err)
	}
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("%w: %v", models.ErrCorruptState, err)
	}
	if rec.UserID != userID {
		return rec, fmt.Errorf("%w: record belongs to %q", models.ErrCorruptState, rec.UserID)
	}
	if rec.Profile == nil {
		rec.Profile = map[string]string{}
	}
	return rec, nil
}

// Commit persists rec with compare-and-swap against the revision it was loaded at.
// The returned record carries the new revision.
func (s *Service) Commit(ctx context.Context, rec models.LeadRecord) (models.LeadRecord, error) {
	if err := rec.Validate(); err != nil {
		return models.LeadRecord{}, fmt.Errorf("commit lead %s: invalid record: %w", rec.UserID, err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return models.LeadRecord{}, fmt.Errorf("commit lead %s: encode: %w", rec.UserID, err)
	}
	version, err := s.repo.PutLead(ctx, rec.UserID, data, rec.Revision)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			slog.Warn("Memory.Commit: version conflict", "userID", rec.UserID, "revision", rec.Revision)
		}
		return models.LeadRecord{}, fmt.Errorf("commit lead %s: %w", rec.UserID, err)
	}
	rec.Revision = version
	return rec, nil
}

// Update applies mutator to a copy of the current record and persists the result.
// A mutator error or a failed write leaves the stored record unchanged.
func (s *Service) Update(ctx context.Context, userID string, mutator func(*models.LeadRecord) error) (models.LeadRecord, error) {
	ctx, unlock, err := s.Lock(ctx, userID)
	if err != nil {
		return models.LeadRecord{}, err
	}
	defer unlock()

	res, err := s.Load(ctx, userID)
	if err != nil {
		return models.LeadRecord{}, err
	}
	next := res.Record.Clone()
	if err := mutator(&next); err != nil {
		return models.LeadRecord{}, err
	}
	next.UserID = userID
	next.Revision = res.Record.Revision
	return s.Commit(ctx, next)
}

// Reset replaces a lead's record with defaults. It is the only path that lowers
// the stage.
func (s *Service) Reset(ctx context.Context, userID string) (models.LeadRecord, error) {
	rec, err := s.Update(ctx, userID, func(r *models.LeadRecord) error {
		*r = models.NewLeadRecord(userID, s.now())
		return nil
	})
	if err != nil {
		return rec, err
	}
	slog.Info("Memory.Reset: lead reset", "userID", userID)
	return rec, nil
}

// MarkConverted records the external conversion signal.
func (s *Service) MarkConverted(ctx context.Context, userID string) (models.LeadRecord, error) {
	rec, err := s.Update(ctx, userID, func(r *models.LeadRecord) error {
		r.AdvanceStage(models.StageConverted)
		return nil
	})
	if err != nil {
		return rec, err
	}
	slog.Info("Memory.MarkConverted: lead converted", "userID", userID)
	return rec, nil
}

// List returns every stored lead id.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.repo.ListLeads(ctx)
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}
