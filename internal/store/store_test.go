package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLeadRepoSuite exercises the LeadRepo contract against any backend.
func runLeadRepoSuite(t *testing.T, newRepo func(t *testing.T) LeadRepo) {
	ctx := context.Background()

	t.Run("absent lead", func(t *testing.T) {
		repo := newRepo(t)
		snap, err := repo.GetLead(ctx, "5215550000")
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("put keeps one backup generation", func(t *testing.T) {
		repo := newRepo(t)
		v1, err := repo.PutLead(ctx, "5215550001", []byte(`{"gen":1}`), 0)
		require.NoError(t, err)
		v2, err := repo.PutLead(ctx, "5215550001", []byte(`{"gen":2}`), v1)
		require.NoError(t, err)
		v3, err := repo.PutLead(ctx, "5215550001", []byte(`{"gen":3}`), v2)
		require.NoError(t, err)

		snap, err := repo.GetLead(ctx, "5215550001")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, v3, snap.Version)
		assert.JSONEq(t, `{"gen":3}`, string(snap.Current))
		assert.JSONEq(t, `{"gen":2}`, string(snap.Backup))
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		repo := newRepo(t)
		v1, err := repo.PutLead(ctx, "5215550002", []byte(`{"gen":1}`), 0)
		require.NoError(t, err)
		_, err = repo.PutLead(ctx, "5215550002", []byte(`{"gen":2}`), v1)
		require.NoError(t, err)

		_, err = repo.PutLead(ctx, "5215550002", []byte(`{"gen":"lost"}`), v1)
		assert.ErrorIs(t, err, ErrVersionConflict)
		_, err = repo.PutLead(ctx, "5215550002", []byte(`{"gen":"dup"}`), 0)
		assert.ErrorIs(t, err, ErrVersionConflict)

		snap, err := repo.GetLead(ctx, "5215550002")
		require.NoError(t, err)
		assert.JSONEq(t, `{"gen":2}`, string(snap.Current))
	})

	t.Run("replace clears backup", func(t *testing.T) {
		repo := newRepo(t)
		v1, err := repo.PutLead(ctx, "5215550003", []byte(`{"gen":1}`), 0)
		require.NoError(t, err)
		v2, err := repo.PutLead(ctx, "5215550003", []byte(`{"gen":2}`), v1)
		require.NoError(t, err)
		_, err = repo.ReplaceLead(ctx, "5215550003", []byte(`{"gen":"fresh"}`), v2)
		require.NoError(t, err)

		snap, err := repo.GetLead(ctx, "5215550003")
		require.NoError(t, err)
		assert.JSONEq(t, `{"gen":"fresh"}`, string(snap.Current))
		assert.Nil(t, snap.Backup)
	})

	t.Run("quarantine and list", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.QuarantineLead(ctx, "5215550004", []byte("{not json"), "decode failed"))
		_, err := repo.PutLead(ctx, "5215550005", []byte(`{}`), 0)
		require.NoError(t, err)
		_, err = repo.PutLead(ctx, "5215550004", []byte(`{}`), 0)
		require.NoError(t, err)
		ids, err := repo.ListLeads(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"5215550004", "5215550005"}, ids)
	})

	t.Run("concurrent writers with one expected version", func(t *testing.T) {
		repo := newRepo(t)
		v1, err := repo.PutLead(ctx, "5215550006", []byte(`{"gen":1}`), 0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := repo.PutLead(ctx, "5215550006", []byte(`{"gen":2}`), v1); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("invalid keys", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.PutLead(ctx, "../etc/passwd", []byte(`{}`), 0)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestInMemoryStore(t *testing.T) {
	runLeadRepoSuite(t, func(t *testing.T) LeadRepo { return NewInMemoryStore() })
}

func TestFileStore(t *testing.T) {
	runLeadRepoSuite(t, func(t *testing.T) LeadRepo {
		s, err := NewFileStore(WithStateDir(t.TempDir()))
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runLeadRepoSuite(t, func(t *testing.T) LeadRepo {
		s, err := NewSQLiteStore(WithDSN(filepath.Join(t.TempDir(), "leads.db")))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	runLeadRepoSuite(t, func(t *testing.T) LeadRepo {
		s, err := NewPostgresStore(WithPostgresDSN(connStr))
		if err != nil {
			t.Skipf("Postgres not available: %v", err)
		}
		s.db.Exec("DELETE FROM leads")
		s.db.Exec("DELETE FROM lead_quarantine")
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(WithStateDir(dir))
	require.NoError(t, err)
	ctx := context.Background()

	v, err := s.PutLead(ctx, "5215551111", []byte(`{"gen":1}`), 0)
	require.NoError(t, err)
	_, err = s.PutLead(ctx, "5215551111", []byte(`{"gen":2}`), v)
	require.NoError(t, err)

	leads := filepath.Join(dir, "leads")
	assert.FileExists(t, filepath.Join(leads, "5215551111.json"))
	assert.FileExists(t, filepath.Join(leads, "5215551111.json.bak"))
	assert.NoFileExists(t, filepath.Join(leads, "5215551111.json.tmp"))

	require.NoError(t, s.QuarantineLead(ctx, "5215551111", []byte("garbage"), "test"))
	entries, err := os.ReadDir(filepath.Join(leads, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := NewFileStore(WithStateDir(dir))
	require.NoError(t, err)
	_, err = first.PutLead(ctx, "5215552222", []byte(`{"gen":1}`), 0)
	require.NoError(t, err)

	second, err := NewFileStore(WithStateDir(dir))
	require.NoError(t, err)
	snap, err := second.GetLead(ctx, "5215552222")
	require.NoError(t, err)
	require.NotNil(t, snap)
	_, err = second.PutLead(ctx, "5215552222", []byte(`{"gen":2}`), snap.Version)
	require.NoError(t, err)
}

func TestFileStoreBackupOnlyAfterInterruptedCommit(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := NewFileStore(WithStateDir(dir))
	require.NoError(t, err)
	leads := filepath.Join(dir, "leads")
	require.NoError(t, os.WriteFile(filepath.Join(leads, "5215553333.json.bak"), []byte(`{"gen":1}`), 0o600))

	snap, err := s.GetLead(ctx, "5215553333")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Nil(t, snap.Current)
	assert.JSONEq(t, `{"gen":1}`, string(snap.Backup))
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":         "postgres",
		"postgresql://localhost/db":           "postgres",
		"host=localhost user=u dbname=funnel": "postgres",
		"/var/lib/funnelpipe/state.db":        "sqlite3",
		"file:state.db?_foreign_keys=on":      "sqlite3",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, DetectDSNType(dsn), dsn)
	}
}

func TestInMemoryDedup(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	first, err := s.RecordInbound(ctx, "SM1", "5215550000")
	require.NoError(t, err)
	assert.True(t, first)
	again, err := s.RecordInbound(ctx, "SM1", "5215550000")
	require.NoError(t, err)
	assert.False(t, again)
	dup, err := s.IsDuplicate(ctx, "SM1")
	require.NoError(t, err)
	assert.True(t, dup)
	done, err := s.IsProcessed(ctx, "SM1")
	require.NoError(t, err)
	assert.False(t, done)
	require.NoError(t, s.MarkProcessed(ctx, "SM1"))
	done, err = s.IsProcessed(ctx, "SM1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSQLiteDedup(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(WithDSN(filepath.Join(t.TempDir(), "dedup.db")))
	require.NoError(t, err)
	defer s.Close()

	first, err := s.RecordInbound(ctx, "wamid.1", "5215550000")
	require.NoError(t, err)
	assert.True(t, first)
	again, err := s.RecordInbound(ctx, "wamid.1", "5215550000")
	require.NoError(t, err)
	assert.False(t, again)
	done, err := s.IsProcessed(ctx, "wamid.1")
	require.NoError(t, err)
	assert.False(t, done)
	require.NoError(t, s.MarkProcessed(ctx, "wamid.1"))
	done, err = s.IsProcessed(ctx, "wamid.1")
	require.NoError(t, err)
	assert.True(t, done)
	done, err = s.IsProcessed(ctx, "wamid.unknown")
	require.NoError(t, err)
	assert.False(t, done)
}

func getenvOrSkip(t *testing.T, key string) string {
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
