package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *store.InMemoryStore) {
	t.Helper()
	repo := store.NewInMemoryStore()
	return New(repo, WithClock(func() time.Time { return fixedNow })), repo
}

func TestLoadAbsentLeadReturnsDefault(t *testing.T) {
	svc, _ := newService(t)
	res, err := svc.Load(context.Background(), "5215550000")
	require.NoError(t, err)
	assert.False(t, res.Existed)
	assert.False(t, res.Recovered)
	assert.Equal(t, models.StageFirstContact, res.Record.Stage)
	assert.Equal(t, models.DefaultLeadScore, res.Record.Score)
	assert.Equal(t, int64(0), res.Record.Revision)
}

func TestLoadAfterUpdateEqualsMutatedLoad(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	mutators := []func(*models.LeadRecord) error{
		func(r *models.LeadRecord) error { r.AdvanceStage(models.StagePrivacyFlow); return nil },
		func(r *models.LeadRecord) error { r.SetAttribute(models.AttrName, "Ana"); return nil },
		func(r *models.LeadRecord) error { r.ApplySignal(models.SignalBuying); r.InteractionCount++; return nil },
		func(r *models.LeadRecord) error { r.RecordTool(models.ToolBrochure, 3); return nil },
		func(r *models.LeadRecord) error { r.SetFlow(models.FlowCourseSelection); r.FlowStep = 1; return nil },
	}
	for i, f := range mutators {
		before, err := svc.Load(ctx, "5215550001")
		require.NoError(t, err)
		expected := before.Record.Clone()
		require.NoError(t, f(&expected))

		updated, err := svc.Update(ctx, "5215550001", f)
		require.NoError(t, err)
		after, err := svc.Load(ctx, "5215550001")
		require.NoError(t, err)

		expected.Revision = after.Record.Revision
		assertSameContent(t, expected, after.Record, "mutator %d", i)
		assertSameContent(t, updated, after.Record, "mutator %d returned snapshot", i)
	}
}

func assertSameContent(t *testing.T, want, got models.LeadRecord, msgAndArgs ...interface{}) {
	t.Helper()
	want.CreatedAt, got.CreatedAt = time.Time{}, time.Time{}
	want.LastInteractionAt, got.LastInteractionAt = time.Time{}, time.Time{}
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON), msgAndArgs...)
}

func TestMutatorErrorLeavesRecordUnchanged(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Update(ctx, "5215550002", func(r *models.LeadRecord) error {
		r.SetAttribute(models.AttrName, "Ana")
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = svc.Update(ctx, "5215550002", func(r *models.LeadRecord) error {
		r.SetAttribute(models.AttrName, "Luis")
		r.AdvanceStage(models.StageSalesConversation)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	res, err := svc.Load(ctx, "5215550002")
	require.NoError(t, err)
	assert.Equal(t, "Ana", res.Record.Attribute(models.AttrName))
	assert.Equal(t, models.StageFirstContact, res.Record.Stage)
}

func TestInvalidMutationIsRejected(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Update(context.Background(), "5215550003", func(r *models.LeadRecord) error {
		r.Score = 400
		return nil
	})
	assert.Error(t, err)
}

func TestStaleCommitConflicts(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Update(ctx, "5215550004", func(r *models.LeadRecord) error { return nil })
	require.NoError(t, err)

	res, err := svc.Load(ctx, "5215550004")
	require.NoError(t, err)
	stale := res.Record.Clone()

	_, err = svc.Update(ctx, "5215550004", func(r *models.LeadRecord) error { r.InteractionCount = 7; return nil })
	require.NoError(t, err)

	stale.InteractionCount = 99
	_, err = svc.Commit(ctx, stale)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	res, err = svc.Load(ctx, "5215550004")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Record.InteractionCount)
}

func TestCorruptCurrentRestoresBackup(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()
	good := models.NewLeadRecord("5215550005", fixedNow)
	good.AdvanceStage(models.StageCourseSelection)
	good.Consent = models.ConsentAccepted
	backup, err := json.Marshal(good)
	require.NoError(t, err)
	repo.Corrupt("5215550005", []byte(`{"user_id": "5215550005", "stage": `), backup)

	res, err := svc.Load(ctx, "5215550005")
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.False(t, res.Recovered)
	assert.Equal(t, models.StageCourseSelection, res.Record.Stage)
	assert.Len(t, repo.Quarantined("5215550005"), 1)

	again, err := svc.Load(ctx, "5215550005")
	require.NoError(t, err)
	assert.False(t, again.Restored)
	assert.Equal(t, models.StageCourseSelection, again.Record.Stage)
}

func TestCorruptEverythingReinitializes(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()
	repo.Corrupt("5215550006", []byte(`{"user_id":"5215550006","schema_version":9}`), []byte("garbage"))

	res, err := svc.Load(ctx, "5215550006")
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.Equal(t, models.StageFirstContact, res.Record.Stage)
	assert.Len(t, repo.Quarantined("5215550006"), 2)

	_, err = svc.Update(ctx, "5215550006", func(r *models.LeadRecord) error { r.InteractionCount++; return nil })
	require.NoError(t, err)
}

func TestConcurrentUpdatesLoseNothing(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Update(ctx, "5215550007", func(r *models.LeadRecord) error {
				r.InteractionCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	res, err := svc.Load(ctx, "5215550007")
	require.NoError(t, err)
	assert.Equal(t, 40, res.Record.InteractionCount)
}

func TestHeldLockIsReentrantForSameLead(t *testing.T) {
	svc, _ := newService(t)
	ctx, unlock, err := svc.Lock(context.Background(), "5215550008")
	require.NoError(t, err)
	defer unlock()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Update(ctx, "5215550008", func(r *models.LeadRecord) error { return nil })
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("update under held lock deadlocked")
	}
}

func TestResetAndMarkConverted(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Update(ctx, "5215550009", func(r *models.LeadRecord) error {
		r.AdvanceStage(models.StageSalesConversation)
		r.Consent = models.ConsentAccepted
		return nil
	})
	require.NoError(t, err)

	conv, err := svc.MarkConverted(ctx, "5215550009")
	require.NoError(t, err)
	assert.Equal(t, models.StageConverted, conv.Stage)

	reset, err := svc.Reset(ctx, "5215550009")
	require.NoError(t, err)
	assert.Equal(t, models.StageFirstContact, reset.Stage)
	assert.Equal(t, models.ConsentNotAsked, reset.Consent)
}

func TestFileBackedRoundTrip(t *testing.T) {
	repo, err := store.NewFileStore(store.WithStateDir(t.TempDir()))
	require.NoError(t, err)
	svc := New(repo)
	ctx := context.Background()
	_, err = svc.Update(ctx, "5215550010", func(r *models.LeadRecord) error {
		r.SetAttribute(models.AttrRole, "analista")
		return nil
	})
	require.NoError(t, err)
	res, err := svc.Load(ctx, "5215550010")
	require.NoError(t, err)
	assert.Equal(t, "analista", res.Record.Attribute(models.AttrRole))
}
