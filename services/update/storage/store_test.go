// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// Tests for the badger-backed store: release lifecycle, atomic
// rollback-plus-repoint, insert-if-absent assignments, and signals.

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlenudge/bundlenudge/services/update/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func makeRelease(id, version string, status datatypes.ReleaseStatus) *datatypes.Release {
	return &datatypes.Release{
		ID:                id,
		AppID:             "app-1",
		Version:           version,
		ChannelID:         "production",
		BundleHash:        "hash-" + id,
		Status:            status,
		RolloutPercentage: 100,
		CreatedAt:         time.Now().UTC(),
	}
}

// =============================================================================
// Release CRUD
// =============================================================================

func TestCreateRelease_AndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rel := makeRelease("rel-1", "1.0.0", datatypes.StatusPending)
	require.NoError(t, s.CreateRelease(ctx, rel))

	got, err := s.GetRelease(ctx, "app-1", "rel-1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, datatypes.StatusPending, got.Status)
}

func TestCreateRelease_DuplicateVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRelease(ctx, makeRelease("rel-1", "1.0.0", datatypes.StatusPending)))
	err := s.CreateRelease(ctx, makeRelease("rel-2", "1.0.0", datatypes.StatusPending))
	assert.ErrorIs(t, err, ErrVersionExists)
}

func TestGetRelease_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRelease(context.Background(), "app-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListChannelReleases_FiltersByChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prod := makeRelease("rel-1", "1.0.0", datatypes.StatusActive)
	beta := makeRelease("rel-2", "1.1.0", datatypes.StatusActive)
	beta.ChannelID = "beta"
	require.NoError(t, s.CreateRelease(ctx, prod))
	require.NoError(t, s.CreateRelease(ctx, beta))

	got, err := s.ListChannelReleases(ctx, "app-1", "beta")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rel-2", got[0].ID)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestActivateRelease_SetsChannelPointer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateRelease(ctx, makeRelease("rel-1", "1.0.0", datatypes.StatusPending)))
	rel, err := s.ActivateRelease(ctx, "app-1", "rel-1", now)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusActive, rel.Status)
	assert.Equal(t, now, rel.ActivatedAt)

	ch, err := s.GetChannel(ctx, "app-1", "production")
	require.NoError(t, err)
	assert.Equal(t, "rel-1", ch.ActiveReleaseID)
}

func TestSetReleaseStatus_InvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRelease(ctx, makeRelease("rel-1", "1.0.0", datatypes.StatusPending)))
	_, err := s.SetReleaseStatus(ctx, "app-1", "rel-1", datatypes.StatusPaused, time.Now())
	assert.Error(t, err, "pending -> paused is not a legal transition")
}

func TestActivateDueReleases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := makeRelease("rel-due", "1.0.0", datatypes.StatusPending)
	due.ScheduledAt = now.Add(-time.Minute)
	future := makeRelease("rel-future", "1.1.0", datatypes.StatusPending)
	future.ScheduledAt = now.Add(time.Hour)
	unscheduled := makeRelease("rel-manual", "1.2.0", datatypes.StatusPending)
	require.NoError(t, s.CreateRelease(ctx, due))
	require.NoError(t, s.CreateRelease(ctx, future))
	require.NoError(t, s.CreateRelease(ctx, unscheduled))

	activated, err := s.ActivateDueReleases(ctx, now)
	require.NoError(t, err)
	require.Len(t, activated, 1)
	assert.Equal(t, "rel-due", activated[0].ID)

	got, err := s.GetRelease(ctx, "app-1", "rel-future")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusPending, got.Status)
}

// =============================================================================
// Rollback
// =============================================================================

func TestRollbackRelease_AtomicRepoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRelease(ctx, makeRelease("rel-old", "1.0.0", datatypes.StatusPending)))
	require.NoError(t, s.CreateRelease(ctx, makeRelease("rel-new", "1.1.0", datatypes.StatusPending)))
	_, err := s.ActivateRelease(ctx, "app-1", "rel-old", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = s.ActivateRelease(ctx, "app-1", "rel-new", time.Now())
	require.NoError(t, err)

	fallback, err := s.RollbackRelease(ctx, "app-1", "rel-new", "crash rate 8.0% over threshold 5.0%", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "rel-old", fallback.ID)

	rolled, err := s.GetRelease(ctx, "app-1", "rel-new")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusRolledBack, rolled.Status)
	assert.Contains(t, rolled.RollbackReason, "crash rate")

	ch, err := s.GetChannel(ctx, "app-1", "production")
	require.NoError(t, err)
	assert.Equal(t, "rel-old", ch.ActiveReleaseID)
}

func TestRollbackRelease_NoFallbackLeavesStateUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRelease(ctx, makeRelease("rel-only", "1.0.0", datatypes.StatusPending)))
	_, err := s.ActivateRelease(ctx, "app-1", "rel-only", time.Now())
	require.NoError(t, err)

	_, err = s.RollbackRelease(ctx, "app-1", "rel-only", "bad", time.Now())
	assert.ErrorIs(t, err, ErrNoFallback)

	// Nothing changed: release still active, channel still points at it.
	rel, err := s.GetRelease(ctx, "app-1", "rel-only")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusActive, rel.Status)
	ch, err := s.GetChannel(ctx, "app-1", "production")
	require.NoError(t, err)
	assert.Equal(t, "rel-only", ch.ActiveReleaseID)
}

func TestRollbackRelease_AlreadyRolledBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRelease(ctx, makeRelease("rel-old", "1.0.0", datatypes.StatusPending)))
	require.NoError(t, s.CreateRelease(ctx, makeRelease("rel-new", "1.1.0", datatypes.StatusPending)))
	_, err := s.ActivateRelease(ctx, "app-1", "rel-old", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = s.ActivateRelease(ctx, "app-1", "rel-new", time.Now())
	require.NoError(t, err)

	_, err = s.RollbackRelease(ctx, "app-1", "rel-new", "first", time.Now())
	require.NoError(t, err)
	_, err = s.RollbackRelease(ctx, "app-1", "rel-new", "second", time.Now())
	assert.Error(t, err, "rolled_back is terminal")
}

// =============================================================================
// Variant Assignments
// =============================================================================

func TestCreateAssignmentIfAbsent_FirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := datatypes.VariantAssignment{
		DeviceID: "dev-1", ReleaseID: "rel-1", VariantID: "var-a", AssignedAt: time.Now().UTC(),
	}
	got, err := s.CreateAssignmentIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "var-a", got.VariantID)

	second := first
	second.VariantID = "var-b"
	got, err = s.CreateAssignmentIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "var-a", got.VariantID, "existing assignment must win")
}

func TestCreateAssignmentIfAbsent_ConcurrentConverges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 32
	results := make([]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			a := datatypes.VariantAssignment{
				DeviceID:   "dev-race",
				ReleaseID:  "rel-race",
				VariantID:  fmt.Sprintf("var-%d", w%2),
				AssignedAt: time.Now().UTC(),
			}
			got, err := s.CreateAssignmentIfAbsent(ctx, a)
			if assert.NoError(t, err) {
				results[w] = got.VariantID
			}
		}(w)
	}
	wg.Wait()

	for w := 1; w < workers; w++ {
		assert.Equal(t, results[0], results[w], "all writers must converge on one variant")
	}
}

func TestGetAssignment_AbsentIsNil(t *testing.T) {
	s := newTestStore(t)
	a, err := s.GetAssignment(context.Background(), "rel-1", "dev-1")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestDeleteAssignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.CreateAssignmentIfAbsent(ctx, datatypes.VariantAssignment{
			DeviceID: fmt.Sprintf("dev-%d", i), ReleaseID: "rel-1", VariantID: "var-a",
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.DeleteAssignments(ctx, "rel-1"))

	a, err := s.GetAssignment(ctx, "rel-1", "dev-0")
	require.NoError(t, err)
	assert.Nil(t, a)
}

// =============================================================================
// Health Signals
// =============================================================================

func TestSignals_RecordAndWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inside := datatypes.HealthSignal{
		DeviceID: "dev-1", ReleaseID: "rel-1", Type: datatypes.SignalApplied, Timestamp: now.Add(-time.Hour),
	}
	outside := datatypes.HealthSignal{
		DeviceID: "dev-2", ReleaseID: "rel-1", Type: datatypes.SignalApplied, Timestamp: now.Add(-48 * time.Hour),
	}
	otherRelease := datatypes.HealthSignal{
		DeviceID: "dev-3", ReleaseID: "rel-2", Type: datatypes.SignalCrash, Timestamp: now,
	}
	require.NoError(t, s.RecordSignal(ctx, inside))
	require.NoError(t, s.RecordSignal(ctx, outside))
	require.NoError(t, s.RecordSignal(ctx, otherRelease))

	got, err := s.SignalsSince(ctx, "rel-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dev-1", got[0].DeviceID)
}

func TestSignals_DuplicateDeliveryKeepsBothEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sig := datatypes.HealthSignal{
		DeviceID: "dev-1", ReleaseID: "rel-1", Type: datatypes.SignalCrash, Timestamp: now,
	}
	retry := sig
	retry.Timestamp = now.Add(time.Second)
	require.NoError(t, s.RecordSignal(ctx, sig))
	require.NoError(t, s.RecordSignal(ctx, retry))

	got, err := s.SignalsSince(ctx, "rel-1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 2, "store is append-only; dedup happens at aggregation")
}
