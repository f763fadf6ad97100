// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// Tests for rollout resolution: bucketing, candidate ordering,
// allow/block lists, and sticky variant assignment.

package rollout

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

// memAssignments is an in-memory AssignmentStore with real
// insert-if-absent semantics.
type memAssignments struct {
	mu sync.Mutex
	m  map[string]datatypes.VariantAssignment
}

func newMemAssignments() *memAssignments {
	return &memAssignments{m: make(map[string]datatypes.VariantAssignment)}
}

func (s *memAssignments) key(releaseID, deviceID string) string {
	return releaseID + "/" + deviceID
}

func (s *memAssignments) GetAssignment(_ context.Context, releaseID, deviceID string) (*datatypes.VariantAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.m[s.key(releaseID, deviceID)]; ok {
		return &a, nil
	}
	return nil, nil
}

func (s *memAssignments) CreateAssignmentIfAbsent(_ context.Context, a datatypes.VariantAssignment) (*datatypes.VariantAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(a.ReleaseID, a.DeviceID)
	if existing, ok := s.m[k]; ok {
		return &existing, nil
	}
	s.m[k] = a
	return &a, nil
}

func activeRelease(id string, pct int) *datatypes.Release {
	return &datatypes.Release{
		ID:                id,
		AppID:             "app-1",
		Version:           "1.0.0-" + id,
		ChannelID:         "production",
		BundleHash:        "hash-" + id,
		Status:            datatypes.StatusActive,
		RolloutPercentage: pct,
		CreatedAt:         time.Now().Add(-time.Hour),
		ActivatedAt:       time.Now().Add(-time.Minute),
	}
}

func testDevice(id string) datatypes.Device {
	return datatypes.Device{ID: id, Platform: "ios", AppVersion: "2.0.0", OSVersion: "17.1"}
}

func newTestResolver() (*Resolver, *memAssignments) {
	store := newMemAssignments()
	return NewResolver(store, nil), store
}

var testChannel = &datatypes.Channel{AppID: "app-1", Name: "production"}

// =============================================================================
// Bucket Tests
// =============================================================================

func TestBucket_StableAcrossCalls(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("device-%d", i)
		first := Bucket(id, "rel-1")
		for j := 0; j < 10; j++ {
			assert.Equal(t, first, Bucket(id, "rel-1"))
		}
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 100)
	}
}

func TestBucket_SaltedByRelease(t *testing.T) {
	// Not every device can differ, but across many devices the two
	// releases must not produce identical bucket layouts.
	same := 0
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("device-%d", i)
		if Bucket(id, "rel-a") == Bucket(id, "rel-b") {
			same++
		}
	}
	assert.Less(t, same, 100, "buckets should decorrelate across releases")
}

// =============================================================================
// Percentage Rollout Tests
// =============================================================================

func TestResolve_ZeroPercentSelectsNobody(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 0)

	selected := 0
	for i := 0; i < 1000; i++ {
		dec, out, err := r.Resolve(context.Background(), testChannel,
			[]*datatypes.Release{rel}, testDevice(fmt.Sprintf("device-%d", i)), datatypes.Identity{})
		require.NoError(t, err)
		if out == OutcomeUpdate {
			require.NotNil(t, dec)
			selected++
		}
	}
	assert.Equal(t, 0, selected)
}

func TestResolve_HundredPercentSelectsEverybody(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 100)

	selected := 0
	for i := 0; i < 1000; i++ {
		_, out, err := r.Resolve(context.Background(), testChannel,
			[]*datatypes.Release{rel}, testDevice(fmt.Sprintf("device-%d", i)), datatypes.Identity{})
		require.NoError(t, err)
		if out == OutcomeUpdate {
			selected++
		}
	}
	assert.Equal(t, 1000, selected)
}

func TestResolve_NilChannelFailsClosed(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 100)

	dec, out, err := r.Resolve(context.Background(), nil,
		[]*datatypes.Release{rel}, testDevice("device-1"), datatypes.Identity{})
	require.NoError(t, err)
	assert.Nil(t, dec)
	assert.Equal(t, OutcomeNoUpdate, out)
}

func TestResolve_MonotonicRollout(t *testing.T) {
	r, _ := newTestResolver()

	selectedAt := func(pct int, deviceID string) bool {
		rel := activeRelease("rel-1", pct)
		_, out, err := r.Resolve(context.Background(), testChannel,
			[]*datatypes.Release{rel}, testDevice(deviceID), datatypes.Identity{})
		require.NoError(t, err)
		return out == OutcomeUpdate
	}

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("device-%d", i)
		for _, pair := range [][2]int{{10, 25}, {25, 50}, {50, 90}} {
			if selectedAt(pair[0], id) {
				assert.True(t, selectedAt(pair[1], id),
					"device %s selected at %d%% but not at %d%%", id, pair[0], pair[1])
			}
		}
	}
}

func TestResolve_Deterministic(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 37)
	dev := testDevice("sticky-device")

	_, first, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{rel}, dev, datatypes.Identity{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, again, err := r.Resolve(context.Background(), testChannel,
			[]*datatypes.Release{rel}, dev, datatypes.Identity{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

// =============================================================================
// List and Status Tests
// =============================================================================

func TestResolve_BlocklistAlwaysWins(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 100)
	rel.Blocklist = []string{"blocked-device"}
	rel.Allowlist = []string{"blocked-device"} // blocklist beats allowlist

	_, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{rel}, testDevice("blocked-device"), datatypes.Identity{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, out)
}

func TestResolve_AllowlistBypassesPercentage(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 0)
	rel.Allowlist = []string{"vip-device"}

	dec, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{rel}, testDevice("vip-device"), datatypes.Identity{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdate, out)
	assert.Equal(t, "rel-1", dec.Release.ID)
}

func TestResolve_SkipsNonActive(t *testing.T) {
	r, _ := newTestResolver()
	for _, status := range []datatypes.ReleaseStatus{
		datatypes.StatusPending, datatypes.StatusPaused, datatypes.StatusRolledBack,
	} {
		rel := activeRelease("rel-1", 100)
		rel.Status = status
		_, out, err := r.Resolve(context.Background(), testChannel,
			[]*datatypes.Release{rel}, testDevice("device-1"), datatypes.Identity{})
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoUpdate, out, "status %s", status)
	}
}

func TestResolve_AlreadyCurrentByVersion(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 100)

	_, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{rel}, testDevice("device-1"),
		datatypes.Identity{BundleVersion: rel.Version})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, out)
}

func TestResolve_AlreadyCurrentByHash(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 100)

	_, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{rel}, testDevice("device-1"),
		datatypes.Identity{BundleHash: rel.BundleHash})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, out)
}

func TestResolve_RepointedChannelServesOlderRelease(t *testing.T) {
	r, _ := newTestResolver()

	old := activeRelease("rel-old", 100)
	old.ActivatedAt = time.Now().Add(-2 * time.Hour)
	bad := activeRelease("rel-bad", 100)
	bad.Status = datatypes.StatusRolledBack

	// Device currently runs the rolled-back release; it should be
	// offered the older release the channel fell back to.
	dec, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{old, bad}, testDevice("device-1"),
		datatypes.Identity{BundleVersion: bad.Version})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdate, out)
	assert.Equal(t, "rel-old", dec.Release.ID)
}

func TestResolve_OrdersByActivationThenCreation(t *testing.T) {
	r, _ := newTestResolver()

	older := activeRelease("rel-older", 100)
	older.ActivatedAt = time.Now().Add(-2 * time.Hour)
	newer := activeRelease("rel-newer", 100)
	newer.ActivatedAt = time.Now().Add(-time.Minute)

	dec, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{older, newer}, testDevice("device-1"), datatypes.Identity{})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdate, out)
	assert.Equal(t, "rel-newer", dec.Release.ID)
}

func TestResolve_StoreUpdateWhenAllVersionBlocked(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 100)
	rel.Constraints = &datatypes.Constraints{MinAppVersion: "99.0.0"}

	_, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{rel}, testDevice("device-1"), datatypes.Identity{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStoreUpdate, out)
}

func TestResolve_NoStoreUpdateOnPlatformMismatch(t *testing.T) {
	r, _ := newTestResolver()
	rel := activeRelease("rel-1", 100)
	rel.Constraints = &datatypes.Constraints{Platforms: []string{"android"}}

	_, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{rel}, testDevice("device-1"), datatypes.Identity{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, out)
}

// =============================================================================
// Variant Tests
// =============================================================================

func abRelease() *datatypes.Release {
	rel := activeRelease("rel-ab", 100)
	rel.Variants = []datatypes.Variant{
		{ID: "var-a", Name: "control", BundleHash: "hash-a", Percentage: 50, IsControl: true},
		{ID: "var-b", Name: "treatment", BundleHash: "hash-b", Percentage: 50},
	}
	return rel
}

func TestResolve_VariantSticky(t *testing.T) {
	r, store := newTestResolver()
	rel := abRelease()
	dev := testDevice("device-1")

	dec, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{rel}, dev, datatypes.Identity{})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdate, out)
	require.NotNil(t, dec.Variant)
	first := dec.Variant.ID

	a, err := store.GetAssignment(context.Background(), rel.ID, dev.ID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, first, a.VariantID)

	for i := 0; i < 25; i++ {
		dec, _, err := r.Resolve(context.Background(), testChannel,
			[]*datatypes.Release{rel}, dev, datatypes.Identity{})
		require.NoError(t, err)
		assert.Equal(t, first, dec.Variant.ID)
	}
}

func TestResolve_VariantSplitWithinTolerance(t *testing.T) {
	r, _ := newTestResolver()
	rel := abRelease()

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		dec, out, err := r.Resolve(context.Background(), testChannel,
			[]*datatypes.Release{rel}, testDevice(fmt.Sprintf("device-%d", i)), datatypes.Identity{})
		require.NoError(t, err)
		require.Equal(t, OutcomeUpdate, out)
		counts[dec.Variant.ID]++
	}

	assert.InDelta(t, 5000, counts["var-a"], 500, "control share outside 45-55%%")
	assert.InDelta(t, 5000, counts["var-b"], 500, "treatment share outside 45-55%%")
}

func TestResolve_VariantAssignmentRaceConverges(t *testing.T) {
	r, _ := newTestResolver()
	rel := abRelease()
	dev := testDevice("racing-device")

	const workers = 16
	results := make([]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			dec, out, err := r.Resolve(context.Background(), testChannel,
				[]*datatypes.Release{rel}, dev, datatypes.Identity{})
			if assert.NoError(t, err) && assert.Equal(t, OutcomeUpdate, out) {
				results[w] = dec.Variant.ID
			}
		}(w)
	}
	wg.Wait()

	for w := 1; w < workers; w++ {
		assert.Equal(t, results[0], results[w])
	}
}

func TestResolve_VariantReturnsVariantBundle(t *testing.T) {
	r, _ := newTestResolver()
	rel := abRelease()

	dec, out, err := r.Resolve(context.Background(), testChannel,
		[]*datatypes.Release{rel}, testDevice("device-1"), datatypes.Identity{})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdate, out)
	require.NotNil(t, dec.Variant)
	assert.Contains(t, []string{"hash-a", "hash-b"}, dec.Variant.BundleHash)
	assert.NotEqual(t, rel.BundleHash, dec.Variant.BundleHash)
}
