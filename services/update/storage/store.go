// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage persists releases, channels, variant assignments,
// and health signals in an embedded BadgerDB.
//
// # Keyspace
//
//	app/<appID>                                  -> App
//	release/<appID>/<releaseID>                  -> Release
//	channel/<appID>/<name>                       -> Channel
//	assign/<releaseID>/<deviceID>                -> VariantAssignment
//	signal/<releaseID>/<ts-nanos>/<deviceID>/<t> -> HealthSignal
//
// Signal keys order by timestamp inside a release prefix, so a
// rolling-window read is one bounded seek. Signal entries carry a TTL
// so old health data ages out without a compaction job.
//
// # Concurrency
//
// All methods are safe for concurrent use. BadgerDB transactions are
// optimistic; writers that conflict retry. CreateAssignmentIfAbsent
// is the one primitive with read-back semantics: the losing writer of
// a race returns the winner's assignment, never an error. Rollback
// flips the release status and repoints the channel in a single
// transaction, so readers never observe one without the other.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/bundlenudge/bundlenudge/services/update/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionExists means a release with the same version already
	// exists for the app.
	ErrVersionExists = errors.New("storage: release version already exists")

	// ErrNoFallback means a rollback found no eligible prior release
	// to repoint the channel at; nothing was changed.
	ErrNoFallback = errors.New("storage: no fallback release")
)

// signalTTL bounds how long raw health signals are retained. Far
// beyond the largest permitted rollback window (30 days).
const signalTTL = 45 * 24 * time.Hour

// =============================================================================
// Store
// =============================================================================

// Store is the persistence layer for the update service.
type Store struct {
	db *badger.DB
}

// NewStore wraps an opened database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func appKey(appID string) []byte {
	return []byte("app/" + appID)
}

func releaseKey(appID, releaseID string) []byte {
	return []byte("release/" + appID + "/" + releaseID)
}

func releasePrefix(appID string) []byte {
	return []byte("release/" + appID + "/")
}

func channelKey(appID, name string) []byte {
	return []byte("channel/" + appID + "/" + name)
}

func assignKey(releaseID, deviceID string) []byte {
	return []byte("assign/" + releaseID + "/" + deviceID)
}

func signalKey(s datatypes.HealthSignal) []byte {
	return []byte(fmt.Sprintf("signal/%s/%020d/%s/%s",
		s.ReleaseID, s.Timestamp.UnixNano(), s.DeviceID, s.Type))
}

func signalPrefix(releaseID string) []byte {
	return []byte("signal/" + releaseID + "/")
}

// getJSON reads and decodes one key inside a transaction.
func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

// setJSON encodes and writes one key inside a transaction.
func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// =============================================================================
// Apps
// =============================================================================

// SaveApp persists an app record.
func (s *Store) SaveApp(ctx context.Context, app *datatypes.App) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, appKey(app.ID), app)
	})
}

// GetApp loads an app, or ErrNotFound.
func (s *Store) GetApp(ctx context.Context, appID string) (*datatypes.App, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var app datatypes.App
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, appKey(appID), &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// =============================================================================
// Releases
// =============================================================================

// CreateRelease persists a new release, enforcing per-app version
// uniqueness.
func (s *Store) CreateRelease(ctx context.Context, rel *datatypes.Release) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		existing, err := listReleases(txn, rel.AppID)
		if err != nil {
			return err
		}
		for _, r := range existing {
			if r.Version == rel.Version {
				return fmt.Errorf("version %q for app %s: %w", rel.Version, rel.AppID, ErrVersionExists)
			}
		}
		return setJSON(txn, releaseKey(rel.AppID, rel.ID), rel)
	})
}

// SaveRelease overwrites an existing release record.
func (s *Store) SaveRelease(ctx context.Context, rel *datatypes.Release) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, releaseKey(rel.AppID, rel.ID), rel)
	})
}

// GetRelease loads one release, or ErrNotFound.
func (s *Store) GetRelease(ctx context.Context, appID, releaseID string) (*datatypes.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rel datatypes.Release
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, releaseKey(appID, releaseID), &rel)
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// ListReleases returns all releases for an app.
func (s *Store) ListReleases(ctx context.Context, appID string) ([]*datatypes.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*datatypes.Release
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = listReleases(txn, appID)
		return err
	})
	return out, err
}

// ListChannelReleases returns the app's releases on one channel.
// This is the candidate set a resolver works from.
func (s *Store) ListChannelReleases(ctx context.Context, appID, channel string) ([]*datatypes.Release, error) {
	all, err := s.ListReleases(ctx, appID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.ChannelID == channel {
			out = append(out, r)
		}
	}
	return out, nil
}

func listReleases(txn *badger.Txn, appID string) ([]*datatypes.Release, error) {
	var out []*datatypes.Release
	opts := badger.DefaultIteratorOptions
	prefix := releasePrefix(appID)
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var rel datatypes.Release
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rel)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, &rel)
	}
	return out, nil
}

// =============================================================================
// Channels and Lifecycle
// =============================================================================

// GetChannel loads a channel, or ErrNotFound.
func (s *Store) GetChannel(ctx context.Context, appID, name string) (*datatypes.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ch datatypes.Channel
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, channelKey(appID, name), &ch)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ActivateRelease transitions a release to active and points its
// channel at it, in one transaction.
func (s *Store) ActivateRelease(ctx context.Context, appID, releaseID string, now time.Time) (*datatypes.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rel datatypes.Release
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, releaseKey(appID, releaseID), &rel); err != nil {
			return err
		}
		if err := rel.Transition(datatypes.StatusActive, now); err != nil {
			return err
		}
		if err := setJSON(txn, releaseKey(appID, releaseID), &rel); err != nil {
			return err
		}
		ch := datatypes.Channel{AppID: appID, Name: rel.ChannelID}
		if err := getJSON(txn, channelKey(appID, rel.ChannelID), &ch); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		ch.ActiveReleaseID = rel.ID
		ch.UpdatedAt = now
		return setJSON(txn, channelKey(appID, rel.ChannelID), &ch)
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// SetReleaseStatus applies a pause/resume style transition without
// touching the channel pointer.
func (s *Store) SetReleaseStatus(ctx context.Context, appID, releaseID string, to datatypes.ReleaseStatus, now time.Time) (*datatypes.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rel datatypes.Release
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, releaseKey(appID, releaseID), &rel); err != nil {
			return err
		}
		if err := rel.Transition(to, now); err != nil {
			return err
		}
		return setJSON(txn, releaseKey(appID, releaseID), &rel)
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// UpdateRollout changes a release's rollout percentage.
func (s *Store) UpdateRollout(ctx context.Context, appID, releaseID string, pct int) (*datatypes.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rel datatypes.Release
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, releaseKey(appID, releaseID), &rel); err != nil {
			return err
		}
		rel.RolloutPercentage = pct
		return setJSON(txn, releaseKey(appID, releaseID), &rel)
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// RollbackRelease marks a release rolled back and repoints its
// channel at the most recently activated remaining active release.
//
// # Description
//
// The status flip and the channel repoint commit in the same
// transaction: a reader never observes the release rolled back while
// the channel still points at it, or vice versa. When no fallback
// release exists the transaction aborts and nothing changes;
// ErrNoFallback tells the caller to log the skipped rollback.
//
// # Outputs
//
//   - *datatypes.Release: The fallback release now active on the
//     channel.
//   - error: ErrNotFound, ErrNoFallback, or a transition error for a
//     release that is already rolled back.
func (s *Store) RollbackRelease(ctx context.Context, appID, releaseID, reason string, now time.Time) (*datatypes.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var fallback *datatypes.Release
	err := s.db.Update(func(txn *badger.Txn) error {
		var rel datatypes.Release
		if err := getJSON(txn, releaseKey(appID, releaseID), &rel); err != nil {
			return err
		}
		if err := rel.Transition(datatypes.StatusRolledBack, now); err != nil {
			return err
		}
		rel.RollbackReason = reason

		all, err := listReleases(txn, appID)
		if err != nil {
			return err
		}
		fallback = pickFallback(all, &rel)
		if fallback == nil {
			return fmt.Errorf("channel %s of app %s: %w", rel.ChannelID, appID, ErrNoFallback)
		}

		if err := setJSON(txn, releaseKey(appID, releaseID), &rel); err != nil {
			return err
		}
		ch := datatypes.Channel{AppID: appID, Name: rel.ChannelID}
		if err := getJSON(txn, channelKey(appID, rel.ChannelID), &ch); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		ch.ActiveReleaseID = fallback.ID
		ch.UpdatedAt = now
		return setJSON(txn, channelKey(appID, rel.ChannelID), &ch)
	})
	if err != nil {
		return nil, err
	}
	return fallback, nil
}

// pickFallback returns the most recently activated active release on
// the same channel, excluding the one being rolled back.
func pickFallback(all []*datatypes.Release, target *datatypes.Release) *datatypes.Release {
	var best *datatypes.Release
	for _, r := range all {
		if r.ID == target.ID || r.ChannelID != target.ChannelID {
			continue
		}
		if r.Status != datatypes.StatusActive {
			continue
		}
		if best == nil || r.ActivatedAt.After(best.ActivatedAt) {
			best = r
		}
	}
	return best
}

// ActivateDueReleases activates every pending release whose scheduled
// time has been reached. Returns the activated releases.
func (s *Store) ActivateDueReleases(ctx context.Context, now time.Time) ([]*datatypes.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var due []*datatypes.Release
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("release/")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rel datatypes.Release
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rel)
			})
			if err != nil {
				return err
			}
			if rel.Status == datatypes.StatusPending && !rel.ScheduledAt.IsZero() && !rel.ScheduledAt.After(now) {
				r := rel
				due = append(due, &r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	activated := make([]*datatypes.Release, 0, len(due))
	for _, rel := range due {
		act, err := s.ActivateRelease(ctx, rel.AppID, rel.ID, now)
		if err != nil {
			return activated, fmt.Errorf("activate scheduled release %s: %w", rel.ID, err)
		}
		activated = append(activated, act)
	}
	return activated, nil
}

// ListRollbackCandidates returns every active release with
// auto-rollback enabled, across all apps.
func (s *Store) ListRollbackCandidates(ctx context.Context) ([]*datatypes.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*datatypes.Release
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("release/")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rel datatypes.Release
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rel)
			})
			if err != nil {
				return err
			}
			if rel.Status == datatypes.StatusActive && rel.AutoRollbackEnabled {
				r := rel
				out = append(out, &r)
			}
		}
		return nil
	})
	return out, err
}

// =============================================================================
// Variant Assignments
// =============================================================================

// GetAssignment returns the sticky assignment for the pair, or nil.
func (s *Store) GetAssignment(ctx context.Context, releaseID, deviceID string) (*datatypes.VariantAssignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var a datatypes.VariantAssignment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, assignKey(releaseID, deviceID), &a)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAssignmentIfAbsent persists the assignment unless one already
// exists for the (release, device) pair.
//
// # Description
//
// Badger transactions are optimistic: two concurrent first-time
// resolutions both see no assignment and both write, and the second
// commit fails with ErrConflict. The loser re-reads and returns the
// winner's assignment. Callers always receive the single persisted
// value; the race is never surfaced as an error.
func (s *Store) CreateAssignmentIfAbsent(ctx context.Context, a datatypes.VariantAssignment) (*datatypes.VariantAssignment, error) {
	key := assignKey(a.ReleaseID, a.DeviceID)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var existing datatypes.VariantAssignment
		found := false
		err := s.db.Update(func(txn *badger.Txn) error {
			err := getJSON(txn, key, &existing)
			if err == nil {
				found = true
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			return setJSON(txn, key, &a)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue // lost the race; re-read the winner
		}
		if err != nil {
			return nil, err
		}
		if found {
			return &existing, nil
		}
		return &a, nil
	}
}

// DeleteAssignments removes every assignment for a release. Called
// only when the release itself is deleted.
func (s *Store) DeleteAssignments(ctx context.Context, releaseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := []byte("assign/" + releaseID + "/")
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Health Signals
// =============================================================================

// RecordSignal appends one health signal. Append-only: duplicate and
// out-of-order deliveries from retrying devices each land as their
// own entry, and aggregation deduplicates.
func (s *Store) RecordSignal(ctx context.Context, sig datatypes.HealthSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(signalKey(sig), data).WithTTL(signalTTL)
		return txn.SetEntry(entry)
	})
}

// SignalsSince returns a release's signals at or after the cutoff,
// oldest first.
func (s *Store) SignalsSince(ctx context.Context, releaseID string, since time.Time) ([]datatypes.HealthSignal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.HealthSignal
	prefix := signalPrefix(releaseID)
	seek := []byte(fmt.Sprintf("signal/%s/%020d", releaseID, since.UnixNano()))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var sig datatypes.HealthSignal
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sig)
			})
			if err != nil {
				return err
			}
			out = append(out, sig)
		}
		return nil
	})
	return out, err
}
