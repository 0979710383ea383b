// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sysmeta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/store"
	"github.com/ternhq/tern/services/catalog/urn"
)

func newTestService(t *testing.T) *BadgerService {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerService(db, nil)
}

func mustURN(t *testing.T, s string) urn.URN {
	t.Helper()
	u, err := urn.Parse(s)
	require.NoError(t, err)
	return u
}

func meta(runID string, observed time.Time) model.SystemMetadata {
	return model.SystemMetadata{RunID: runID, LastObserved: observed, RegistryName: "tern-test", RegistryVersion: "1.0.0"}
}

func TestInsertAndFindByRunID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ds := mustURN(t, "urn:tern:dataset:events")
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, svc.Insert(ctx, ds, "datasetKey", meta("run-1", now)))
	require.NoError(t, svc.Insert(ctx, ds, "ownership", meta("run-1", now)))

	rows, err := svc.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "datasetKey", rows[0].Aspect)
	assert.Equal(t, "ownership", rows[1].Aspect)
	assert.Equal(t, "tern-test", rows[0].RegistryName)
}

func TestInsertLatestRunWins(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ds := mustURN(t, "urn:tern:dataset:events")
	now := time.Now().UTC()

	require.NoError(t, svc.Insert(ctx, ds, "ownership", meta("run-1", now)))
	require.NoError(t, svc.Insert(ctx, ds, "ownership", meta("run-2", now.Add(time.Minute))))

	// The stale run index entry is gone.
	stale, err := svc.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	current, err := svc.FindByRunID(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "ownership", current[0].Aspect)
}

func TestInsertDefaultsRunID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ds := mustURN(t, "urn:tern:dataset:events")

	require.NoError(t, svc.Insert(ctx, ds, "datasetKey", model.SystemMetadata{}))

	rows, err := svc.FindByRunID(ctx, DefaultRunID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].LastObserved.IsZero())
}

func TestInsertRejectsReservedCharacters(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ds := mustURN(t, "urn:tern:dataset:events")

	assert.Error(t, svc.Insert(ctx, ds, "ownership", meta("run|1", time.Now())))
	assert.Error(t, svc.Insert(ctx, ds, "owner|ship", meta("run-1", time.Now())))
	assert.Error(t, svc.Insert(ctx, ds, "", meta("run-1", time.Now())))
}

func TestDeleteAspect(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ds := mustURN(t, "urn:tern:dataset:events")
	now := time.Now().UTC()

	require.NoError(t, svc.Insert(ctx, ds, "datasetKey", meta("run-1", now)))
	require.NoError(t, svc.Insert(ctx, ds, "ownership", meta("run-1", now)))

	require.NoError(t, svc.DeleteAspect(ctx, ds, "ownership"))
	require.NoError(t, svc.DeleteAspect(ctx, ds, "ownership"), "missing row is a no-op")

	rows, err := svc.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "datasetKey", rows[0].Aspect)
}

func TestDeleteURN(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ds := mustURN(t, "urn:tern:dataset:events")
	other := mustURN(t, "urn:tern:dataset:other")
	now := time.Now().UTC()

	require.NoError(t, svc.Insert(ctx, ds, "datasetKey", meta("run-1", now)))
	require.NoError(t, svc.Insert(ctx, ds, "ownership", meta("run-1", now)))
	require.NoError(t, svc.Insert(ctx, other, "datasetKey", meta("run-1", now)))

	require.NoError(t, svc.DeleteURN(ctx, ds))

	rows, err := svc.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, other.String(), rows[0].URN)
}

func TestFindByRegistry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ds := mustURN(t, "urn:tern:dataset:events")
	now := time.Now().UTC()

	require.NoError(t, svc.Insert(ctx, ds, "datasetKey", meta("run-1", now)))
	v2 := meta("run-2", now)
	v2.RegistryVersion = "2.0.0"
	require.NoError(t, svc.Insert(ctx, ds, "ownership", v2))

	all, err := svc.FindByRegistry(ctx, "tern-test", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	versioned, err := svc.FindByRegistry(ctx, "tern-test", "2.0.0", 0)
	require.NoError(t, err)
	require.Len(t, versioned, 1)
	assert.Equal(t, "ownership", versioned[0].Aspect)

	none, err := svc.FindByRegistry(ctx, "unknown", "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListRuns(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, spec := range []struct {
		urn, aspect, run string
		at               time.Time
	}{
		{"urn:tern:dataset:a", "datasetKey", "run-old", now.Add(-time.Hour)},
		{"urn:tern:dataset:a", "ownership", "run-new", now},
		{"urn:tern:dataset:b", "datasetKey", "run-new", now.Add(-time.Minute)},
	} {
		require.NoError(t, svc.Insert(ctx, mustURN(t, spec.urn), spec.aspect, meta(spec.run, spec.at)), "row %d", i)
	}

	runs, err := svc.ListRuns(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].RunID, "most recent run first")
	assert.Equal(t, 2, runs[0].Rows)
	assert.True(t, now.Equal(runs[0].LastObserved))
	assert.Equal(t, "run-old", runs[1].RunID)

	page, err := svc.ListRuns(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "run-old", page[0].RunID)
}

func TestRollbackRun(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := mustURN(t, "urn:tern:dataset:a")
	b := mustURN(t, "urn:tern:dataset:b")
	require.NoError(t, svc.Insert(ctx, a, "datasetKey", meta("run-bad", now)))
	require.NoError(t, svc.Insert(ctx, a, "ownership", meta("run-good", now)))
	require.NoError(t, svc.Insert(ctx, b, "datasetKey", meta("run-bad", now)))

	removed, err := svc.RollbackRun(ctx, "run-bad")
	require.NoError(t, err)
	require.Len(t, removed, 2)

	// Only rows owned by the rolled-back run are gone.
	remaining, err := svc.FindByRunID(ctx, "run-good", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	gone, err := svc.FindByRunID(ctx, "run-bad", 0)
	require.NoError(t, err)
	assert.Empty(t, gone)

	// Rolling back an unknown run removes nothing.
	none, err := svc.RollbackRun(ctx, "run-missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClear(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Insert(ctx, mustURN(t, "urn:tern:dataset:a"), "datasetKey", meta("run-1", time.Now())))
	require.NoError(t, svc.Clear(ctx))

	runs, err := svc.ListRuns(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
