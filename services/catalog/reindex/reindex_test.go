// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternhq/tern/services/catalog/graph"
	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/registry"
	"github.com/ternhq/tern/services/catalog/search"
	"github.com/ternhq/tern/services/catalog/store"
	"github.com/ternhq/tern/services/catalog/sysmeta"
	"github.com/ternhq/tern/services/catalog/transform"
	"github.com/ternhq/tern/services/catalog/urn"
)

const testRegistry = `
registry:
  name: tern-test
  version: "1.0.0"
entities:
  - name: dataset
    keyAspect: datasetKey
    aspects:
      - name: datasetKey
        searchFields:
          - name: name
            path: name
      - name: ownership
        relationships:
          - name: OwnedBy
            path: owners[].owner
  - name: corpuser
    keyAspect: corpUserKey
    aspects:
      - name: corpUserKey
`

type memorySearch struct {
	mu      sync.Mutex
	docs    map[string]*transform.Document
	cleared []string
	fail    bool
}

func newMemorySearch() *memorySearch {
	return &memorySearch{docs: make(map[string]*transform.Document)}
}

func (m *memorySearch) Upsert(_ context.Context, doc *transform.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("index write refused")
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *memorySearch) Delete(_ context.Context, _, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}

func (m *memorySearch) Search(context.Context, string, string, int, int) (*search.Page, error) {
	return &search.Page{}, nil
}

func (m *memorySearch) Filter(context.Context, string, map[string]string, string, int, int) (*search.Page, error) {
	return &search.Page{}, nil
}

func (m *memorySearch) AutoComplete(context.Context, string, string, string, int) ([]string, error) {
	return nil, nil
}

func (m *memorySearch) Browse(context.Context, string, string, int, int) (*search.Page, error) {
	return &search.Page{}, nil
}

func (m *memorySearch) AggregateByValue(context.Context, string, string) (map[string]int, error) {
	return nil, nil
}

func (m *memorySearch) DocCount(context.Context, string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs), nil
}

func (m *memorySearch) Clear(_ context.Context, entityType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]*transform.Document)
	m.cleared = append(m.cleared, entityType)
	return nil
}

type fixture struct {
	reindexer *Reindexer
	search    *memorySearch
	graph     graph.Service
	sysmeta   sysmeta.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRegistry), 0o644))
	reg, err := registry.Load(path, nil)
	require.NoError(t, err)

	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		search:  newMemorySearch(),
		graph:   graph.NewBadgerService(db, nil),
		sysmeta: sysmeta.NewBadgerService(db, nil),
	}
	f.reindexer = New(reg, f.search, f.graph, f.sysmeta, nil, nil)
	return f
}

func datasetSnapshot(urnStr, name string, owners ...string) *model.Snapshot {
	aspects := []model.Aspect{
		{Name: "datasetKey", Value: map[string]any{"name": name}},
	}
	if len(owners) > 0 {
		list := make([]any, 0, len(owners))
		for _, o := range owners {
			list = append(list, map[string]any{"owner": o})
		}
		aspects = append(aspects, model.Aspect{Name: "ownership", Value: map[string]any{"owners": list}})
	}
	return &model.Snapshot{URN: urnStr, EntityType: "dataset", Aspects: aspects}
}

func TestRunRebuildsAllSinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	source := NewSliceSource(
		datasetSnapshot("urn:tern:dataset:a", "a", "urn:tern:corpuser:alice"),
		datasetSnapshot("urn:tern:dataset:b", "b"),
	)

	report, err := f.reindexer.Run(ctx, source, Config{RunID: "rebuild-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Snapshots)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, "rebuild-1", report.RunID)

	count, err := f.search.DocCount(ctx, "dataset")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	anchor, err := urn.Parse("urn:tern:dataset:a")
	require.NoError(t, err)
	result, err := f.graph.FindRelatedEntities(ctx, graph.Query{Source: anchor, Direction: graph.Outgoing})
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "OwnedBy", result.Entities[0].Relationship)

	rows, err := f.sysmeta.FindByRunID(ctx, "rebuild-1", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "one row per dataset: bare key for b, ownership for a")
}

func TestRunSkipsUnresolvableSnapshots(t *testing.T) {
	f := newFixture(t)

	source := NewSliceSource(
		datasetSnapshot("urn:tern:dataset:good", "good"),
		&model.Snapshot{URN: "urn:tern:chart:c1", EntityType: "chart"},
		&model.Snapshot{URN: "not-a-urn", EntityType: "dataset"},
	)

	report, err := f.reindexer.Run(context.Background(), source, Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Snapshots)
	assert.Equal(t, 2, report.Skipped)
	assert.NotEmpty(t, report.RunID, "a run id is generated when none is given")
}

func TestRunWipeClearsSinksFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reindexer.Run(ctx, NewSliceSource(
		datasetSnapshot("urn:tern:dataset:stale", "stale", "urn:tern:corpuser:bob"),
	), Config{RunID: "first"})
	require.NoError(t, err)

	report, err := f.reindexer.Run(ctx, NewSliceSource(
		datasetSnapshot("urn:tern:dataset:fresh", "fresh"),
	), Config{RunID: "second", Wipe: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Snapshots)

	assert.ElementsMatch(t, []string{"corpuser", "dataset"}, f.search.cleared)
	count, err := f.search.DocCount(ctx, "dataset")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rows, err := f.sysmeta.FindByRunID(ctx, "first", 0)
	require.NoError(t, err)
	assert.Empty(t, rows, "wipe removes earlier run attributions")

	anchor, err := urn.Parse("urn:tern:dataset:stale")
	require.NoError(t, err)
	result, err := f.graph.FindRelatedEntities(ctx, graph.Query{Source: anchor, Direction: graph.Outgoing})
	require.NoError(t, err)
	assert.Empty(t, result.Entities)
}

func TestRunAbortsOnSinkFailure(t *testing.T) {
	f := newFixture(t)
	f.search.fail = true

	_, err := f.reindexer.Run(context.Background(), NewSliceSource(
		datasetSnapshot("urn:tern:dataset:a", "a"),
	), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reindex search upsert")
}

func TestRunBoundedConcurrency(t *testing.T) {
	f := newFixture(t)

	snapshots := make([]*model.Snapshot, 0, 50)
	for i := 0; i < 50; i++ {
		snapshots = append(snapshots,
			datasetSnapshot("urn:tern:dataset:d"+string(rune('a'+i%26))+string(rune('a'+i/26)), "d"))
	}
	report, err := f.reindexer.Run(context.Background(), NewSliceSource(snapshots...), Config{Concurrency: 8})
	require.NoError(t, err)
	assert.Equal(t, 50, report.Snapshots)
}
