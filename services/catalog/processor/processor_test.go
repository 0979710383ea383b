// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternhq/tern/services/catalog/graph"
	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/pool"
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
            autocomplete: true
      - name: ownership
        relationships:
          - name: OwnedBy
            path: owners[].owner
      - name: upstreamLineage
        relationships:
          - name: DownstreamOf
            path: upstreams[].dataset
  - name: corpuser
    keyAspect: corpUserKey
    aspects:
      - name: corpUserKey
`

// fakeSearch records index mutations and serves nothing else.
type fakeSearch struct {
	mu         sync.Mutex
	docs       map[string]*transform.Document
	deletes    []string
	failWrites bool
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{docs: make(map[string]*transform.Document)}
}

func (f *fakeSearch) Upsert(_ context.Context, doc *transform.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("index write refused")
	}
	f.docs[doc.EntityType+"|"+doc.ID] = doc
	return nil
}

func (f *fakeSearch) Delete(_ context.Context, entityType, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("index write refused")
	}
	delete(f.docs, entityType+"|"+docID)
	f.deletes = append(f.deletes, entityType+"|"+docID)
	return nil
}

func (f *fakeSearch) Search(context.Context, string, string, int, int) (*search.Page, error) {
	return &search.Page{}, nil
}

func (f *fakeSearch) Filter(context.Context, string, map[string]string, string, int, int) (*search.Page, error) {
	return &search.Page{}, nil
}

func (f *fakeSearch) AutoComplete(context.Context, string, string, string, int) ([]string, error) {
	return nil, nil
}

func (f *fakeSearch) Browse(context.Context, string, string, int, int) (*search.Page, error) {
	return &search.Page{}, nil
}

func (f *fakeSearch) AggregateByValue(context.Context, string, string) (map[string]int, error) {
	return nil, nil
}

func (f *fakeSearch) DocCount(context.Context, string) (int, error) { return len(f.docs), nil }

func (f *fakeSearch) Clear(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = make(map[string]*transform.Document)
	return nil
}

func (f *fakeSearch) doc(entityType, id string) (*transform.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[entityType+"|"+id]
	return d, ok
}

// captureSink collects dead-lettered events.
type captureSink struct {
	mu     sync.Mutex
	events []model.FailedEvent
}

func (s *captureSink) Send(_ context.Context, failed model.FailedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, failed)
	return nil
}

func (s *captureSink) all() []model.FailedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FailedEvent(nil), s.events...)
}

type harness struct {
	processor *Processor
	search    *fakeSearch
	graph     graph.Service
	sysmeta   sysmeta.Service
	pool      *pool.Pool
	dlq       *captureSink
}

// drain waits for queued graph work before assertions.
func (h *harness) drain() { h.pool.Close() }

func newHarness(t *testing.T) *harness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRegistry), 0o644))
	reg, err := registry.Load(path, nil)
	require.NoError(t, err)

	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		search:  newFakeSearch(),
		graph:   graph.NewBadgerService(db, nil),
		sysmeta: sysmeta.NewBadgerService(db, nil),
		dlq:     &captureSink{},
	}
	// A single worker keeps graph mutations in submission order.
	h.pool = pool.New(pool.Config{Workers: 1, QueueSize: 64}, nil)
	h.processor = New(reg, h.search, h.graph, h.sysmeta, h.pool,
		WithDeadLetterSink(h.dlq))
	return h
}

func datasetSnapshot(urnStr string, aspects ...model.Aspect) *model.Snapshot {
	return &model.Snapshot{URN: urnStr, EntityType: "dataset", Aspects: aspects}
}

func keyAspect(name string) model.Aspect {
	return model.Aspect{Name: "datasetKey", Value: map[string]any{"name": name}}
}

func ownershipAspect(owners ...string) model.Aspect {
	list := make([]any, 0, len(owners))
	for _, o := range owners {
		list = append(list, map[string]any{"owner": o})
	}
	return model.Aspect{Name: "ownership", Value: map[string]any{"owners": list}}
}

func related(t *testing.T, g graph.Service, source string) []graph.RelatedEntity {
	t.Helper()
	u, err := urn.Parse(source)
	require.NoError(t, err)
	result, err := g.FindRelatedEntities(context.Background(), graph.Query{Source: u, Direction: graph.Outgoing})
	require.NoError(t, err)
	return result.Entities
}

func TestProcessUpsertFansOutToAllSinks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	event := &model.ChangeEvent{
		Operation: model.OperationCreate,
		NewSnapshot: datasetSnapshot("urn:tern:dataset:events",
			keyAspect("events"),
			ownershipAspect("urn:tern:corpuser:alice"),
		),
		SystemMetadata: &model.SystemMetadata{RunID: "run-1"},
	}
	require.NoError(t, h.processor.Process(ctx, event))
	h.drain()

	// Search document written under the encoded urn.
	doc, ok := h.search.doc("dataset", "urn%3Atern%3Adataset%3Aevents")
	require.True(t, ok)
	assert.Equal(t, "events", doc.Fields["name"])

	// Graph edge derived from the ownership aspect.
	entities := related(t, h.graph, "urn:tern:dataset:events")
	require.Len(t, entities, 1)
	assert.Equal(t, "OwnedBy", entities[0].Relationship)

	// Run tracking: ownership tracked, key aspect skipped because it did
	// not arrive alone.
	rows, err := h.sysmeta.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ownership", rows[0].Aspect)

	assert.Empty(t, h.dlq.all())
}

func TestProcessBareKeyAspectIsTracked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	event := &model.ChangeEvent{
		Operation:      model.OperationCreate,
		NewSnapshot:    datasetSnapshot("urn:tern:dataset:fresh", keyAspect("fresh")),
		SystemMetadata: &model.SystemMetadata{RunID: "run-1"},
	}
	require.NoError(t, h.processor.Process(ctx, event))
	h.drain()

	rows, err := h.sysmeta.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "datasetKey", rows[0].Aspect, "a lone key aspect is entity creation")
}

func TestProcessUpsertReplacesRelationships(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := &model.ChangeEvent{
		NewSnapshot: datasetSnapshot("urn:tern:dataset:events",
			ownershipAspect("urn:tern:corpuser:alice", "urn:tern:corpuser:bob")),
	}
	require.NoError(t, h.processor.Process(ctx, first))

	second := &model.ChangeEvent{
		NewSnapshot: datasetSnapshot("urn:tern:dataset:events",
			ownershipAspect("urn:tern:corpuser:bob", "urn:tern:corpuser:carol")),
	}
	require.NoError(t, h.processor.Process(ctx, second))
	h.drain()

	entities := related(t, h.graph, "urn:tern:dataset:events")
	var owners []string
	for _, e := range entities {
		owners = append(owners, e.URN.String())
	}
	assert.ElementsMatch(t, []string{"urn:tern:corpuser:bob", "urn:tern:corpuser:carol"}, owners,
		"the new edge set fully replaces the observed relationship types")
}

func TestProcessDuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The event log delivers at least once, so the same event can arrive
	// twice. The second pass must not duplicate anything in any sink.
	event := &model.ChangeEvent{
		Operation: model.OperationCreate,
		NewSnapshot: datasetSnapshot("urn:tern:dataset:events",
			keyAspect("events"),
			ownershipAspect("urn:tern:corpuser:alice"),
		),
		SystemMetadata: &model.SystemMetadata{RunID: "run-1"},
	}
	require.NoError(t, h.processor.Process(ctx, event))
	require.NoError(t, h.processor.Process(ctx, event))
	h.drain()

	count, err := h.search.DocCount(ctx, "dataset")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "one document regardless of delivery count")

	entities := related(t, h.graph, "urn:tern:dataset:events")
	require.Len(t, entities, 1)
	assert.Equal(t, "urn:tern:corpuser:alice", entities[0].URN.String())

	rows, err := h.sysmeta.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ownership", rows[0].Aspect)

	assert.Empty(t, h.dlq.all())
}

func TestProcessDeleteEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.processor.Process(ctx, &model.ChangeEvent{
		NewSnapshot: datasetSnapshot("urn:tern:dataset:doomed",
			keyAspect("doomed"), ownershipAspect("urn:tern:corpuser:alice")),
		SystemMetadata: &model.SystemMetadata{RunID: "run-1"},
	}))

	// Key aspect alone signals entity deletion.
	require.NoError(t, h.processor.Process(ctx, &model.ChangeEvent{
		Operation:   model.OperationDelete,
		OldSnapshot: datasetSnapshot("urn:tern:dataset:doomed", keyAspect("doomed")),
	}))
	h.drain()

	_, ok := h.search.doc("dataset", "urn%3Atern%3Adataset%3Adoomed")
	assert.False(t, ok, "entity delete removes the search document")

	assert.Empty(t, related(t, h.graph, "urn:tern:dataset:doomed"))

	rows, err := h.sysmeta.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Empty(t, rows, "entity delete removes all run tracking rows")
}

func TestProcessDeleteAspectKeepsEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.processor.Process(ctx, &model.ChangeEvent{
		NewSnapshot: datasetSnapshot("urn:tern:dataset:events",
			keyAspect("events"),
			ownershipAspect("urn:tern:corpuser:alice"),
			model.Aspect{Name: "upstreamLineage", Value: map[string]any{
				"upstreams": []any{map[string]any{"dataset": "urn:tern:dataset:raw"}},
			}},
		),
		SystemMetadata: &model.SystemMetadata{RunID: "run-1"},
	}))

	require.NoError(t, h.processor.Process(ctx, &model.ChangeEvent{
		Operation:   model.OperationDelete,
		OldSnapshot: datasetSnapshot("urn:tern:dataset:events", ownershipAspect("urn:tern:corpuser:alice")),
	}))
	h.drain()

	_, ok := h.search.doc("dataset", "urn%3Atern%3Adataset%3Aevents")
	assert.True(t, ok, "partial-aspect delete leaves the search document until the next upsert")

	entities := related(t, h.graph, "urn:tern:dataset:events")
	require.Len(t, entities, 1, "only the deleted aspect's relationship types are removed")
	assert.Equal(t, "DownstreamOf", entities[0].Relationship)

	rows, err := h.sysmeta.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	for _, row := range rows {
		assert.NotEqual(t, "ownership", row.Aspect)
	}
}

func TestProcessUnknownEntityTypeIsDeadLettered(t *testing.T) {
	h := newHarness(t)

	event := &model.ChangeEvent{
		NewSnapshot: &model.Snapshot{URN: "urn:tern:dashboard:d1", EntityType: "dashboard"},
	}
	err := h.processor.Process(context.Background(), event)
	assert.ErrorIs(t, err, ErrUnprocessable)
	h.drain()

	assert.Empty(t, h.search.docs)
}

func TestProcessMissingSnapshotIsUnprocessable(t *testing.T) {
	h := newHarness(t)
	defer h.drain()

	err := h.processor.Process(context.Background(), &model.ChangeEvent{Operation: model.OperationUpdate})
	assert.ErrorIs(t, err, ErrUnprocessable)

	err = h.processor.Process(context.Background(), &model.ChangeEvent{Operation: model.OperationDelete})
	assert.ErrorIs(t, err, ErrUnprocessable, "delete without old snapshot falls through to the upsert path")
}

func TestProcessSearchFailureDoesNotBlockOtherSinks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.search.failWrites = true

	require.NoError(t, h.processor.Process(ctx, &model.ChangeEvent{
		NewSnapshot: datasetSnapshot("urn:tern:dataset:events",
			keyAspect("events"), ownershipAspect("urn:tern:corpuser:alice")),
		SystemMetadata: &model.SystemMetadata{RunID: "run-1"},
	}))
	h.drain()

	assert.NotEmpty(t, related(t, h.graph, "urn:tern:dataset:events"),
		"graph write proceeds despite the search failure")

	rows, err := h.sysmeta.FindByRunID(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, rows, "run tracking proceeds despite the search failure")

	assert.Empty(t, h.dlq.all(), "sink failures are not dead-letter events")
}

func TestRunConsumesChannelSource(t *testing.T) {
	h := newHarness(t)
	source := NewChannelSource(4)

	source.C <- &model.ChangeEvent{
		NewSnapshot: datasetSnapshot("urn:tern:dataset:a", keyAspect("a")),
	}
	source.C <- &model.ChangeEvent{
		NewSnapshot: &model.Snapshot{URN: "urn:tern:mystery:x", EntityType: "mystery"},
	}
	close(source.C)

	require.NoError(t, h.processor.Run(context.Background(), source))
	h.drain()

	_, ok := h.search.doc("dataset", "urn%3Atern%3Adataset%3Aa")
	assert.True(t, ok)

	failed := h.dlq.all()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "unknown entity type")
	assert.NotEmpty(t, failed[0].Stack)
}

func TestRunDeadLettersDecodeFailures(t *testing.T) {
	h := newHarness(t)
	defer h.drain()

	stream := `{"operation":"CREATE","newSnapshot":{"urn":"urn:tern:dataset:ok","entityType":"dataset","aspects":[{"name":"datasetKey","value":{"name":"ok"}}]}}
{this is not json`
	source := NewJSONSource(strings.NewReader(stream))

	require.NoError(t, h.processor.Run(context.Background(), source))

	_, ok := h.search.doc("dataset", "urn%3Atern%3Adataset%3Aok")
	assert.True(t, ok, "valid events before the corruption are processed")

	failed := h.dlq.all()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "decode")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	defer h.drain()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.processor.Run(ctx, NewChannelSource(1))
	assert.ErrorIs(t, err, context.Canceled)
}
