// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reindex rebuilds the derived sinks from canonical snapshots. It
// is the recovery path for the inconsistency window the event pipeline
// accepts: dropped graph tasks, dead-lettered events, or a wiped index are
// all repaired by replaying the canonical store through here.
package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ternhq/tern/services/catalog/extract"
	"github.com/ternhq/tern/services/catalog/graph"
	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/registry"
	"github.com/ternhq/tern/services/catalog/search"
	"github.com/ternhq/tern/services/catalog/sysmeta"
	"github.com/ternhq/tern/services/catalog/telemetry"
	"github.com/ternhq/tern/services/catalog/transform"
	"github.com/ternhq/tern/services/catalog/urn"
)

// ErrSourceDrained is returned by a SnapshotSource when no snapshots
// remain.
var ErrSourceDrained = errors.New("snapshot source drained")

// SnapshotSource streams canonical entity snapshots, one per call.
type SnapshotSource interface {
	// Next blocks for the next snapshot. Returns ErrSourceDrained at the
	// end of the stream or the context error on cancellation.
	Next(ctx context.Context) (*model.Snapshot, error)
}

// SliceSource serves snapshots from memory. Test and tooling helper.
type SliceSource struct {
	snapshots []*model.Snapshot
	pos       int
}

// NewSliceSource wraps a fixed set of snapshots.
func NewSliceSource(snapshots ...*model.Snapshot) *SliceSource {
	return &SliceSource{snapshots: snapshots}
}

func (s *SliceSource) Next(ctx context.Context) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.snapshots) {
		return nil, ErrSourceDrained
	}
	snapshot := s.snapshots[s.pos]
	s.pos++
	return snapshot, nil
}

// JSONSource decodes a stream of JSON snapshots from a reader, one
// document per snapshot. Used by the reindex CLI to replay an export of
// the canonical store.
type JSONSource struct {
	dec *json.Decoder
}

// NewJSONSource wraps a reader carrying concatenated or newline-delimited
// JSON snapshots.
func NewJSONSource(r io.Reader) *JSONSource {
	return &JSONSource{dec: json.NewDecoder(r)}
}

func (s *JSONSource) Next(ctx context.Context) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snapshot model.Snapshot
	if err := s.dec.Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrSourceDrained
		}
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// Config configures a reindex run.
type Config struct {
	// Concurrency bounds parallel snapshot processing. Defaults to 4.
	Concurrency int

	// Wipe clears all three sinks before the backfill. Without it the
	// backfill upserts over whatever is present.
	Wipe bool

	// RunID attributes the rebuilt rows in the run-tracking store. Empty
	// generates a timestamped id.
	RunID string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RunID == "" {
		c.RunID = "reindex-" + time.Now().UTC().Format("20060102T150405Z")
	}
	return c
}

// Report summarizes a completed reindex run.
type Report struct {
	RunID     string
	Snapshots int
	Skipped   int
	Elapsed   time.Duration
}

// Reindexer replays canonical snapshots into the derived sinks.
//
// Thread Safety: Run is single-use per call; the Reindexer itself holds no
// mutable state and may be shared.
type Reindexer struct {
	registry *registry.Registry
	search   search.Service
	graph    graph.Service
	sysmeta  sysmeta.Service
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// New assembles a reindexer over the three sinks. Metrics may be nil.
func New(reg *registry.Registry, searchSvc search.Service, graphSvc graph.Service, sysmetaSvc sysmeta.Service, metrics *telemetry.Metrics, logger *slog.Logger) *Reindexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reindexer{
		registry: reg,
		search:   searchSvc,
		graph:    graphSvc,
		sysmeta:  sysmetaSvc,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "reindexer")),
	}
}

// Run streams the source through the sinks with bounded parallelism.
//
// A snapshot with an unknown entity type or an invalid urn is skipped and
// counted; a sink failure aborts the run, since a partial backfill defeats
// its purpose.
func (r *Reindexer) Run(ctx context.Context, source SnapshotSource, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	start := time.Now()

	ctx, span := otel.Tracer("reindex").Start(ctx, "reindex.Run",
		trace.WithAttributes(
			attribute.String("run_id", cfg.RunID),
			attribute.Bool("wipe", cfg.Wipe)))
	defer span.End()

	if cfg.Wipe {
		if err := r.wipe(ctx); err != nil {
			return nil, err
		}
	}

	report := &Report{RunID: cfg.RunID}
	group, groupCtx := errgroup.WithContext(ctx)

	// One producer feeding cfg.Concurrency workers.
	snapshots := make(chan *model.Snapshot)
	group.Go(func() error {
		defer close(snapshots)
		for {
			snapshot, err := source.Next(groupCtx)
			if err != nil {
				if errors.Is(err, ErrSourceDrained) {
					return nil
				}
				return fmt.Errorf("snapshot source: %w", err)
			}
			select {
			case snapshots <- snapshot:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
	})

	var processed, skipped atomic.Int64
	for i := 0; i < cfg.Concurrency; i++ {
		group.Go(func() error {
			for snapshot := range snapshots {
				ok, err := r.apply(groupCtx, snapshot, cfg.RunID)
				if err != nil {
					return err
				}
				if ok {
					processed.Add(1)
				} else {
					skipped.Add(1)
				}
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	report.Snapshots = int(processed.Load())
	report.Skipped = int(skipped.Load())
	report.Elapsed = time.Since(start)
	r.logger.Info("reindex complete",
		slog.String("run_id", report.RunID),
		slog.Int("snapshots", report.Snapshots),
		slog.Int("skipped", report.Skipped),
		slog.Duration("elapsed", report.Elapsed))
	return report, nil
}

// apply re-derives all three sinks from one snapshot. Returns false when
// the snapshot cannot be resolved against the registry.
func (r *Reindexer) apply(ctx context.Context, snapshot *model.Snapshot, runID string) (bool, error) {
	spec, err := r.registry.EntitySpec(snapshot.EntityType)
	if err != nil {
		r.logger.Warn("skipping snapshot", slog.String("urn", snapshot.URN), slog.String("reason", err.Error()))
		return false, nil
	}
	entity, err := urn.Parse(snapshot.URN)
	if err != nil {
		r.logger.Warn("skipping snapshot", slog.String("urn", snapshot.URN), slog.String("reason", err.Error()))
		return false, nil
	}

	doc, err := transform.Snapshot(snapshot, spec)
	if err == nil && doc != nil {
		if err := r.search.Upsert(ctx, doc); err != nil {
			return false, fmt.Errorf("reindex search upsert %s: %w", entity, err)
		}
	}

	if types := extract.RelationshipTypes(snapshot, spec); len(types) > 0 {
		edges, err := extract.Edges(snapshot, spec, r.logger)
		if err != nil {
			return false, nil
		}
		if err := r.graph.RemoveEdgesFromNode(ctx, entity, types, graph.Outgoing); err != nil {
			return false, fmt.Errorf("reindex graph clear %s: %w", entity, err)
		}
		for _, edge := range edges {
			if err := r.graph.AddEdge(ctx, edge); err != nil {
				return false, fmt.Errorf("reindex graph add %s: %w", entity, err)
			}
		}
	}

	meta := model.SystemMetadata{
		RunID:           runID,
		RegistryName:    r.registry.Name(),
		RegistryVersion: r.registry.Version(),
	}
	for _, aspect := range snapshot.Aspects {
		if aspect.Name == spec.KeyAspect && len(snapshot.Aspects) != 1 {
			continue
		}
		if err := r.sysmeta.Insert(ctx, entity, aspect.Name, meta); err != nil {
			return false, fmt.Errorf("reindex run tracking %s: %w", entity, err)
		}
	}

	if r.metrics != nil {
		r.metrics.ReindexSnapshotsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("entity_type", spec.Name)))
	}
	return true, nil
}

func (r *Reindexer) wipe(ctx context.Context) error {
	if err := r.graph.Clear(ctx); err != nil {
		return fmt.Errorf("wipe graph: %w", err)
	}
	if err := r.sysmeta.Clear(ctx); err != nil {
		return fmt.Errorf("wipe run tracking: %w", err)
	}
	for _, entityType := range r.registry.EntityTypes() {
		if err := r.search.Clear(ctx, entityType); err != nil {
			return fmt.Errorf("wipe search %s: %w", entityType, err)
		}
	}
	r.logger.Info("sinks wiped before backfill")
	return nil
}
