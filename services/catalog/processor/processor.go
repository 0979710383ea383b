// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package processor is the change event orchestrator: it consumes
// metadata change events and fans each one out to the search index, the
// graph index, and the run-tracking store.
//
// Failure isolation rules:
//   - An unrecoverable event (undecodable, unknown entity type, invalid
//     urn, missing snapshot) goes to the dead-letter sink; the pipeline
//     moves on.
//   - A sink write failure on an otherwise valid event is logged and
//     counted; the other sinks still run.
//   - Graph mutations are dispatched to a bounded worker pool and are
//     best effort; search and run tracking run synchronously.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ternhq/tern/services/catalog/extract"
	"github.com/ternhq/tern/services/catalog/graph"
	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/pool"
	"github.com/ternhq/tern/services/catalog/registry"
	"github.com/ternhq/tern/services/catalog/search"
	"github.com/ternhq/tern/services/catalog/sysmeta"
	"github.com/ternhq/tern/services/catalog/telemetry"
	"github.com/ternhq/tern/services/catalog/transform"
	"github.com/ternhq/tern/services/catalog/urn"
)

// ErrUnprocessable marks an event that can never succeed and belongs in
// the dead-letter sink.
var ErrUnprocessable = errors.New("unprocessable event")

// Config configures the processor.
type Config struct {
	// SinkTimeout caps each synchronous sink call. 0 disables the cap.
	SinkTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{SinkTimeout: 10 * time.Second}
}

// Processor fans change events out to the three sinks.
//
// Thread Safety: Safe for concurrent use; per-event state lives on the
// stack.
type Processor struct {
	registry *registry.Registry
	search   search.Service
	graph    graph.Service
	sysmeta  sysmeta.Service
	pool     *pool.Pool
	dlq      DeadLetterSink
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	config   Config
}

// New assembles a processor. The dead-letter sink defaults to logging;
// metrics may be nil.
func New(reg *registry.Registry, searchSvc search.Service, graphSvc graph.Service, sysmetaSvc sysmeta.Service, workers *pool.Pool, opts ...Option) *Processor {
	p := &Processor{
		registry: reg,
		search:   searchSvc,
		graph:    graphSvc,
		sysmeta:  sysmetaSvc,
		pool:     workers,
		logger:   slog.Default(),
		config:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "change_event_processor"))
	if p.dlq == nil {
		p.dlq = NewLogSink(p.logger)
	}
	return p
}

// Option customizes a Processor.
type Option func(*Processor)

// WithDeadLetterSink sets the dead-letter sink.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(p *Processor) { p.dlq = sink }
}

// WithMetrics sets the pipeline metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithConfig sets the processor configuration.
func WithConfig(cfg Config) Option {
	return func(p *Processor) { p.config = cfg }
}

// Run consumes events from the source until ctx is done or the source
// drains. Decode failures are dead-lettered; other source errors abort.
func (p *Processor) Run(ctx context.Context, source Source) error {
	for {
		event, err := source.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceDrained) {
				return nil
			}
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				p.deadLetter(ctx, model.ChangeEvent{}, fmt.Errorf("%w: decode: %v", ErrUnprocessable, decodeErr.Err))
				continue
			}
			return fmt.Errorf("event source: %w", err)
		}
		if err := p.Process(ctx, event); err != nil {
			p.deadLetter(ctx, *event, err)
		}
	}
}

// Process handles one event end to end.
//
// Outputs:
//
//	error - Non-nil only for unprocessable events (wrapping
//	ErrUnprocessable); sink failures are absorbed.
func (p *Processor) Process(ctx context.Context, event *model.ChangeEvent) error {
	start := time.Now()

	ctx, span := otel.Tracer("processor").Start(ctx, "processor.Process",
		trace.WithAttributes(attribute.String("operation", event.Operation.String())))
	defer span.End()

	var err error
	if event.Operation == model.OperationDelete && event.OldSnapshot != nil {
		err = p.processDelete(ctx, span, event)
	} else {
		err = p.processUpsert(ctx, span, event)
	}

	status := "processed"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "unprocessable")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	p.recordEvent(ctx, event, status, time.Since(start))
	return err
}

func (p *Processor) processUpsert(ctx context.Context, span trace.Span, event *model.ChangeEvent) error {
	snapshot := event.NewSnapshot
	if snapshot == nil {
		return fmt.Errorf("%w: %s event without new snapshot", ErrUnprocessable, event.Operation)
	}

	spec, entity, err := p.resolve(snapshot)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("urn", entity.String()))

	p.upsertSearch(ctx, snapshot, spec)
	p.dispatchGraphUpsert(snapshot, spec, entity)
	p.insertSysmeta(ctx, event, snapshot, spec, entity)
	return nil
}

func (p *Processor) processDelete(ctx context.Context, span trace.Span, event *model.ChangeEvent) error {
	snapshot := event.OldSnapshot

	spec, entity, err := p.resolve(snapshot)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("urn", entity.String()))

	// An entity is gone only when the delete carries the key aspect and
	// nothing else. Any other combination removes aspects, not the
	// entity.
	_, keyPresent := snapshot.Aspect(spec.KeyAspect)
	deleteEntity := keyPresent && len(snapshot.Aspects) == 1
	span.SetAttributes(attribute.Bool("delete_entity", deleteEntity))

	if deleteEntity && spec.Searchable() {
		p.withSinkTimeout(ctx, func(ctx context.Context) {
			if err := p.search.Delete(ctx, spec.Name, entity.Encode()); err != nil {
				p.sinkFailure(ctx, "search", entity.String(), err)
			}
		})
	}
	// A partial-aspect delete leaves the search document stale until the
	// next upsert rewrites it.

	if deleteEntity {
		p.dispatchGraph("graph_remove_node", entity, func(ctx context.Context) error {
			return p.graph.RemoveNode(ctx, entity)
		})
	} else {
		types := extract.RelationshipTypes(snapshot, spec)
		if len(types) > 0 {
			p.dispatchGraph("graph_remove_edges", entity, func(ctx context.Context) error {
				return p.graph.RemoveEdgesFromNode(ctx, entity, types, graph.Outgoing)
			})
		}
	}

	p.withSinkTimeout(ctx, func(ctx context.Context) {
		if deleteEntity {
			if err := p.sysmeta.DeleteURN(ctx, entity); err != nil {
				p.sinkFailure(ctx, "sysmeta", entity.String(), err)
			}
			return
		}
		for _, aspect := range snapshot.Aspects {
			if aspect.Name == spec.KeyAspect {
				continue
			}
			if err := p.sysmeta.DeleteAspect(ctx, entity, aspect.Name); err != nil {
				p.sinkFailure(ctx, "sysmeta", entity.String(), err)
			}
		}
	})
	return nil
}

// resolve validates the snapshot's identity against the registry.
func (p *Processor) resolve(snapshot *model.Snapshot) (*registry.EntitySpec, urn.URN, error) {
	spec, err := p.registry.EntitySpec(snapshot.EntityType)
	if err != nil {
		return nil, urn.URN{}, fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	entity, err := urn.Parse(snapshot.URN)
	if err != nil {
		return nil, urn.URN{}, fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	return spec, entity, nil
}

func (p *Processor) upsertSearch(ctx context.Context, snapshot *model.Snapshot, spec *registry.EntitySpec) {
	doc, err := transform.Snapshot(snapshot, spec)
	if err != nil || doc == nil {
		return
	}
	p.withSinkTimeout(ctx, func(ctx context.Context) {
		if err := p.search.Upsert(ctx, doc); err != nil {
			p.sinkFailure(ctx, "search", snapshot.URN, err)
		}
	})
}

// dispatchGraphUpsert replaces the entity's outgoing edges of the
// relationship types the snapshot speaks for, then writes the new set.
func (p *Processor) dispatchGraphUpsert(snapshot *model.Snapshot, spec *registry.EntitySpec, entity urn.URN) {
	types := extract.RelationshipTypes(snapshot, spec)
	if len(types) == 0 {
		return
	}
	edges, err := extract.Edges(snapshot, spec, p.logger)
	if err != nil {
		// resolve already validated the urn; this cannot happen.
		return
	}
	p.dispatchGraph("graph_upsert", entity, func(ctx context.Context) error {
		if err := p.graph.RemoveEdgesFromNode(ctx, entity, types, graph.Outgoing); err != nil {
			return err
		}
		for _, edge := range edges {
			if err := p.graph.AddEdge(ctx, edge); err != nil {
				return err
			}
		}
		return nil
	})
}

// dispatchGraph submits a graph mutation to the bounded pool. Saturation
// drops the mutation with a log line and a counter; the reindex path is
// the recovery mechanism.
func (p *Processor) dispatchGraph(name string, entity urn.URN, run func(ctx context.Context) error) {
	err := p.pool.Submit(pool.Task{Name: name, Run: run})
	if err == nil {
		return
	}
	p.logger.Warn("graph mutation dropped",
		slog.String("task", name),
		slog.String("urn", entity.String()),
		slog.String("reason", err.Error()))
	if p.metrics != nil {
		p.metrics.GraphTasksRejected.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("task", name)))
	}
}

func (p *Processor) insertSysmeta(ctx context.Context, event *model.ChangeEvent, snapshot *model.Snapshot, spec *registry.EntitySpec, entity urn.URN) {
	meta := model.SystemMetadata{}
	if event.SystemMetadata != nil {
		meta = *event.SystemMetadata
	}
	if meta.RegistryName == "" {
		meta.RegistryName = p.registry.Name()
		meta.RegistryVersion = p.registry.Version()
	}

	p.withSinkTimeout(ctx, func(ctx context.Context) {
		for _, aspect := range snapshot.Aspects {
			// The key aspect is only tracked when it arrives alone: a
			// bare key write is entity creation, while a key aspect
			// alongside others is boilerplate the producer attaches to
			// every snapshot.
			if aspect.Name == spec.KeyAspect && len(snapshot.Aspects) != 1 {
				continue
			}
			if err := p.sysmeta.Insert(ctx, entity, aspect.Name, meta); err != nil {
				p.sinkFailure(ctx, "sysmeta", entity.String(), err)
			}
		}
	})

	if p.metrics != nil && !meta.LastObserved.IsZero() {
		p.metrics.IngestionLag.Record(ctx, time.Since(meta.LastObserved).Seconds())
	}
}

func (p *Processor) withSinkTimeout(ctx context.Context, fn func(ctx context.Context)) {
	if p.config.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.SinkTimeout)
		defer cancel()
	}
	fn(ctx)
}

func (p *Processor) sinkFailure(ctx context.Context, sink, entityURN string, err error) {
	p.logger.Error("sink write failed",
		slog.String("sink", sink),
		slog.String("urn", entityURN),
		slog.String("error", err.Error()))
	if p.metrics != nil {
		p.metrics.SinkFailuresTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("sink", sink)))
	}
}

func (p *Processor) deadLetter(ctx context.Context, event model.ChangeEvent, cause error) {
	failed := model.FailedEvent{
		Event: event,
		Error: cause.Error(),
		Stack: string(debug.Stack()),
	}
	if err := p.dlq.Send(ctx, failed); err != nil {
		p.logger.Error("dead-letter sink rejected event", slog.String("error", err.Error()))
	}
	if p.metrics != nil {
		p.metrics.DeadLetterTotal.Add(ctx, 1)
	}
}

func (p *Processor) recordEvent(ctx context.Context, event *model.ChangeEvent, status string, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.EventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", event.Operation.String()),
		attribute.String("status", status)))
	p.metrics.EventDuration.Record(ctx, elapsed.Seconds())
}
