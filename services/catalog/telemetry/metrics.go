// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pre-defined metrics for the catalog pipeline.
// All metrics use the "catalog_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// EventsTotal counts processed change events by operation and status.
	EventsTotal metric.Int64Counter

	// EventDuration records end-to-end per-event processing time.
	EventDuration metric.Float64Histogram

	// IngestionLag records the delay between a write being observed
	// upstream and the event being processed here.
	IngestionLag metric.Float64Histogram

	// DeadLetterTotal counts events forwarded to the dead-letter sink.
	DeadLetterTotal metric.Int64Counter

	// SinkFailuresTotal counts per-sink write failures by sink name.
	SinkFailuresTotal metric.Int64Counter

	// GraphTasksRejected counts graph mutations dropped because the
	// worker pool was saturated.
	GraphTasksRejected metric.Int64Counter

	// ReindexSnapshotsTotal counts snapshots replayed by reindex runs.
	ReindexSnapshotsTotal metric.Int64Counter
}

// NewMetrics registers the pipeline metrics with the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsTotal, err = meter.Int64Counter(
		"catalog_events_total",
		metric.WithDescription("Total change events processed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_total: %w", err)
	}

	m.EventDuration, err = meter.Float64Histogram(
		"catalog_event_duration_seconds",
		metric.WithDescription("Per-event processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create event_duration: %w", err)
	}

	m.IngestionLag, err = meter.Float64Histogram(
		"catalog_ingestion_lag_seconds",
		metric.WithDescription("Delay between upstream observation and processing"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingestion_lag: %w", err)
	}

	m.DeadLetterTotal, err = meter.Int64Counter(
		"catalog_dead_letter_total",
		metric.WithDescription("Events forwarded to the dead-letter sink"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dead_letter_total: %w", err)
	}

	m.SinkFailuresTotal, err = meter.Int64Counter(
		"catalog_sink_failures_total",
		metric.WithDescription("Per-sink write failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sink_failures_total: %w", err)
	}

	m.GraphTasksRejected, err = meter.Int64Counter(
		"catalog_graph_tasks_rejected_total",
		metric.WithDescription("Graph mutations dropped due to pool saturation"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create graph_tasks_rejected: %w", err)
	}

	m.ReindexSnapshotsTotal, err = meter.Int64Counter(
		"catalog_reindex_snapshots_total",
		metric.WithDescription("Snapshots replayed by reindex runs"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reindex_snapshots_total: %w", err)
	}

	return m, nil
}
