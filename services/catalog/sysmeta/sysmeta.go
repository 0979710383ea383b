// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sysmeta tracks which ingestion run last wrote each (urn, aspect)
// pair. It answers "what did run X touch" for audit and rollback.
package sysmeta

import (
	"context"
	"errors"
	"time"

	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/urn"
)

// DefaultRunID is recorded when a change event carries no run attribution.
const DefaultRunID = "no-run-id-provided"

var (
	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached or mutated.
	ErrStoreUnavailable = errors.New("system metadata store unavailable")
)

// Row is one tracked (urn, aspect) write attribution. At most one row
// exists per (urn, aspect); the latest insert wins.
type Row struct {
	URN             string    `json:"urn"`
	Aspect          string    `json:"aspect"`
	RunID           string    `json:"runId"`
	LastObserved    time.Time `json:"lastObserved"`
	RegistryName    string    `json:"registryName,omitempty"`
	RegistryVersion string    `json:"registryVersion,omitempty"`
}

// RunSummary aggregates one ingestion run for listing.
type RunSummary struct {
	RunID string `json:"runId"`

	// LastObserved is the most recent write attributed to the run.
	LastObserved time.Time `json:"lastObserved"`

	// Rows is how many (urn, aspect) pairs the run currently owns.
	Rows int `json:"rows"`
}

// Service is the run-tracking store contract.
type Service interface {
	// Insert records that the run in meta wrote the aspect of the urn,
	// replacing any previous attribution for the pair. A zero RunID is
	// recorded as DefaultRunID; a zero LastObserved becomes now.
	Insert(ctx context.Context, entity urn.URN, aspect string, meta model.SystemMetadata) error

	// DeleteAspect removes the attribution row for one (urn, aspect).
	// Missing rows are a no-op.
	DeleteAspect(ctx context.Context, entity urn.URN, aspect string) error

	// DeleteURN removes every attribution row for the urn.
	DeleteURN(ctx context.Context, entity urn.URN) error

	// FindByRunID returns the rows currently attributed to the run, up to
	// limit (0 means no limit), ordered by urn then aspect.
	FindByRunID(ctx context.Context, runID string, limit int) ([]Row, error)

	// FindByRegistry returns the rows written under the named registry.
	// An empty version matches all versions.
	FindByRegistry(ctx context.Context, registryName, registryVersion string, limit int) ([]Row, error)

	// ListRuns returns one page of run summaries, most recent first.
	ListRuns(ctx context.Context, pageOffset, pageSize int) ([]RunSummary, error)

	// RollbackRun deletes every row attributed to the run and returns the
	// removed rows so the caller can repair the derived indexes.
	RollbackRun(ctx context.Context, runID string) ([]Row, error)

	// Clear removes all rows. Used by reindex.
	Clear(ctx context.Context) error
}

// Normalize fills the defaulted fields of a SystemMetadata value.
func Normalize(meta model.SystemMetadata, now time.Time) model.SystemMetadata {
	if meta.RunID == "" {
		meta.RunID = DefaultRunID
	}
	if meta.LastObserved.IsZero() {
		meta.LastObserved = now
	}
	return meta
}
