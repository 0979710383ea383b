// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package search owns the full-text index: one index per entity type,
// written by the change event processor and read by the query surface.
package search

import (
	"context"
	"errors"

	"github.com/ternhq/tern/services/catalog/transform"
)

var (
	// ErrSearchUnavailable is returned when the search backend cannot be
	// reached. Retryable.
	ErrSearchUnavailable = errors.New("search index unavailable")

	// ErrQueryFailed is returned when a query could not be constructed or
	// executed. The backend client's error type never escapes; the cause
	// is carried in the message.
	ErrQueryFailed = errors.New("search query failed")
)

// Hit is one search result.
type Hit struct {
	URN        string         `json:"urn"`
	EntityType string         `json:"entityType"`
	Fields     map[string]any `json:"fields,omitempty"`
	Score      float64        `json:"score,omitempty"`
}

// Page is one page of hits.
//
// Total is exact for filtered queries. For ranked full-text queries the
// backend reports no overall match count, so Total is a lower bound:
// Start + len(Hits).
type Page struct {
	Hits  []Hit `json:"hits"`
	Start int   `json:"start"`
	Count int   `json:"count"`
	Total int   `json:"total"`
}

// Service is the search index contract consumed by the change event
// processor and the query surface.
type Service interface {
	// Upsert writes the document into its entity type's index. Writing
	// the same document ID again replaces the previous version.
	Upsert(ctx context.Context, doc *transform.Document) error

	// Delete removes the document by ID. Deleting a missing document is a
	// no-op.
	Delete(ctx context.Context, entityType, docID string) error

	// Search runs a ranked full-text query over the entity type's index.
	Search(ctx context.Context, entityType, query string, start, count int) (*Page, error)

	// Filter returns documents matching all field equality criteria,
	// sorted by sortField (urn order when empty).
	Filter(ctx context.Context, entityType string, criteria map[string]string, sortField string, start, count int) (*Page, error)

	// AutoComplete returns distinct values of field starting with prefix.
	AutoComplete(ctx context.Context, entityType, field, prefix string, limit int) ([]string, error)

	// Browse returns documents whose browse paths fall under path.
	Browse(ctx context.Context, entityType, path string, start, count int) (*Page, error)

	// AggregateByValue returns document counts grouped by the field's
	// values.
	AggregateByValue(ctx context.Context, entityType, field string) (map[string]int, error)

	// DocCount returns the number of documents in the entity type's
	// index.
	DocCount(ctx context.Context, entityType string) (int, error)

	// Clear removes every document from the entity type's index. Used by
	// reindex.
	Clear(ctx context.Context, entityType string) error
}
