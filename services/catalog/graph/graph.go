// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph owns the edge index: directed, typed relationships between
// entity urns, with related-entity lookups for the query layer.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/ternhq/tern/services/catalog/urn"
)

var (
	// ErrIndexUnavailable is returned when the underlying index cannot be
	// reached or mutated. Retryable; the caller decides retry policy.
	ErrIndexUnavailable = errors.New("graph index unavailable")
)

// Direction selects which incident edges a query or removal touches,
// relative to the anchor urn.
type Direction int

const (
	// Outgoing selects edges whose source is the anchor.
	Outgoing Direction = iota
	// Incoming selects edges whose destination is the anchor.
	Incoming
	// Undirected selects the union of both directions with dedup.
	Undirected
)

// String returns the wire name of the direction.
func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "OUTGOING"
	case Incoming:
		return "INCOMING"
	case Undirected:
		return "UNDIRECTED"
	default:
		return "UNKNOWN"
	}
}

// Edge is a directed, typed relationship between two urns. An edge is
// uniquely identified by (Source, Destination, Relationship); re-adding an
// existing triple updates metadata, never duplicates.
type Edge struct {
	Source       urn.URN
	Destination  urn.URN
	Relationship string

	// CreatedOn is preserved across re-adds of the same triple.
	CreatedOn time.Time
	// UpdatedOn advances on every upsert of the triple.
	UpdatedOn time.Time
	// Actor identifies who caused the mutation, when known.
	Actor string
}

// Query describes a related-entity lookup.
type Query struct {
	// Source anchors the query on one urn. When zero, all nodes match.
	Source urn.URN

	// SourceTypes filters by the source entity type. Empty matches all.
	SourceTypes []string

	// DestinationTypes filters by the destination entity type.
	DestinationTypes []string

	// RelationshipTypes filters by relationship type. Empty matches all.
	RelationshipTypes []string

	// Direction is interpreted relative to the anchor.
	Direction Direction

	// Start and Count paginate the result. Count <= 0 means no limit.
	Start int
	Count int
}

// RelatedEntity is one query hit: the entity on the far side of a matching
// edge, with the relationship that connects it.
type RelatedEntity struct {
	URN          urn.URN
	Relationship string
}

// RelatedEntitiesResult is one page of query hits with the full match
// count.
type RelatedEntitiesResult struct {
	Entities []RelatedEntity
	Start    int
	Count    int
	Total    int
}

// Service is the graph index contract consumed by the change event
// processor and exposed to the query layer.
type Service interface {
	// AddEdge idempotently upserts an edge; metadata is updated when the
	// triple already exists.
	AddEdge(ctx context.Context, edge Edge) error

	// RemoveEdgesFromNode removes edges of the given relationship types
	// touching node in the given direction. An empty relationshipTypes
	// list is a no-op: there is nothing to remove. Wildcard removal is
	// RemoveNode.
	RemoveEdgesFromNode(ctx context.Context, node urn.URN, relationshipTypes []string, direction Direction) error

	// RemoveNode removes the node and every incident edge in both
	// directions. Queries referencing a removed urn return empty results,
	// not errors.
	RemoveNode(ctx context.Context, node urn.URN) error

	// FindRelatedEntities returns a page of entities related to the query
	// anchor, with a total for pagination.
	FindRelatedEntities(ctx context.Context, q Query) (*RelatedEntitiesResult, error)

	// Clear removes every edge. Used by reindex/backfill.
	Clear(ctx context.Context) error
}
