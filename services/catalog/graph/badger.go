// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ternhq/tern/services/catalog/store"
	"github.com/ternhq/tern/services/catalog/urn"
)

// Key layout. Every edge is written under two keys so both directions scan
// as a contiguous prefix:
//
//	eo|<source>|<relationship>|<destination> -> edge metadata (JSON)
//	ei|<destination>|<relationship>|<source> -> (empty)
//
// Urns cannot contain '|' (rejected at parse time), so the separator is
// unambiguous.
const (
	outPrefix = "eo|"
	inPrefix  = "ei|"
	keySep    = "|"
)

// edgeMeta is the stored per-triple metadata. CreatedOn survives re-adds.
type edgeMeta struct {
	CreatedOn time.Time `json:"createdOn"`
	UpdatedOn time.Time `json:"updatedOn"`
	Actor     string    `json:"actor,omitempty"`
}

// BadgerService is the embedded graph index implementation.
//
// Thread Safety: Safe for concurrent use. Mutations run in conflict-retried
// transactions, so concurrent adds to different triples on the same node
// are never dropped; concurrent upserts of the same triple resolve
// last-writer-wins.
type BadgerService struct {
	db     *store.DB
	logger *slog.Logger
}

var _ Service = (*BadgerService)(nil)

// NewBadgerService creates a graph index over an opened store.
func NewBadgerService(db *store.DB, logger *slog.Logger) *BadgerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerService{
		db:     db,
		logger: logger.With(slog.String("component", "graph_index")),
	}
}

func outKey(source, relationship, destination string) []byte {
	return []byte(outPrefix + source + keySep + relationship + keySep + destination)
}

func inKey(destination, relationship, source string) []byte {
	return []byte(inPrefix + destination + keySep + relationship + keySep + source)
}

// splitKey returns (anchor, relationship, other) from either key form.
func splitKey(key []byte) (string, string, string, error) {
	parts := strings.SplitN(string(key[len(outPrefix):]), keySep, 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed graph key %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}

// AddEdge idempotently upserts the edge triple, preserving CreatedOn when
// the triple already exists.
func (s *BadgerService) AddEdge(ctx context.Context, edge Edge) error {
	if edge.Source.IsZero() || edge.Destination.IsZero() || edge.Relationship == "" {
		return fmt.Errorf("edge requires source, destination, and relationship")
	}

	now := time.Now().UTC()
	meta := edgeMeta{CreatedOn: now, UpdatedOn: now, Actor: edge.Actor}
	if !edge.CreatedOn.IsZero() {
		meta.CreatedOn = edge.CreatedOn
	}

	ok := outKey(edge.Source.String(), edge.Relationship, edge.Destination.String())
	ik := inKey(edge.Destination.String(), edge.Relationship, edge.Source.String())

	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		if item, err := txn.Get(ok); err == nil {
			var prev edgeMeta
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); verr == nil && !prev.CreatedOn.IsZero() {
				meta.CreatedOn = prev.CreatedOn
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		val, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := txn.Set(ok, val); err != nil {
			return err
		}
		return txn.Set(ik, nil)
	})
	if err != nil {
		return fmt.Errorf("%w: add edge: %v", ErrIndexUnavailable, err)
	}
	return nil
}

// RemoveEdgesFromNode removes edges of the given relationship types
// touching node in the given direction.
//
// An empty relationshipTypes list means "no relationship types to remove"
// and is a no-op; cascading wildcard removal goes through RemoveNode.
func (s *BadgerService) RemoveEdgesFromNode(ctx context.Context, node urn.URN, relationshipTypes []string, direction Direction) error {
	if len(relationshipTypes) == 0 {
		s.logger.Debug("removeEdgesFromNode with empty relationship type list, nothing to remove",
			slog.String("urn", node.String()))
		return nil
	}
	types := make(map[string]struct{}, len(relationshipTypes))
	for _, t := range relationshipTypes {
		types[t] = struct{}{}
	}
	if err := s.removeIncident(ctx, node, direction, func(rel string) bool {
		_, ok := types[rel]
		return ok
	}); err != nil {
		return fmt.Errorf("%w: remove edges from %s: %v", ErrIndexUnavailable, node, err)
	}
	return nil
}

// RemoveNode removes the node and all incident edges in both directions.
func (s *BadgerService) RemoveNode(ctx context.Context, node urn.URN) error {
	if err := s.removeIncident(ctx, node, Undirected, func(string) bool { return true }); err != nil {
		return fmt.Errorf("%w: remove node %s: %v", ErrIndexUnavailable, node, err)
	}
	return nil
}

// removeIncident deletes incident edge keys (and their counterparts)
// matching the relationship predicate.
func (s *BadgerService) removeIncident(ctx context.Context, node urn.URN, direction Direction, match func(rel string) bool) error {
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		var doomed [][]byte

		collect := func(prefix []byte, counterpart func(rel, other string) []byte) error {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				key := it.Item().KeyCopy(nil)
				_, rel, other, err := splitKey(key)
				if err != nil {
					return err
				}
				if !match(rel) {
					continue
				}
				doomed = append(doomed, key, counterpart(rel, other))
			}
			return nil
		}

		if direction == Outgoing || direction == Undirected {
			prefix := []byte(outPrefix + node.String() + keySep)
			if err := collect(prefix, func(rel, dst string) []byte {
				return inKey(dst, rel, node.String())
			}); err != nil {
				return err
			}
		}
		if direction == Incoming || direction == Undirected {
			prefix := []byte(inPrefix + node.String() + keySep)
			if err := collect(prefix, func(rel, src string) []byte {
				return outKey(src, rel, node.String())
			}); err != nil {
				return err
			}
		}

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindRelatedEntities returns one page of entities related to the query
// anchor. Results are sorted by urn then relationship for deterministic
// pagination; Total reports the full match count.
func (s *BadgerService) FindRelatedEntities(ctx context.Context, q Query) (*RelatedEntitiesResult, error) {
	type hit struct {
		urn urn.URN
		rel string
	}
	seen := make(map[string]struct{})
	var hits []hit

	relMatch := func(rel string) bool {
		if len(q.RelationshipTypes) == 0 {
			return true
		}
		for _, t := range q.RelationshipTypes {
			if t == rel {
				return true
			}
		}
		return false
	}
	typeMatch := func(types []string, entityType string) bool {
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if t == entityType {
				return true
			}
		}
		return false
	}

	add := func(rel, related string) error {
		relatedURN, err := urn.Parse(related)
		if err != nil {
			// A corrupt key should never have been written; skip it.
			s.logger.Warn("skipping unparseable urn in graph index",
				slog.String("value", related), slog.String("error", err.Error()))
			return nil
		}
		dedupKey := related + keySep + rel
		if _, dup := seen[dedupKey]; dup {
			return nil
		}
		seen[dedupKey] = struct{}{}
		hits = append(hits, hit{urn: relatedURN, rel: rel})
		return nil
	}

	scan := func(txn *badger.Txn, prefix []byte, outgoing bool) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			anchor, rel, other, err := splitKey(it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			if !relMatch(rel) {
				continue
			}
			// Resolve edge source/destination from the scan direction.
			src, dst := anchor, other
			if !outgoing {
				src, dst = other, anchor
			}
			if !typeMatch(q.SourceTypes, entityTypeOf(src)) || !typeMatch(q.DestinationTypes, entityTypeOf(dst)) {
				continue
			}
			related := dst
			if !outgoing {
				related = src
			}
			if err := add(rel, related); err != nil {
				return err
			}
		}
		return nil
	}

	err := s.db.View(ctx, func(txn *badger.Txn) error {
		anchorSeg := ""
		if !q.Source.IsZero() {
			anchorSeg = q.Source.String() + keySep
		}
		if q.Direction == Outgoing || q.Direction == Undirected {
			if err := scan(txn, []byte(outPrefix+anchorSeg), true); err != nil {
				return err
			}
		}
		if q.Direction == Incoming || q.Direction == Undirected {
			if err := scan(txn, []byte(inPrefix+anchorSeg), false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: find related entities: %v", ErrIndexUnavailable, err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].urn.String() != hits[j].urn.String() {
			return hits[i].urn.String() < hits[j].urn.String()
		}
		return hits[i].rel < hits[j].rel
	})

	total := len(hits)
	start := q.Start
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if q.Count > 0 && start+q.Count < end {
		end = start + q.Count
	}

	entities := make([]RelatedEntity, 0, end-start)
	for _, h := range hits[start:end] {
		entities = append(entities, RelatedEntity{URN: h.urn, Relationship: h.rel})
	}
	return &RelatedEntitiesResult{
		Entities: entities,
		Start:    start,
		Count:    len(entities),
		Total:    total,
	}, nil
}

// Clear drops every edge key. Used by reindex.
func (s *BadgerService) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, prefix := range [][]byte{[]byte(outPrefix), []byte(inPrefix)} {
		if err := s.db.DropPrefix(prefix); err != nil {
			return fmt.Errorf("%w: clear graph index: %v", ErrIndexUnavailable, err)
		}
	}
	return nil
}

// entityTypeOf extracts the entity type segment from a stored urn string
// without a full parse. Stored keys were validated on write.
func entityTypeOf(raw string) string {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// edgeExists reports whether the exact triple is present. Test helper and
// consistency check.
func (s *BadgerService) edgeExists(ctx context.Context, edge Edge) (bool, error) {
	var found bool
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(outKey(edge.Source.String(), edge.Relationship, edge.Destination.String()))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return found, nil
}
