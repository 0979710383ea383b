// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extract pulls typed values out of aspect payloads using the
// path language declared in the entity registry.
//
// A path is dot-separated; a segment with a "[]" suffix fans out over an
// array. "owners[].owner" reads aspect["owners"], iterates the array, and
// reads "owner" from each element. Extraction is lenient: a missing
// segment or a wrong-shaped value yields no results, never an error.
package extract

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ternhq/tern/services/catalog/graph"
	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/registry"
	"github.com/ternhq/tern/services/catalog/urn"
)

// Values returns every leaf value the path selects from the aspect
// payload, in encounter order.
func Values(value map[string]any, path string) []any {
	if path == "" {
		return nil
	}
	current := []any{any(value)}
	for _, seg := range strings.Split(path, ".") {
		fanOut := strings.HasSuffix(seg, "[]")
		name := strings.TrimSuffix(seg, "[]")

		var next []any
		for _, v := range current {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			child, ok := m[name]
			if !ok {
				continue
			}
			if fanOut {
				items, ok := child.([]any)
				if !ok {
					continue
				}
				next = append(next, items...)
			} else {
				next = append(next, child)
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

// Strings returns the path's leaf values rendered as strings. Non-scalar
// leaves are dropped; numbers and booleans are formatted.
func Strings(value map[string]any, path string) []string {
	var out []string
	for _, v := range Values(value, path) {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case bool, float64, int, int64:
			out = append(out, fmt.Sprintf("%v", t))
		}
	}
	return out
}

// Edges derives graph edges from a snapshot using the relationship fields
// declared for the snapshot's entity type.
//
// Foreign keys that fail urn validation are skipped with a warning so one
// malformed reference never blocks the rest of the snapshot.
//
// Outputs:
//
//	[]graph.Edge - All derivable edges, in aspect then field order.
//	error - Non-nil only when the snapshot's own urn is invalid.
func Edges(snapshot *model.Snapshot, spec *registry.EntitySpec, logger *slog.Logger) ([]graph.Edge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	source, err := urn.Parse(snapshot.URN)
	if err != nil {
		return nil, fmt.Errorf("snapshot urn: %w", err)
	}

	var edges []graph.Edge
	for _, aspect := range snapshot.Aspects {
		aspectSpec, ok := spec.AspectSpec(aspect.Name)
		if !ok {
			continue
		}
		for _, rel := range aspectSpec.Relationships {
			for _, raw := range Strings(aspect.Value, rel.Path) {
				destination, err := urn.Parse(raw)
				if err != nil {
					logger.Warn("skipping relationship with malformed urn",
						slog.String("urn", snapshot.URN),
						slog.String("aspect", aspect.Name),
						slog.String("relationship", rel.Name),
						slog.String("value", raw),
						slog.String("error", err.Error()))
					continue
				}
				edges = append(edges, graph.Edge{
					Source:       source,
					Destination:  destination,
					Relationship: rel.Name,
				})
			}
		}
	}
	return edges, nil
}

// RelationshipTypes returns the distinct relationship types declared on
// aspects present in the snapshot, in declaration order. This is the
// replacement scope for edge updates: only types the snapshot speaks for
// may be rewritten.
func RelationshipTypes(snapshot *model.Snapshot, spec *registry.EntitySpec) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, aspect := range snapshot.Aspects {
		aspectSpec, ok := spec.AspectSpec(aspect.Name)
		if !ok {
			continue
		}
		for _, rel := range aspectSpec.Relationships {
			if _, dup := seen[rel.Name]; dup {
				continue
			}
			seen[rel.Name] = struct{}{}
			out = append(out, rel.Name)
		}
	}
	return out
}
