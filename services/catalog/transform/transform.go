// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transform builds flattened search documents from entity
// snapshots, driven by the search field declarations in the entity
// registry.
package transform

import (
	"fmt"
	"strings"

	"github.com/ternhq/tern/services/catalog/extract"
	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/registry"
	"github.com/ternhq/tern/services/catalog/urn"
)

// Document is one flattened search document.
type Document struct {
	// ID is the URL-encoded urn, stable across updates so writes upsert.
	ID string

	// EntityType selects the index the document lands in.
	EntityType string

	// URN is the canonical urn, stored as a document field for retrieval.
	URN string

	// Fields holds the extracted search fields. Scalar paths produce a
	// string, array paths a []string. Empty extractions are omitted
	// entirely.
	Fields map[string]any

	// BrowsePaths are the hierarchical browse locations, kept separate
	// from free-text fields.
	BrowsePaths []string
}

// Snapshot builds the search document for a snapshot.
//
// Outputs:
//
//	*Document - The document, or nil when the entity type declares no
//	search fields. Nil with nil error means "nothing to index".
//	error - Non-nil when the snapshot urn is invalid.
func Snapshot(snapshot *model.Snapshot, spec *registry.EntitySpec) (*Document, error) {
	if !spec.Searchable() {
		return nil, nil
	}

	u, err := urn.Parse(snapshot.URN)
	if err != nil {
		return nil, fmt.Errorf("snapshot urn: %w", err)
	}

	doc := &Document{
		ID:         u.Encode(),
		EntityType: spec.Name,
		URN:        u.String(),
		Fields:     make(map[string]any),
	}

	for _, aspect := range snapshot.Aspects {
		aspectSpec, ok := spec.AspectSpec(aspect.Name)
		if !ok {
			continue
		}
		for _, field := range aspectSpec.SearchFields {
			values := extract.Strings(aspect.Value, field.Path)
			if len(values) == 0 {
				continue
			}
			if field.BrowsePath {
				doc.BrowsePaths = append(doc.BrowsePaths, values...)
				continue
			}
			// Array-valued paths always produce a list so the document
			// shape matches the index schema regardless of cardinality.
			if strings.Contains(field.Path, "[]") {
				doc.Fields[field.Name] = values
			} else {
				doc.Fields[field.Name] = values[0]
			}
		}
	}
	return doc, nil
}

// Empty reports whether the document carries no extracted content beyond
// its identity. Empty documents are still written so the entity remains
// findable by urn.
func (d *Document) Empty() bool {
	return len(d.Fields) == 0 && len(d.BrowsePaths) == 0
}
