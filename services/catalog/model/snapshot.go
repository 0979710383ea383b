// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package model defines the data types that flow through the change
// propagation pipeline: snapshots, aspects, change events, and the system
// metadata attached to ingestion runs.
//
// All types here are plain values produced by external collaborators (the
// canonical metadata store, ingestion pipelines) and consumed read-only by
// the pipeline.
package model

import "time"

// Aspect is one named, independently versioned piece of an entity's
// metadata. The Value payload is JSON-shaped: maps, slices, strings,
// numbers, and booleans.
type Aspect struct {
	Name  string         `json:"name"`
	Value map[string]any `json:"value"`
}

// Snapshot is the complete set of versioned aspects for one entity at a
// point in time, tagged with the entity's declared type.
type Snapshot struct {
	URN        string   `json:"urn"`
	EntityType string   `json:"entityType"`
	Aspects    []Aspect `json:"aspects"`
}

// Aspect returns the named aspect and whether it is present in the
// snapshot. Present-but-empty is distinct from absent.
func (s *Snapshot) Aspect(name string) (Aspect, bool) {
	for _, a := range s.Aspects {
		if a.Name == name {
			return a, true
		}
	}
	return Aspect{}, false
}

// SystemMetadata records which ingestion run produced a metadata write.
type SystemMetadata struct {
	RunID           string    `json:"runId"`
	LastObserved    time.Time `json:"lastObserved"`
	RegistryName    string    `json:"registryName,omitempty"`
	RegistryVersion string    `json:"registryVersion,omitempty"`
}
