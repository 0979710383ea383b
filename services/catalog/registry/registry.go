// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry loads and serves the entity schema metadata that drives
// field extraction and search document transformation.
//
// The registry is an explicitly constructed, injected, read-mostly lookup
// structure. It is loaded once at startup from a YAML file, shared by
// reference across all pipeline components, and refreshed only through an
// explicit Reload (optionally triggered by a file watch). There is no
// ambient global registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownEntityType is returned when no spec is registered for an
	// entity type. Callers must not proceed without a spec.
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrInvalidRegistry is returned when the registry file fails
	// structural validation.
	ErrInvalidRegistry = errors.New("invalid entity registry")
)

// RelationshipField marks one aspect field as relationship-bearing.
type RelationshipField struct {
	// Name is the relationship type, e.g. "OwnedBy" or "DownstreamOf".
	Name string `yaml:"name" validate:"required"`

	// Path locates the foreign-key value(s) inside the aspect payload.
	// Dot-separated, with a "[]" suffix on array-valued segments,
	// e.g. "owners[].owner".
	Path string `yaml:"path" validate:"required"`
}

// SearchField marks one aspect field as searchable.
type SearchField struct {
	// Name is the flattened document field name.
	Name string `yaml:"name" validate:"required"`

	// Path locates the value(s) inside the aspect payload.
	Path string `yaml:"path" validate:"required"`

	// BrowsePath marks the field as contributing browse paths rather than
	// free-text content.
	BrowsePath bool `yaml:"browsePath"`

	// Autocomplete marks the field as an autocomplete target.
	Autocomplete bool `yaml:"autocomplete"`
}

// AspectSpec describes one aspect of an entity type.
type AspectSpec struct {
	Name          string              `yaml:"name" validate:"required"`
	Relationships []RelationshipField `yaml:"relationships" validate:"dive"`
	SearchFields  []SearchField       `yaml:"searchFields" validate:"dive"`
}

// EntitySpec is the load-time schema metadata for one entity type.
// Immutable after registry load.
type EntitySpec struct {
	Name string `yaml:"name" validate:"required"`

	// KeyAspect names the aspect whose presence alone signals entity
	// creation, and whose solitary presence in a delete signals entity
	// removal.
	KeyAspect string `yaml:"keyAspect" validate:"required"`

	Aspects []AspectSpec `yaml:"aspects" validate:"required,dive"`
}

// AspectSpec returns the spec for the named aspect, if declared.
func (e *EntitySpec) AspectSpec(name string) (*AspectSpec, bool) {
	for i := range e.Aspects {
		if e.Aspects[i].Name == name {
			return &e.Aspects[i], true
		}
	}
	return nil, false
}

// Searchable reports whether the entity type declares any searchable
// projection at all.
func (e *EntitySpec) Searchable() bool {
	for _, a := range e.Aspects {
		if len(a.SearchFields) > 0 {
			return true
		}
	}
	return false
}

// SearchFields returns every search field declared across the entity's
// aspects, in declaration order.
func (e *EntitySpec) SearchFields() []SearchField {
	var out []SearchField
	for _, a := range e.Aspects {
		out = append(out, a.SearchFields...)
	}
	return out
}

// AutocompleteField reports whether the named field is declared as an
// autocomplete target on any of the entity's aspects.
func (e *EntitySpec) AutocompleteField(name string) bool {
	for _, f := range e.SearchFields() {
		if f.Name == name && f.Autocomplete {
			return true
		}
	}
	return false
}

// file is the on-disk registry document.
type file struct {
	Registry struct {
		Name    string `yaml:"name" validate:"required"`
		Version string `yaml:"version" validate:"required"`
	} `yaml:"registry"`
	Entities []EntitySpec `yaml:"entities" validate:"required,dive"`
}

// Registry is the shared, read-mostly entity spec lookup.
//
// Thread Safety: Safe for concurrent use. Reload swaps the spec table
// atomically under a write lock.
type Registry struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	name    string
	version string
	specs   map[string]*EntitySpec

	validate *validator.Validate
}

// Load reads, validates, and indexes the registry file at path.
//
// Outputs:
//
//	*Registry - Ready-to-use registry.
//	error - Non-nil if the file is unreadable or fails validation.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:     path,
		logger:   logger.With(slog.String("component", "entity_registry")),
		validate: validator.New(),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file and atomically replaces the spec
// table. On error the previous table stays in effect.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry %s: %w", r.path, err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidRegistry, r.path, err)
	}
	if err := r.validate.Struct(&f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}

	specs := make(map[string]*EntitySpec, len(f.Entities))
	for i := range f.Entities {
		e := &f.Entities[i]
		if _, dup := specs[e.Name]; dup {
			return fmt.Errorf("%w: duplicate entity %q", ErrInvalidRegistry, e.Name)
		}
		if _, ok := e.AspectSpec(e.KeyAspect); !ok {
			return fmt.Errorf("%w: entity %q key aspect %q is not declared", ErrInvalidRegistry, e.Name, e.KeyAspect)
		}
		specs[e.Name] = e
	}

	r.mu.Lock()
	r.name = f.Registry.Name
	r.version = f.Registry.Version
	r.specs = specs
	r.mu.Unlock()

	r.logger.Info("entity registry loaded",
		slog.String("registry", f.Registry.Name),
		slog.String("version", f.Registry.Version),
		slog.Int("entities", len(specs)))
	return nil
}

// EntitySpec returns the spec for an entity type.
//
// Outputs:
//
//	*EntitySpec - The immutable spec. Callers must not mutate it.
//	error - ErrUnknownEntityType if the type is not registered.
func (r *Registry) EntitySpec(entityType string) (*EntitySpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return spec, nil
}

// EntityTypes returns the registered entity type names.
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	return out
}

// Name returns the registry name from the loaded file.
func (r *Registry) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

// Version returns the registry version from the loaded file.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Watch blocks watching the registry file and reloads on change until ctx
// is done. A failed reload is logged and the previous specs stay live.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create registry watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return fmt.Errorf("watch %s: %w", r.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("registry reload failed, keeping previous specs",
					slog.String("error", err.Error()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("registry watcher error", slog.String("error", err.Error()))
		}
	}
}
