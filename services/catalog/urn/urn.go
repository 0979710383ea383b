// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package urn implements the structured entity identifier used as the join
// key across the graph, search, and run-tracking stores.
//
// A urn has the form:
//
//	urn:<namespace>:<entityType>:<id>
//
// e.g. "urn:tern:dataset:(hive,logging.events,PROD)". Urns are opaque and
// immutable once assigned; equality is string-exact after canonicalization.
package urn

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the required leading segment of every urn.
const Scheme = "urn"

var (
	// ErrInvalidURN is returned when a string cannot be parsed as a urn.
	ErrInvalidURN = errors.New("invalid urn")

	// ErrInvalidDocID is returned when a document id cannot be decoded
	// back into a urn.
	ErrInvalidDocID = errors.New("invalid document id")
)

// URN is a parsed, canonicalized entity identifier.
//
// The zero value is not a valid urn; construct via Parse or New.
type URN struct {
	raw        string
	namespace  string
	entityType string
	id         string
}

// Parse parses and canonicalizes a urn string.
//
// Canonicalization trims surrounding whitespace. Beyond that the urn is
// preserved byte for byte: two urns are equal iff their canonical strings
// are equal.
//
// Inputs:
//
//	s - Raw urn string of the form "urn:<namespace>:<entityType>:<id>".
//
// Outputs:
//
//	URN - The parsed urn.
//	error - ErrInvalidURN if the string is malformed.
func Parse(s string) (URN, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return URN{}, fmt.Errorf("%w: expected 4 segments, got %d in %q", ErrInvalidURN, len(parts), s)
	}
	if parts[0] != Scheme {
		return URN{}, fmt.Errorf("%w: scheme must be %q, got %q", ErrInvalidURN, Scheme, parts[0])
	}
	for i, name := range []string{"namespace", "entity type", "id"} {
		if parts[i+1] == "" {
			return URN{}, fmt.Errorf("%w: empty %s in %q", ErrInvalidURN, name, s)
		}
	}
	// The pipe byte is reserved as the store key separator.
	if strings.ContainsAny(s, "|\n\r\t") {
		return URN{}, fmt.Errorf("%w: urn contains reserved characters: %q", ErrInvalidURN, s)
	}
	return URN{
		raw:        s,
		namespace:  parts[1],
		entityType: parts[2],
		id:         parts[3],
	}, nil
}

// New builds a urn from its segments. It round-trips through Parse so the
// result is always canonical.
func New(namespace, entityType, id string) (URN, error) {
	return Parse(fmt.Sprintf("%s:%s:%s:%s", Scheme, namespace, entityType, id))
}

// String returns the canonical urn string.
func (u URN) String() string { return u.raw }

// Namespace returns the namespace segment.
func (u URN) Namespace() string { return u.namespace }

// EntityType returns the declared entity type segment.
func (u URN) EntityType() string { return u.entityType }

// ID returns the type-specific tuple segment.
func (u URN) ID() string { return u.id }

// IsZero reports whether u is the zero URN.
func (u URN) IsZero() bool { return u.raw == "" }

// Encode returns the URL-safe document id for this urn, used as the search
// index key.
func (u URN) Encode() string {
	return url.QueryEscape(u.raw)
}

// Decode converts a document id produced by Encode back into a urn.
func Decode(docID string) (URN, error) {
	raw, err := url.QueryUnescape(docID)
	if err != nil {
		return URN{}, fmt.Errorf("%w: %v", ErrInvalidDocID, err)
	}
	u, err := Parse(raw)
	if err != nil {
		return URN{}, fmt.Errorf("%w: %v", ErrInvalidDocID, err)
	}
	return u, nil
}
