// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestClassName(t *testing.T) {
	assert.Equal(t, "CatalogDataset", className("dataset"))
	assert.Equal(t, "CatalogCorpuser", className("corpuser"))
	assert.Equal(t, "CatalogDataJob", className("data_job"))
	assert.Equal(t, "CatalogMlModel", className("ml-model"))
}

func TestDocUUIDIsDeterministic(t *testing.T) {
	a := docUUID("urn%3Atern%3Adataset%3Aevents")
	b := docUUID("urn%3Atern%3Adataset%3Aevents")
	c := docUUID("urn%3Atern%3Adataset%3Aother")

	assert.Equal(t, a, b, "same document ID always maps to the same object")
	assert.NotEqual(t, a, c)
	assert.Len(t, string(a), 36)
}

func TestEscapeQuery(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "click events", "click events"},
		{"reserved punctuation", `events AND (pii OR "prod")`, "events AND pii OR prod"},
		{"forward slash", "prod/kafka/events", "prod kafka events"},
		{"wildcards and colons", "urn:tern:dataset:*?", "urn tern dataset"},
		{"collapses whitespace", "  a \t b\n c ", "a b c"},
		{"only reserved", `+-=&&||><!`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, escapeQuery(tc.in))
		})
	}
}

func TestEqualityWhere(t *testing.T) {
	assert.Nil(t, equalityWhere(nil))
	assert.NotNil(t, equalityWhere(map[string]string{"origin": "prod"}))
	assert.NotNil(t, equalityWhere(map[string]string{"origin": "prod", "platform": "kafka"}))
}

func TestParseHits(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]any{
				"CatalogDataset": []any{
					map[string]any{
						"urn":         "urn:tern:dataset:events",
						"name":        "events",
						"browsePaths": []any{"/prod/kafka"},
						"_additional": map[string]any{"score": "1.75"},
					},
					map[string]any{
						"urn":  "urn:tern:dataset:other",
						"name": nil,
					},
				},
			},
		},
	}

	hits, err := parseHits(resp, "CatalogDataset", "dataset")
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "urn:tern:dataset:events", hits[0].URN)
	assert.Equal(t, "dataset", hits[0].EntityType)
	assert.Equal(t, "events", hits[0].Fields["name"])
	assert.InDelta(t, 1.75, hits[0].Score, 1e-9)

	_, hasName := hits[1].Fields["name"]
	assert.False(t, hasName, "nil fields are dropped")
}

func TestParseHitsMalformedResponse(t *testing.T) {
	_, err := parseHits(&models.GraphQLResponse{Data: map[string]models.JSONObject{}}, "CatalogDataset", "dataset")
	assert.ErrorIs(t, err, ErrQueryFailed)

	// A class missing from the response is an empty result, not an error.
	hits, err := parseHits(&models.GraphQLResponse{
		Data: map[string]models.JSONObject{"Get": map[string]any{}},
	}, "CatalogDataset", "dataset")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAggregateObjects(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Aggregate": map[string]any{
				"CatalogDataset": []any{
					map[string]any{
						"groupedBy": map[string]any{"value": "prod"},
						"meta":      map[string]any{"count": float64(7)},
					},
				},
			},
		},
	}
	groups, err := aggregateObjects(resp, "CatalogDataset")
	require.NoError(t, err)
	require.Len(t, groups, 1)
}

func TestStringValues(t *testing.T) {
	assert.Equal(t, []string{"a"}, stringValues("a"))
	assert.Equal(t, []string{"a", "b"}, stringValues([]any{"a", "b", float64(1)}))
	assert.Nil(t, stringValues(nil))
	assert.Nil(t, stringValues(42))
}

func TestNormalizeCount(t *testing.T) {
	assert.Equal(t, 10, normalizeCount(0))
	assert.Equal(t, 10, normalizeCount(-5))
	assert.Equal(t, 25, normalizeCount(25))
}
