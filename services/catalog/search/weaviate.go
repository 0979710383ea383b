// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/ternhq/tern/services/catalog/registry"
	"github.com/ternhq/tern/services/catalog/transform"
)

// browsePathsField is the reserved document field carrying hierarchical
// browse locations.
const browsePathsField = "browsePaths"

// WeaviateService implements Service on a Weaviate backend with one class
// per entity type.
//
// Thread Safety: Safe for concurrent use.
type WeaviateService struct {
	client   *client
	registry *registry.Registry
	logger   *slog.Logger
}

var _ Service = (*WeaviateService)(nil)

// NewWeaviateService connects the resilient client and returns the
// service. The schema is not touched; call EnsureSchema before writing.
func NewWeaviateService(cfg ClientConfig, reg *registry.Registry, logger *slog.Logger) (*WeaviateService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &WeaviateService{
		client:   c,
		registry: reg,
		logger:   logger.With(slog.String("component", "search_index")),
	}, nil
}

// WaitForReady blocks until the backend reports ready or timeout.
func (s *WeaviateService) WaitForReady(ctx context.Context, timeout time.Duration) error {
	return s.client.WaitForReady(ctx, timeout)
}

// Close stops the background health checker.
func (s *WeaviateService) Close() error {
	return s.client.Close()
}

// className maps an entity type to its Weaviate class. Class names must
// start with an uppercase letter, so "dataset" becomes "CatalogDataset".
func className(entityType string) string {
	var b strings.Builder
	b.WriteString("Catalog")
	upperNext := true
	for _, r := range entityType {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upperNext = true
			continue
		}
		if upperNext {
			r = unicode.ToUpper(r)
			upperNext = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// docUUID derives the deterministic object UUID for a document ID so
// repeated writes of the same urn land on the same object.
func docUUID(docID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(docID)).String())
}

// EnsureSchema creates a class for every searchable entity type that does
// not have one yet. Existing classes are left untouched.
func (s *WeaviateService) EnsureSchema(ctx context.Context) error {
	for _, entityType := range s.registry.EntityTypes() {
		spec, err := s.registry.EntitySpec(entityType)
		if err != nil {
			return err
		}
		if !spec.Searchable() {
			continue
		}
		cls := className(entityType)

		var exists bool
		err = s.client.execute(ctx, "schema_check", func() error {
			var cerr error
			exists, cerr = s.client.wv.Schema().ClassExistenceChecker().WithClassName(cls).Do(ctx)
			return cerr
		})
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		class := &models.Class{
			Class:       cls,
			Description: fmt.Sprintf("Search documents for %s entities", entityType),
			Vectorizer:  "none",
			Properties: []*models.Property{
				{Name: "urn", DataType: []string{"text"}},
				{Name: browsePathsField, DataType: []string{"text[]"}},
			},
		}
		for _, field := range spec.SearchFields() {
			if field.BrowsePath {
				continue
			}
			dataType := "text"
			if strings.Contains(field.Path, "[]") {
				dataType = "text[]"
			}
			class.Properties = append(class.Properties, &models.Property{
				Name:     field.Name,
				DataType: []string{dataType},
			})
		}

		err = s.client.execute(ctx, "schema_create", func() error {
			return s.client.wv.Schema().ClassCreator().WithClass(class).Do(ctx)
		})
		if err != nil {
			return err
		}
		s.logger.Info("created search class",
			slog.String("entity_type", entityType), slog.String("class", cls))
	}
	return nil
}

// Upsert writes the document via the batch API, replacing any previous
// version at the same deterministic object ID.
func (s *WeaviateService) Upsert(ctx context.Context, doc *transform.Document) error {
	props := map[string]interface{}{"urn": doc.URN}
	for k, v := range doc.Fields {
		props[k] = v
	}
	if len(doc.BrowsePaths) > 0 {
		props[browsePathsField] = doc.BrowsePaths
	}

	obj := &models.Object{
		Class:      className(doc.EntityType),
		ID:         docUUID(doc.ID),
		Properties: props,
	}

	return s.client.execute(ctx, "upsert", func() error {
		resp, err := s.client.wv.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
		if err != nil {
			return err
		}
		for _, r := range resp {
			if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
				return fmt.Errorf("batch write rejected: %s", r.Result.Errors.Error[0].Message)
			}
		}
		return nil
	})
}

// Delete removes the document by ID. Missing documents are a no-op.
func (s *WeaviateService) Delete(ctx context.Context, entityType, docID string) error {
	return s.client.execute(ctx, "delete", func() error {
		err := s.client.wv.Data().Deleter().
			WithClassName(className(entityType)).
			WithID(string(docUUID(docID))).
			Do(ctx)
		var clientErr *fault.WeaviateClientError
		if errors.As(err, &clientErr) && clientErr.StatusCode == 404 {
			return nil
		}
		return err
	})
}

// Search runs a BM25 ranked query. Reserved characters in the query are
// stripped before construction.
func (s *WeaviateService) Search(ctx context.Context, entityType, query string, start, count int) (*Page, error) {
	cls := className(entityType)
	escaped := escapeQuery(query)
	if escaped == "" {
		return &Page{Start: start}, nil
	}

	builder := s.client.wv.GraphQL().Get().
		WithClassName(cls).
		WithFields(s.hitFields(entityType)...).
		WithBM25(s.client.wv.GraphQL().Bm25ArgBuilder().WithQuery(escaped)).
		WithOffset(start).
		WithLimit(normalizeCount(count))

	resp, err := s.runGraphQL(ctx, "search", builder.Do)
	if err != nil {
		return nil, err
	}
	hits, err := parseHits(resp, cls, entityType)
	if err != nil {
		return nil, err
	}
	return &Page{Hits: hits, Start: start, Count: len(hits), Total: start + len(hits)}, nil
}

// Filter returns documents matching all equality criteria with an exact
// aggregate total.
func (s *WeaviateService) Filter(ctx context.Context, entityType string, criteria map[string]string, sortField string, start, count int) (*Page, error) {
	cls := className(entityType)
	where := equalityWhere(criteria)
	if sortField == "" {
		sortField = "urn"
	}

	builder := s.client.wv.GraphQL().Get().
		WithClassName(cls).
		WithFields(s.hitFields(entityType)...).
		WithSort(graphql.Sort{Path: []string{sortField}, Order: graphql.Asc}).
		WithOffset(start).
		WithLimit(normalizeCount(count))
	if where != nil {
		builder = builder.WithWhere(where)
	}

	resp, err := s.runGraphQL(ctx, "filter", builder.Do)
	if err != nil {
		return nil, err
	}
	hits, err := parseHits(resp, cls, entityType)
	if err != nil {
		return nil, err
	}

	total, err := s.count(ctx, cls, where)
	if err != nil {
		return nil, err
	}
	return &Page{Hits: hits, Start: start, Count: len(hits), Total: total}, nil
}

// AutoComplete returns distinct values of field beginning with prefix.
func (s *WeaviateService) AutoComplete(ctx context.Context, entityType, field, prefix string, limit int) ([]string, error) {
	cls := className(entityType)
	escaped := escapeQuery(prefix)
	if escaped == "" {
		return nil, nil
	}

	builder := s.client.wv.GraphQL().Get().
		WithClassName(cls).
		WithFields(graphql.Field{Name: field}).
		WithWhere(filters.Where().
			WithPath([]string{field}).
			WithOperator(filters.Like).
			WithValueText(escaped + "*")).
		WithSort(graphql.Sort{Path: []string{field}, Order: graphql.Asc}).
		WithLimit(normalizeCount(limit))

	resp, err := s.runGraphQL(ctx, "autocomplete", builder.Do)
	if err != nil {
		return nil, err
	}

	objects, err := classObjects(resp, cls)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var values []string
	for _, obj := range objects {
		for _, v := range stringValues(obj[field]) {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			values = append(values, v)
		}
	}
	sort.Strings(values)
	return values, nil
}

// Browse returns documents whose browse paths fall under path.
func (s *WeaviateService) Browse(ctx context.Context, entityType, path string, start, count int) (*Page, error) {
	cls := className(entityType)
	where := filters.Where().
		WithPath([]string{browsePathsField}).
		WithOperator(filters.Like).
		WithValueText(strings.TrimSuffix(path, "/") + "*")

	builder := s.client.wv.GraphQL().Get().
		WithClassName(cls).
		WithFields(s.hitFields(entityType)...).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"urn"}, Order: graphql.Asc}).
		WithOffset(start).
		WithLimit(normalizeCount(count))

	resp, err := s.runGraphQL(ctx, "browse", builder.Do)
	if err != nil {
		return nil, err
	}
	hits, err := parseHits(resp, cls, entityType)
	if err != nil {
		return nil, err
	}

	total, err := s.count(ctx, cls, where)
	if err != nil {
		return nil, err
	}
	return &Page{Hits: hits, Start: start, Count: len(hits), Total: total}, nil
}

// AggregateByValue returns document counts grouped by the field's values.
func (s *WeaviateService) AggregateByValue(ctx context.Context, entityType, field string) (map[string]int, error) {
	cls := className(entityType)
	builder := s.client.wv.GraphQL().Aggregate().
		WithClassName(cls).
		WithGroupBy(field).
		WithFields(
			graphql.Field{Name: "groupedBy", Fields: []graphql.Field{{Name: "value"}}},
			graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}},
		)

	resp, err := s.runGraphQL(ctx, "aggregate", builder.Do)
	if err != nil {
		return nil, err
	}

	groups, err := aggregateObjects(resp, cls)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(groups))
	for _, g := range groups {
		groupedBy, _ := g["groupedBy"].(map[string]any)
		meta, _ := g["meta"].(map[string]any)
		value, _ := groupedBy["value"].(string)
		count, ok := meta["count"].(float64)
		if value == "" || !ok {
			continue
		}
		counts[value] = int(count)
	}
	return counts, nil
}

// DocCount returns the number of documents in the entity type's index.
func (s *WeaviateService) DocCount(ctx context.Context, entityType string) (int, error) {
	return s.count(ctx, className(entityType), nil)
}

// Clear removes every document from the entity type's index.
func (s *WeaviateService) Clear(ctx context.Context, entityType string) error {
	return s.client.execute(ctx, "clear", func() error {
		_, err := s.client.wv.Batch().ObjectsBatchDeleter().
			WithClassName(className(entityType)).
			WithWhere(filters.Where().
				WithPath([]string{"urn"}).
				WithOperator(filters.Like).
				WithValueText("*")).
			WithOutput("minimal").
			Do(ctx)
		return err
	})
}

// hitFields lists the GraphQL fields to retrieve for an entity type.
func (s *WeaviateService) hitFields(entityType string) []graphql.Field {
	fields := []graphql.Field{
		{Name: "urn"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "score"}}},
	}
	spec, err := s.registry.EntitySpec(entityType)
	if err != nil {
		return fields
	}
	for _, f := range spec.SearchFields() {
		if f.BrowsePath {
			continue
		}
		fields = append(fields, graphql.Field{Name: f.Name})
	}
	if spec.Searchable() {
		fields = append(fields, graphql.Field{Name: browsePathsField})
	}
	return fields
}

// runGraphQL executes a GraphQL call through the resilient client and
// converts in-band GraphQL errors to ErrQueryFailed.
func (s *WeaviateService) runGraphQL(ctx context.Context, op string, do func(context.Context) (*models.GraphQLResponse, error)) (*models.GraphQLResponse, error) {
	var resp *models.GraphQLResponse
	err := s.client.execute(ctx, op, func() error {
		var derr error
		resp, derr = do(ctx)
		return derr
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrQueryFailed, op, resp.Errors[0].Message)
	}
	return resp, nil
}

// count runs an aggregate meta count, optionally scoped by a filter.
func (s *WeaviateService) count(ctx context.Context, cls string, where *filters.WhereBuilder) (int, error) {
	builder := s.client.wv.GraphQL().Aggregate().
		WithClassName(cls).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}})
	if where != nil {
		builder = builder.WithWhere(where)
	}

	resp, err := s.runGraphQL(ctx, "count", builder.Do)
	if err != nil {
		return 0, err
	}
	groups, err := aggregateObjects(resp, cls)
	if err != nil {
		return 0, err
	}
	if len(groups) == 0 {
		return 0, nil
	}
	meta, _ := groups[0]["meta"].(map[string]any)
	count, _ := meta["count"].(float64)
	return int(count), nil
}

// equalityWhere builds an AND filter over the criteria, or nil when
// empty.
func equalityWhere(criteria map[string]string) *filters.WhereBuilder {
	if len(criteria) == 0 {
		return nil
	}
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	operands := make([]*filters.WhereBuilder, 0, len(keys))
	for _, k := range keys {
		operands = append(operands, filters.Where().
			WithPath([]string{k}).
			WithOperator(filters.Equal).
			WithValueText(criteria[k]))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

// classObjects extracts the per-class object list from a Get response.
func classObjects(resp *models.GraphQLResponse, cls string) ([]map[string]any, error) {
	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: response missing Get block", ErrQueryFailed)
	}
	raw, ok := get[cls].([]any)
	if !ok {
		return nil, nil
	}
	objects := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			objects = append(objects, m)
		}
	}
	return objects, nil
}

// aggregateObjects extracts the per-class group list from an Aggregate
// response.
func aggregateObjects(resp *models.GraphQLResponse, cls string) ([]map[string]any, error) {
	agg, ok := resp.Data["Aggregate"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: response missing Aggregate block", ErrQueryFailed)
	}
	raw, ok := agg[cls].([]any)
	if !ok {
		return nil, nil
	}
	groups := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			groups = append(groups, m)
		}
	}
	return groups, nil
}

// parseHits converts Get response objects into hits.
func parseHits(resp *models.GraphQLResponse, cls, entityType string) ([]Hit, error) {
	objects, err := classObjects(resp, cls)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(objects))
	for _, obj := range objects {
		hit := Hit{EntityType: entityType, Fields: make(map[string]any)}
		for k, v := range obj {
			switch k {
			case "urn":
				hit.URN, _ = v.(string)
			case "_additional":
				if extra, ok := v.(map[string]any); ok {
					// BM25 scores come back as strings.
					if raw, ok := extra["score"].(string); ok {
						hit.Score, _ = strconv.ParseFloat(raw, 64)
					}
				}
			default:
				if v != nil {
					hit.Fields[k] = v
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// stringValues flattens a retrieved property value into strings.
func stringValues(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// escapeQuery strips characters with reserved query semantics, including
// the forward slash, and collapses runs of whitespace.
func escapeQuery(q string) string {
	var b strings.Builder
	for _, r := range q {
		if strings.ContainsRune(`+-=&|<>!(){}[]^"~*?:\/`, r) || unicode.IsControl(r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func normalizeCount(count int) int {
	if count <= 0 {
		return 10
	}
	return count
}
