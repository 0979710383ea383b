// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ternhq/tern/services/catalog/graph"
	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/processor"
	"github.com/ternhq/tern/services/catalog/search"
	"github.com/ternhq/tern/services/catalog/urn"
)

// ingestEvent accepts one change event and processes it synchronously.
// Unprocessable events are reported with 422 after dead-lettering.
func ingestEvent(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var event model.ChangeEvent
		if err := c.ShouldBindJSON(&event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed change event: " + err.Error()})
			return
		}
		if err := s.Processor.Process(c.Request.Context(), &event); err != nil {
			if errors.Is(err, processor.ErrUnprocessable) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			s.Logger.Error("event processing failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "processed"})
	}
}

func searchEntities(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := c.Query("type")
		query := c.Query("q")
		if entityType == "" || query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type and q are required"})
			return
		}
		page, err := s.Search.Search(c.Request.Context(), entityType, query,
			intQuery(c, "start", 0), intQuery(c, "count", 10))
		if err != nil {
			writeSearchError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// filterEntities matches documents on field equality. Criteria arrive as
// filter[field]=value query parameters.
func filterEntities(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := c.Query("type")
		if entityType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
			return
		}
		page, err := s.Search.Filter(c.Request.Context(), entityType, c.QueryMap("filter"),
			c.Query("sort"), intQuery(c, "start", 0), intQuery(c, "count", 10))
		if err != nil {
			writeSearchError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func autoComplete(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := c.Query("type")
		field := c.Query("field")
		if entityType == "" || field == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type and field are required"})
			return
		}
		spec, err := s.Registry.EntitySpec(entityType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !spec.AutocompleteField(field) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "field " + field + " is not an autocomplete target"})
			return
		}
		values, err := s.Search.AutoComplete(c.Request.Context(), entityType, field,
			c.Query("prefix"), intQuery(c, "limit", 10))
		if err != nil {
			writeSearchError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"values": values})
	}
}

func browseEntities(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := c.Query("type")
		if entityType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
			return
		}
		page, err := s.Search.Browse(c.Request.Context(), entityType, c.Query("path"),
			intQuery(c, "start", 0), intQuery(c, "count", 10))
		if err != nil {
			writeSearchError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func aggregateByValue(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := c.Query("type")
		field := c.Query("field")
		if entityType == "" || field == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type and field are required"})
			return
		}
		counts, err := s.Search.AggregateByValue(c.Request.Context(), entityType, field)
		if err != nil {
			writeSearchError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"counts": counts})
	}
}

// relatedEntities answers graph neighborhood queries anchored on a urn.
func relatedEntities(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		anchor, err := urn.Parse(c.Query("urn"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		direction, err := parseDirection(c.DefaultQuery("direction", "OUTGOING"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		q := graph.Query{
			Source:    anchor,
			Direction: direction,
			Start:     intQuery(c, "start", 0),
			Count:     intQuery(c, "count", 100),
		}
		if types := c.Query("relationshipTypes"); types != "" {
			q.RelationshipTypes = strings.Split(types, ",")
		}
		if types := c.Query("sourceTypes"); types != "" {
			q.SourceTypes = strings.Split(types, ",")
		}
		if types := c.Query("destinationTypes"); types != "" {
			q.DestinationTypes = strings.Split(types, ",")
		}

		result, err := s.Graph.FindRelatedEntities(c.Request.Context(), q)
		if err != nil {
			s.Logger.Error("related entities query failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "graph query failed"})
			return
		}

		entities := make([]gin.H, 0, len(result.Entities))
		for _, e := range result.Entities {
			entities = append(entities, gin.H{
				"urn":          e.URN.String(),
				"relationship": e.Relationship,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"entities": entities,
			"start":    result.Start,
			"count":    result.Count,
			"total":    result.Total,
		})
	}
}

func listRuns(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := s.Sysmeta.ListRuns(c.Request.Context(),
			intQuery(c, "offset", 0), intQuery(c, "size", 20))
		if err != nil {
			s.Logger.Error("list runs failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list runs failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

func runRows(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := s.Sysmeta.FindByRunID(c.Request.Context(), c.Param("runId"),
			intQuery(c, "limit", 0))
		if err != nil {
			s.Logger.Error("run lookup failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "run lookup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	}
}

// rollbackRun removes a run's attributions and returns what was removed
// so the caller can repair the derived indexes.
func rollbackRun(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := s.Sysmeta.RollbackRun(c.Request.Context(), c.Param("runId"))
		if err != nil {
			s.Logger.Error("rollback failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rollback failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": rows})
	}
}

func writeSearchError(c *gin.Context, s *Server, err error) {
	if errors.Is(err, search.ErrSearchUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search index unavailable"})
		return
	}
	s.Logger.Error("search query failed", slog.String("error", err.Error()))
	c.JSON(http.StatusBadGateway, gin.H{"error": "search query failed"})
}

func parseDirection(raw string) (graph.Direction, error) {
	switch strings.ToUpper(raw) {
	case "OUTGOING":
		return graph.Outgoing, nil
	case "INCOMING":
		return graph.Incoming, nil
	case "UNDIRECTED":
		return graph.Undirected, nil
	default:
		return 0, errors.New("direction must be OUTGOING, INCOMING, or UNDIRECTED")
	}
}
