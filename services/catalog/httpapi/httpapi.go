// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package httpapi exposes the catalog's query surface and ingestion
// endpoint over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ternhq/tern/services/catalog/graph"
	"github.com/ternhq/tern/services/catalog/processor"
	"github.com/ternhq/tern/services/catalog/registry"
	"github.com/ternhq/tern/services/catalog/search"
	"github.com/ternhq/tern/services/catalog/sysmeta"
	"github.com/ternhq/tern/services/catalog/telemetry"
)

// Server bundles the dependencies the HTTP handlers need.
type Server struct {
	Registry  *registry.Registry
	Search    search.Service
	Graph     graph.Service
	Sysmeta   sysmeta.Service
	Processor *processor.Processor
	Logger    *slog.Logger
}

// NewRouter builds the gin engine with all catalog routes registered.
func NewRouter(s *Server) *gin.Engine {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("tern-catalog"))

	router.GET("/health", healthCheck(s))
	router.GET("/metrics", func(c *gin.Context) {
		handler := telemetry.MetricsHandler()
		if handler == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics exporter not configured"})
			return
		}
		handler.ServeHTTP(c.Writer, c.Request)
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/events", ingestEvent(s))

		v1.GET("/search", searchEntities(s))
		v1.GET("/filter", filterEntities(s))
		v1.GET("/autocomplete", autoComplete(s))
		v1.GET("/browse", browseEntities(s))
		v1.GET("/aggregate", aggregateByValue(s))

		v1.GET("/related", relatedEntities(s))

		runs := v1.Group("/runs")
		{
			runs.GET("", listRuns(s))
			runs.GET("/:runId", runRows(s))
			runs.POST("/:runId/rollback", rollbackRun(s))
		}
	}
	return router
}

func healthCheck(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"entities": s.Registry.EntityTypes(),
		})
	}
}

// intQuery parses an integer query parameter with a fallback.
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
