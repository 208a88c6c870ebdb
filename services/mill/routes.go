// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mill

import (
	"github.com/AleutianAI/AleutianMill/services/mill/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the mill endpoints under rg.
//
// Endpoints:
//
//	POST /mill/hover
//	POST /mill/completion
//	POST /mill/signature
//	POST /mill/definition
//	POST /mill/references
//	GET  /mill/diagnostics?file_path=
//	GET  /mill/sessions
//	POST /mill/workspace/apply
//	POST /mill/symbols
//	GET  /mill/health
//	GET  /mill/ready
//
// Example:
//
//	v1 := router.Group("/v1")
//	mill.RegisterRoutes(v1, mill.NewHandlers(svc))
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	mill := rg.Group("/mill", RequestID())
	{
		mill.POST("/hover", handlers.HandleHover)
		mill.POST("/completion", handlers.HandleCompletion)
		mill.POST("/signature", handlers.HandleSignature)
		mill.POST("/definition", handlers.HandleDefinition)
		mill.POST("/references", handlers.HandleReferences)
		mill.GET("/diagnostics", handlers.HandleDiagnostics)
		mill.GET("/sessions", handlers.HandleSessions)

		mill.POST("/workspace/apply", handlers.HandleApply)

		mill.POST("/symbols", handlers.HandleSymbols)

		mill.GET("/health", handlers.HandleHealth)
		mill.GET("/ready", handlers.HandleReady)
	}
}

// RequestID tags every request with an X-Request-ID, reusing the
// caller's value when present, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// NewRouter builds the gin engine for svc with recovery, tracing and,
// when the Prometheus exporter is active, GET /metrics.
func NewRouter(svc *Service, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	return router
}
