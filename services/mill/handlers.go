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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
	"github.com/AleutianAI/AleutianMill/services/mill/symbols"
	"github.com/AleutianAI/AleutianMill/services/mill/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers contains the HTTP handlers for the mill service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

func getOrCreateRequestID(c *gin.Context) string {
	if requestID := c.GetString(requestIDKey); requestID != "" {
		return requestID
	}
	requestID := c.GetHeader(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDKey, requestID)
	c.Header(requestIDHeader, requestID)
	return requestID
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", handler)
	return telemetry.LoggerWithTrace(c.Request.Context(), logger)
}

// errorStatus maps an error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var lspErr *lsp.LSPError
	switch {
	case errors.Is(err, ErrPathOutsideRoot):
		return http.StatusBadRequest, "INVALID_PATH"
	case errors.Is(err, lsp.ErrUnsupportedLanguage), errors.Is(err, symbols.ErrNoTool):
		return http.StatusBadRequest, "UNSUPPORTED_LANGUAGE"
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound, "FILE_NOT_FOUND"
	case errors.Is(err, lsp.ErrRequestTimeout), errors.Is(err, symbols.ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "REQUEST_TIMEOUT"
	case lsp.IsUnavailable(err), errors.Is(err, symbols.ErrToolNotInstalled), errors.Is(err, ErrServiceClosed):
		return http.StatusServiceUnavailable, "SERVER_UNAVAILABLE"
	case errors.As(err, &lspErr):
		return http.StatusBadGateway, "ANALYZER_ERROR"
	case errors.Is(err, lsp.ErrInvalidResponse), errors.Is(err, symbols.ErrToolFailed), errors.Is(err, symbols.ErrInvalidToolOutput):
		return http.StatusBadGateway, "TOOL_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", slog.String("error", err.Error()), slog.String("code", code))
	} else {
		logger.Warn("Request rejected", slog.String("error", err.Error()), slog.String("code", code))
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "5")
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, logger *slog.Logger, err error) {
	logger.Warn("Invalid request body", slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: "Invalid request body: " + err.Error(),
		Code:  "INVALID_REQUEST",
	})
}

// bindPosition decodes the body into req and resolves its file path.
func (h *Handlers) bindPosition(c *gin.Context, logger *slog.Logger, req any, pr *PositionRequest) (string, bool) {
	if err := c.ShouldBindJSON(req); err != nil {
		badRequest(c, logger, err)
		return "", false
	}
	path, err := h.svc.ResolvePath(pr.FilePath)
	if err != nil {
		writeError(c, logger, err)
		return "", false
	}
	return path, true
}

// HandleHover handles POST /v1/mill/hover.
//
// Description:
//
//	Returns hover information for a zero-based position. When the
//	analyzer does not answer in time the response carries a synthetic
//	placeholder instead of an error.
//
// Response:
//
//	200 OK: HoverResponse
//	400 Bad Request: Invalid body, path, or unsupported language
//	404 Not Found: File does not exist
//	503 Service Unavailable: Analyzer could not be reached
func (h *Handlers) HandleHover(c *gin.Context) {
	logger := h.requestLogger(c, "HandleHover")

	var req PositionRequest
	path, ok := h.bindPosition(c, logger, &req, &req)
	if !ok {
		return
	}

	info, err := h.svc.Operations().GetHover(c.Request.Context(), path, req.position())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, HoverResponse{Found: info != nil, Hover: info})
}

// HandleCompletion handles POST /v1/mill/completion.
//
// Description:
//
//	Returns completion proposals. The result status distinguishes a
//	real (possibly empty) answer from a timeout and from a failure, so
//	every outcome is a 200 except requests that could not be routed.
//
// Response:
//
//	200 OK: lsp.CompletionResult
//	400 Bad Request: Invalid body, path, or unsupported language
//	404 Not Found: File does not exist
//	503 Service Unavailable: Analyzer could not be reached
func (h *Handlers) HandleCompletion(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCompletion")

	var req CompletionRequest
	path, ok := h.bindPosition(c, logger, &req, &req.PositionRequest)
	if !ok {
		return
	}

	result, err := h.svc.Operations().GetCompletions(c.Request.Context(), path, req.position(), req.TriggerCharacter)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleSignature handles POST /v1/mill/signature.
//
// Response:
//
//	200 OK: SignatureResponse
//	400 Bad Request: Invalid body, path, or unsupported language
//	504 Gateway Timeout: Analyzer did not answer in time
func (h *Handlers) HandleSignature(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSignature")

	var req CompletionRequest
	path, ok := h.bindPosition(c, logger, &req, &req.PositionRequest)
	if !ok {
		return
	}

	help, err := h.svc.Operations().GetSignatureHelp(c.Request.Context(), path, req.position(), req.TriggerCharacter)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, SignatureResponse{Found: help != nil, SignatureHelp: help})
}

// HandleDefinition handles POST /v1/mill/definition.
func (h *Handlers) HandleDefinition(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDefinition")

	var req PositionRequest
	path, ok := h.bindPosition(c, logger, &req, &req)
	if !ok {
		return
	}

	locs, err := h.svc.Operations().Definition(c.Request.Context(), path, req.position())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, LocationsResponse{Locations: nonNil(locs)})
}

// HandleReferences handles POST /v1/mill/references.
func (h *Handlers) HandleReferences(c *gin.Context) {
	logger := h.requestLogger(c, "HandleReferences")

	var req ReferencesRequest
	path, ok := h.bindPosition(c, logger, &req, &req.PositionRequest)
	if !ok {
		return
	}

	locs, err := h.svc.Operations().References(c.Request.Context(), path, req.position(), req.IncludeDeclaration)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, LocationsResponse{Locations: nonNil(locs)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// HandleDiagnostics handles GET /v1/mill/diagnostics?file_path=.
//
// Description:
//
//	Returns the diagnostics last published for the file. Never starts
//	an analyzer.
func (h *Handlers) HandleDiagnostics(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDiagnostics")

	path, err := h.svc.ResolvePath(c.Query("file_path"))
	if err != nil {
		writeError(c, logger, err)
		return
	}

	resp := DiagnosticsResponse{FilePath: path, Diagnostics: []lsp.Diagnostic{}}
	if snap, ok := h.svc.Operations().Diagnostics(path); ok {
		resp.Found = true
		resp.Version = snap.Version
		resp.Diagnostics = nonNil(snap.Diagnostics)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleSessions handles GET /v1/mill/sessions.
func (h *Handlers) HandleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, SessionsResponse{Sessions: nonNil(h.svc.Manager().Sessions())})
}

// HandleApply handles POST /v1/mill/workspace/apply.
//
// Description:
//
//	Applies a workspace edit as one transaction. The body of every
//	outcome is the transaction result, so failed transactions still
//	carry their id and message.
//
// Response:
//
//	200 OK: workspace.Result (Success=true)
//	400 Bad Request: Invalid body
//	422 Unprocessable Entity: workspace.Result (Success=false)
func (h *Handlers) HandleApply(c *gin.Context) {
	logger := h.requestLogger(c, "HandleApply")

	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	opts := h.svc.Config().EditOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	result := h.svc.Engine().Apply(c.Request.Context(), req.Edit, opts)
	if !result.Success {
		logger.Warn("Workspace edit failed",
			slog.String("transaction_id", result.TransactionID),
			slog.String("error", result.Error),
		)
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	logger.Info("Workspace edit applied",
		slog.String("transaction_id", result.TransactionID),
		slog.Int("files", len(result.FilesChanged)),
		slog.Int("edits", result.EditsApplied),
		slog.Bool("dry_run", opts.DryRun),
	)
	c.JSON(http.StatusOK, result)
}

// HandleSymbols handles POST /v1/mill/symbols.
//
// Response:
//
//	200 OK: SymbolsResponse
//	400 Bad Request: Invalid body or no tool for the language
//	502 Bad Gateway: Tool failed or produced invalid output
//	503 Service Unavailable: Tool not installed
func (h *Handlers) HandleSymbols(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSymbols")

	var req SymbolsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}

	syms, err := h.svc.Symbols().Extract(c.Request.Context(), req.Language, []byte(req.Source), req.Command)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, SymbolsResponse{Symbols: syms})
}

// HandleHealth handles GET /v1/mill/health. Always 200 while the process
// is up.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/mill/ready.
//
// Response:
//
//	200 OK: ReadyResponse (Ready=true)
//	503 Service Unavailable: ReadyResponse (Ready=false) before Start or
//	after Close
func (h *Handlers) HandleReady(c *gin.Context) {
	m := h.svc.Manager()
	langs := m.Configs().Languages()
	resp := ReadyResponse{
		Ready:     h.svc.Ready(),
		Root:      h.svc.Root(),
		Sessions:  len(m.Sessions()),
		Languages: make([]LanguageStatus, 0, len(langs)),
	}
	for _, l := range langs {
		resp.Languages = append(resp.Languages, LanguageStatus{Language: l, Available: m.IsAvailable(l)})
	}

	if !resp.Ready {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
