// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// HTTPHandlers adapts the sync service to net/http. Routes are registered with
// Go 1.22 method patterns; the authenticator resolves the user behind each
// request so all storage access is user-scoped.
type HTTPHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates HTTP handlers with the provided client authenticator
func NewHTTPHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes registers the sync endpoints on the given mux.
func (h *HTTPHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/upsert/{entityType}", h.HandleUpsert)
	mux.HandleFunc("GET /sync/pull", h.HandlePull)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

// HandleUpsert processes POST /sync/upsert/{entityType}
func (h *HTTPHandlers) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
		return
	}

	entityType := r.PathValue("entityType")

	var req UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidation, "invalid JSON body", nil)
		return
	}
	if req.ExternalID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidation, "externalId is required", nil)
		return
	}

	response, err := h.service.ProcessUpsert(r.Context(), userID, entityType, &req)
	if err != nil {
		h.writeServiceError(w, r, err, entityType, req.ExternalID)
		return
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandlePull processes GET /sync/pull?cursor=...
func (h *HTTPHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
		return
	}

	cursor := r.URL.Query().Get("cursor")
	response, err := h.service.ProcessPull(r.Context(), userID, cursor)
	if err != nil {
		h.writeServiceError(w, r, err, "", "")
		return
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleHealth processes GET /health
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.pool.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, CodeInternalError, "database unreachable", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps service-layer errors to HTTP status codes and the
// JSON error envelope. Conflicts carry both row versions in the body.
func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, entityType, externalID string) {
	var conflictErr *ConflictError
	var refErr *RefNotFoundError
	switch {
	case errors.As(err, &conflictErr):
		h.writeError(w, http.StatusConflict, CodeConflict, conflictErr.Error(), conflictErr)
	case errors.As(err, &refErr):
		h.writeError(w, http.StatusUnprocessableEntity, CodeRefNotFound, refErr.Error(), nil)
	case errors.Is(err, ErrUnknownEntity):
		h.writeError(w, http.StatusNotFound, CodeUnknownEntity, err.Error(), nil)
	case errors.Is(err, ErrValidation):
		h.writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	default:
		h.logger.Error("Sync request failed",
			"error", err, "path", r.URL.Path, "entity", entityType, "pk", externalID)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error", nil)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string, conflict *ConflictError) {
	resp := ErrorResponse{Error: code, Message: message}
	if conflict != nil {
		resp.Current = conflict.Current
		resp.Attempted = conflict.Attempted
	}
	h.writeJSON(w, status, resp)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
