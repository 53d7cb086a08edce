// Package api implements the operator REST API and the inbound event and
// delivery-receipt endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shaharia-lab/outagewatch/internal/service"
)

const (
	errInvalidJSONBody = "invalid JSON body"
	defaultLimit       = 50
	maxLimit           = 500
)

// Server holds all dependencies for the REST API handlers.
type Server struct {
	outageSvc       service.OutageService
	notificationSvc service.NotificationService
	logger          *slog.Logger
}

// New creates a new API Server backed by the provided services.
func New(outageSvc service.OutageService, notificationSvc service.NotificationService, logger *slog.Logger) *Server {
	return &Server{
		outageSvc:       outageSvc,
		notificationSvc: notificationSvc,
		logger:          logger,
	}
}

// Mount registers all API routes under the given router.
func (s *Server) Mount(r chi.Router) {
	r.Get("/version", s.handleVersion)

	// Outage lifecycle events from the outage-management side
	r.Post("/outages/events", s.handleOutageEvent)

	// Notification records
	r.Get("/notifications", s.handleListNotifications)
	r.Get("/notifications/{id}", s.handleGetNotification)
	r.Post("/notifications/{id}/delivered", s.handleConfirmDelivered)

	// Provider delivery receipts
	r.Post("/delivery-receipts", s.handleDeliveryReceipt)

	r.Get("/audit", s.handleListAudit)
}

// ─── Shared helpers ───────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors to HTTP statuses. Anything untyped is
// logged and reported as a 500 with fallback as the message.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, fallback string, attrs ...any) {
	var (
		ve  *service.ValidationError
		nfe *service.NotFoundError
		ce  *service.ConflictError
		ue  *service.UnavailableError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.As(err, &nfe):
		writeError(w, http.StatusNotFound, nfe.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, ce.Error())
	case errors.As(err, &ue):
		retry := service.RetryAfter(ue, service.RetryAfterQueueFull)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		writeError(w, http.StatusServiceUnavailable, ue.Error())
	default:
		s.logger.Error(fallback, append(attrs, "error", err)...)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// limitParam reads ?limit=N, falling back to the default for missing or
// invalid values.
func limitParam(r *http.Request) int {
	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, maxLimit)
}
