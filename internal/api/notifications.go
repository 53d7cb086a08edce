package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// handleListNotifications returns notification records filtered by
// ?outage_id=, ?user_id= and ?status=, newest first. Accepts ?limit=N
// (default 50).
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.NotificationFilter{
		OutageID: q.Get("outage_id"),
		UserID:   q.Get("user_id"),
		Status:   storage.NotificationStatus(q.Get("status")),
		Limit:    limitParam(r),
	}

	list, err := s.notificationSvc.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.notificationSvc.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "failed to get notification", "notification_id", id)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type confirmRequest struct {
	Operator string `json:"operator"`
}

// handleConfirmDelivered marks a sent notification delivered. The body is
// optional.
func (s *Server) handleConfirmDelivered(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}

	n, err := s.notificationSvc.ConfirmDelivered(r.Context(), id, req.Operator)
	if err != nil {
		s.writeServiceError(w, err, "failed to confirm delivery", "notification_id", id)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type receiptRequest struct {
	Channel           storage.ChannelType `json:"channel"`
	ProviderMessageID string              `json:"provider_message_id"`
}

// handleDeliveryReceipt applies a provider's delivery receipt.
func (s *Server) handleDeliveryReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}

	n, err := s.notificationSvc.ConfirmReceipt(r.Context(), req.Channel, req.ProviderMessageID)
	if err != nil {
		s.writeServiceError(w, err, "failed to apply delivery receipt",
			"channel", req.Channel, "provider_message_id", req.ProviderMessageID)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleListAudit returns the most recent audit entries. Accepts ?limit=N
// (default 50).
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.notificationSvc.ListAudit(r.Context(), limitParam(r))
	if err != nil {
		s.writeServiceError(w, err, "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
