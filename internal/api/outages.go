package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaharia-lab/outagewatch/internal/service"
)

// handleOutageEvent accepts one lifecycle event. Dispatch runs in the
// background, so a 202 only means the event was queued.
func (s *Server) handleOutageEvent(w http.ResponseWriter, r *http.Request) {
	var ev service.OutageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}

	o, err := s.outageSvc.ApplyEvent(r.Context(), ev)
	if err != nil {
		s.writeServiceError(w, err, "failed to apply outage event", "event", ev.Event)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"outage_id": o.ID,
		"version":   o.EffectiveVersion(),
	})
}
