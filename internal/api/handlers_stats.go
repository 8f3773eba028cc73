package api

import (
	"encoding/json"
	"net/http"
	"net/url"
)

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusNotFound, "statistics collection is disabled")
		return
	}
	totals, err := s.stats.Totals()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "statistics": totals})
}

func (s *Server) handleDailyStatistics(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusNotFound, "statistics collection is disabled")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 30)
	daily, err := s.stats.Daily(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "daily": daily, "count": len(daily)})
}

type webhookTestRequest struct {
	Event string         `json:"event"`
	URL   string         `json:"url"`
	Data  map[string]any `json:"data"`
}

// handleWebhookTest delivers an arbitrary event synchronously and
// reports the delivery outcome.
func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeError(w, http.StatusNotFound, "webhook delivery is disabled")
		return
	}
	var req webhookTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Event == "" {
		req.Event = "webhook.test"
	}
	if req.URL != "" {
		if _, err := url.ParseRequestURI(req.URL); err != nil {
			writeError(w, http.StatusBadRequest, "url is not a valid URL")
			return
		}
	}
	delivery := s.webhooks.Send(r.Context(), req.Event, req.URL, req.Data)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivery": delivery})
}
