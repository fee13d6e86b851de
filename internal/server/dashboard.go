package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Metrics read API consumed by the external dashboard. Every call reads a
// fresh snapshot, so rows written since startup are always visible.

func (s *Server) handleDailyTotals(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	totals, err := s.metrics.DailyTotals(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleModelAggregates(w http.ResponseWriter, r *http.Request) {
	aggs, err := s.metrics.ModelAggregates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, aggs)
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	reqs, err := s.metrics.RecentRequests(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleRequestToolCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.metrics.ToolCallsForRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
