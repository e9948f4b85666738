package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/callbridge/internal/calllog"
)

const maxCallsLimit = 200

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxCallsLimit)
	}
	if s.ledger == nil {
		respondJSON(w, http.StatusOK, map[string]any{"calls": []calllog.Record{}})
		return
	}
	records, err := s.ledger.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []calllog.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}
