package api

import (
	"context"
	"net/http"
	"strconv"

	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/service"
	"github.com/chirp-indexer/internal/types"
	"github.com/gorilla/mux"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status  string                 `json:"status"`
	Count   uint64                 `json:"count"`
	Indexer service.Stats          `json:"indexer"`
	Checks  map[string]interface{} `json:"checks,omitempty"`
}

// ChirpListResponse wraps a list of chirps
type ChirpListResponse struct {
	Address string         `json:"address"`
	Chirps  []types.Record `json:"chirps"`
	Total   int            `json:"total"`
}

// handleHealth reports readiness, the listener and every registered check.
// It answers 503 until the initial backfill has finished.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.indexer.Stats()
	resp := HealthResponse{
		Status:  "healthy",
		Count:   s.indexer.GetCount(),
		Indexer: stats,
	}

	s.checksMu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.checksMu.RUnlock()

	if len(checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthCheckTimeout)
		defer cancel()

		resp.Checks = make(map[string]interface{}, len(checks))
		for name, check := range checks {
			detail, err := check(ctx)
			if err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = map[string]interface{}{"error": err.Error()}
				continue
			}
			resp.Checks[name] = detail
		}
	}

	status := http.StatusOK
	if !stats.Ready {
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleGetChirp handles GET /api/chirps/{id}
func (s *Server) handleGetChirp(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("id", "must be a positive integer"))
		return
	}

	view, ok := s.indexer.GetWithReplies(id)
	if !ok {
		respondServiceError(w, r, apperrors.NewNotFoundError("chirp", raw))
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleGetChirpsByAuthor handles GET /api/chirpers/{address}/chirps.
// Unknown authors get an empty list.
func (s *Server) handleGetChirpsByAuthor(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	chirps := s.indexer.GetByAuthor(address)
	if chirps == nil {
		chirps = []types.Record{}
	}
	respondJSON(w, http.StatusOK, ChirpListResponse{
		Address: address,
		Chirps:  chirps,
		Total:   len(chirps),
	})
}

// handleGetAlias handles GET /api/aliases/{address}
func (s *Server) handleGetAlias(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	alias, err := s.indexer.GetAlias(r.Context(), address)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"address": address,
		"alias":   alias,
	})
}

// handleGetBalance handles GET /api/balances/{address}.
// Balances are decimal strings since they exceed float precision.
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	balance, err := s.indexer.GetBalance(r.Context(), address)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"address": address,
		"balance": balance.String(),
	})
}

// handleGetSupply handles GET /api/supply
func (s *Server) handleGetSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.indexer.GetPurchasableSupply(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"supply": supply.String()})
}

// handleGetCount handles GET /api/count
func (s *Server) handleGetCount(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]uint64{"count": s.indexer.GetCount()})
}

// handleBackfill handles POST /api/backfill?reset=true|false. The run is
// serialized with live updates and finishes before the response is sent.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	reset := false
	if raw := r.URL.Query().Get("reset"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("reset", "must be true or false"))
			return
		}
		reset = parsed
	}

	count, err := s.indexer.RunBackfill(r.Context(), reset)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": count,
		"reset": reset,
	})
}

// handleConsistency handles GET /api/consistency. Inconsistencies are part of
// a successful response; only a failed ledger read is an error.
func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	result, err := s.indexer.CheckConsistency(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
