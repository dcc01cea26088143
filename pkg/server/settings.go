package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raterudder/pvcast/pkg/log"
)

type dampeningRequest struct {
	Factors []float64 `json:"factors"`
	// Site is empty for the global factors.
	Site string `json:"site"`
}

func (s *Server) handleGetDampening(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.engine.Dampening())
}

func (s *Server) handleSetDampening(w http.ResponseWriter, r *http.Request) {
	var req dampeningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetDampening(r.Context(), req.Factors, req.Site); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to set dampening", slog.Any("error", err))
		writeJSONError(w, err.Error(), engineErrorCode(err))
		return
	}
	writeJSON(w, r, s.engine.Dampening())
}

type hardLimitBody struct {
	Values []float64 `json:"values"`
}

func (s *Server) handleGetHardLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, hardLimitBody{Values: s.engine.HardLimit()})
}

func (s *Server) handleSetHardLimit(w http.ResponseWriter, r *http.Request) {
	var req hardLimitBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetHardLimit(r.Context(), req.Values); err != nil {
		writeJSONError(w, err.Error(), engineErrorCode(err))
		return
	}
	writeJSON(w, r, hardLimitBody{Values: s.engine.HardLimit()})
}
