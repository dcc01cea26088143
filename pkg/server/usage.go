package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.engine.Usage())
}

type resetUsageRequest struct {
	// APIKey is empty to reset every key.
	APIKey string `json:"apiKey"`
}

func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	var req resetUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.ResetUsage(r.Context(), req.APIKey); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, r, s.engine.Usage())
}
