package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/pvcast/pkg/engine"
	"github.com/raterudder/pvcast/pkg/log"
)

type updateResponse struct {
	engine.Outcome
	Message string `json:"message"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	force, err := parseBool(r, "force")
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if email, ok := ctx.Value(emailContextKey).(string); ok {
		log.Ctx(ctx).InfoContext(ctx, "update requested", slog.String("email", email), slog.Bool("force", force))
	}

	outcome, err := s.engine.FetchAndMerge(ctx, force)
	if errors.Is(err, engine.ErrUpdateInProgress) {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "update failed", slog.Any("error", err))
		writeJSONError(w, "failed to update forecasts", http.StatusInternalServerError)
		return
	}

	res := updateResponse{Outcome: outcome, Message: outcome.Message()}
	if outcome.Kind == engine.OutcomeFatal {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
	}
	writeJSON(w, r, res)
}
