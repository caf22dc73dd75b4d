package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"beneFitterAPI/internal/health"
	"beneFitterAPI/middleware"
)

type HealthHandler struct {
	recorder health.Recorder
}

// NewHealthHandler accepts a nil recorder; uploads then answer 503.
func NewHealthHandler(recorder health.Recorder) *HealthHandler {
	return &HealthHandler{recorder: recorder}
}

func (h *HealthHandler) PostSamples(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.recorder == nil {
		respondWithError(w, http.StatusServiceUnavailable, "health data is not configured")
		return
	}

	var req struct {
		Samples []health.Sample `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Samples) == 0 {
		respondWithError(w, http.StatusBadRequest, "no samples")
		return
	}
	for i, s := range req.Samples {
		if err := s.Validate(); err != nil {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("sample %d: %v", i, err))
			return
		}
	}

	if err := h.recorder.RecordSamples(ctx, clerkID, req.Samples); err != nil {
		slog.Error("failed to record health samples", "user_id", clerkID, "count", len(req.Samples), "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to record samples")
		return
	}

	respondWithJSON(w, http.StatusCreated, map[string]int{"recorded": len(req.Samples)})
}
