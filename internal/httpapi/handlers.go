// ABOUTME: Request handlers for generation CRUD and reset endpoints
// ABOUTME: JSON encoding, validation, and error-to-status mapping

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/muse-gateway/internal/store"
)

const defaultListLimit = 50

type createRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspectRatio"`
	Style       string `json:"style"`
}

type generationResponse struct {
	ID           string  `json:"id"`
	Prompt       string  `json:"prompt"`
	AspectRatio  string  `json:"aspect_ratio"`
	Style        string  `json:"style,omitempty"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	GridImageURL string  `json:"grid_image_url,omitempty"`
	Upscale1     string  `json:"upscale_1,omitempty"`
	Upscale2     string  `json:"upscale_2,omitempty"`
	Upscale3     string  `json:"upscale_3,omitempty"`
	Upscale4     string  `json:"upscale_4,omitempty"`
	Error        string  `json:"error,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

func toResponse(gen *store.Generation) generationResponse {
	resp := generationResponse{
		ID:           gen.ID,
		Prompt:       gen.Prompt,
		AspectRatio:  gen.AspectRatio,
		Style:        gen.Style,
		Status:       gen.Status,
		Progress:     gen.Progress,
		GridImageURL: gen.GridImageURL,
		Upscale1:     gen.Upscales[0],
		Upscale2:     gen.Upscales[1],
		Upscale3:     gen.Upscales[2],
		Upscale4:     gen.Upscales[3],
		Error:        gen.Error,
		CreatedAt:    gen.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    gen.UpdatedAt.Format(time.RFC3339),
	}
	if gen.CompletedAt != nil {
		done := gen.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &done
	}
	return resp
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		a.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "1:1"
	}

	gen, err := a.service.Generate(r.Context(), store.CreateGenerationInput{
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Style:       req.Style,
	})
	if err != nil {
		if errors.Is(err, store.ErrGenerationInFlight) {
			a.writeError(w, http.StatusConflict, err.Error())
			return
		}
		a.logger.Error("generation failed to start", "error", err)
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, toResponse(gen))
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	gen, err := a.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "generation not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, toResponse(gen))
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	gens, err := a.service.List(r.Context(), limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]generationResponse, 0, len(gens))
	for _, gen := range gens {
		out = append(out, toResponse(gen))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "generation not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	count, err := a.service.ForceReset(r.Context(), "manual reset via api")
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"reset": count})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
