package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agentgw/internal/resilience"
)

// TokenRevoker: реализуется token.Authority.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string) error
}

type TokenHandler struct {
	tokens TokenRevoker
}

func NewTokenHandler(t TokenRevoker) *TokenHandler {
	return &TokenHandler{tokens: t}
}

// Revoke идемпотентен: повторный отзыв тоже 204.
// POST /v1/tokens/{id}/revoke
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BreakerAdmin: реализуется resilience.Registry. Предохранители локальны для процесса,
// поэтому эти ручки монтирует сам шлюз.
type BreakerAdmin interface {
	Stats() []resilience.Stats
	Reset(tools ...string) int
}

type BreakerHandler struct {
	breakers BreakerAdmin
}

func NewBreakerHandler(b BreakerAdmin) *BreakerHandler {
	return &BreakerHandler{breakers: b}
}

func (h *BreakerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.Stats())
}

type resetRequest struct {
	Tools []string `json:"tools"`
}

// Reset: пустое тело или пустой список сбрасывает все предохранители.
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	n := h.breakers.Reset(req.Tools...)
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// Routes: GET / и POST /reset для монтирования под любым префиксом.
func (h *BreakerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Stats)
	r.Post("/reset", h.Reset)
	return r
}
