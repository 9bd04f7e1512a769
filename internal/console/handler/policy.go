package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agentgw/internal/console/service"
	"github.com/xela07ax/agentgw/internal/domain"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// Get возвращает детали политики.
// GET /v1/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.GetAll(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

// Validate проверяет спецификацию без сохранения.
// POST /v1/policies/validate
func (h *PolicyHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var spec domain.PolicySpec
	if !decode(w, r, &spec) {
		return
	}
	writeJSON(w, http.StatusOK, h.service.Validate(&spec))
}

func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if !decode(w, r, &p) {
		return
	}
	if err := h.service.Create(r.Context(), &p); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Update меняет имя и спецификацию
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if !decode(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")

	if err := h.service.Update(r.Context(), &p); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PolicyHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *PolicyHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *PolicyHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	if err := h.service.SetActive(r.Context(), chi.URLParam(r, "id"), active); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
