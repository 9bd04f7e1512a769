package engine

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/domain"
	"github.com/xela07ax/agentgw/internal/resilience"
)

const (
	HeaderRotationRecommended = "X-Token-Rotation-Recommended"
	HeaderTokenExpiresAt      = "X-Token-Expires-At"
	HeaderAgentToken          = "X-Agent-Token"

	maxBodyBytes = 1 << 20
)

// ErrorBody: тело любого отказа.
type ErrorBody struct {
	Success    bool               `json:"success"`
	Error      domain.Code        `json:"error"`
	Message    string             `json:"message,omitempty"`
	RetryAfter int64              `json:"retry_after,omitempty"` // секунды
	Quota      *domain.QuotaState `json:"quota,omitempty"`
	TraceID    string             `json:"trace_id,omitempty"`
}

type HTTPHandler struct {
	gw     *Gateway
	logger *zap.Logger
}

// NewRouter собирает HTTP-поверхность шлюза. issuerAuth защищает выпуск токенов
// (JWT оператора); nil оставляет эндпоинт открытым для локального режима.
func NewRouter(gw *Gateway, logger *zap.Logger, issuerAuth func(http.Handler) http.Handler) http.Handler {
	h := &HTTPHandler{gw: gw, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)
	r.Use(AccessLog(h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if issuerAuth != nil {
				r.Use(issuerAuth)
			}
			r.Post("/generate-token", h.GenerateToken)
		})
		r.Post("/proxy-request", h.ProxyRequest)
	})
	return r
}

func (h *HTTPHandler) GenerateToken(w http.ResponseWriter, r *http.Request) {
	var req GenerateTokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, domain.Wrap(domain.CodeBadRequest, err, "invalid request body"))
		return
	}
	issued, err := h.gw.GenerateToken(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (h *HTTPHandler) ProxyRequest(w http.ResponseWriter, r *http.Request) {
	var req ProxyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, domain.Wrap(domain.CodeBadRequest, err, "invalid request body"))
		return
	}
	if req.AgentToken == "" {
		req.AgentToken = r.Header.Get(HeaderAgentToken)
	}

	resp, err := h.gw.ProxyRequest(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set(HeaderRotationRecommended, strconv.FormatBool(resp.RotationRecommended))
	w.Header().Set(HeaderTokenExpiresAt, resp.TokenExpiresAt.UTC().Format(time.RFC3339))
	writeJSON(w, http.StatusOK, resp)
}

// HTTPStatus: единственное место, где коды отказов превращаются в HTTP-статусы.
func HTTPStatus(d *domain.Denial) int {
	switch d.Code {
	case domain.CodeBadRequest, domain.CodeInvalidScope:
		return http.StatusBadRequest
	case domain.CodeAuthenticationFailed, domain.CodeDecryptionFailed, domain.CodeTokenInvalid,
		domain.CodeTokenExpired, domain.CodeTokenRevoked, domain.CodeTokenTooOld:
		return http.StatusUnauthorized
	case domain.CodeAgentBlocked, domain.CodeNoPolicy, domain.CodeScopeDenied, domain.CodeOutsideSchedule,
		domain.CodeGuardViolation, domain.CodeResponseBlocked:
		return http.StatusForbidden
	case domain.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.CodeCircuitOpen, domain.CodeBulkheadFull:
		return http.StatusServiceUnavailable
	case domain.CodeRetryExhausted:
		// Повторы уперлись в открытый предохранитель или bulkhead: это back-pressure
		if inner := backPressure(d); inner != nil {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case domain.CodeUpstreamError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func backPressure(d *domain.Denial) *domain.Denial {
	var ex *resilience.ExhaustedError
	if !errors.As(d.Cause, &ex) {
		return nil
	}
	inner, ok := domain.AsDenial(ex.LastError)
	if !ok || (inner.Code != domain.CodeCircuitOpen && inner.Code != domain.CodeBulkheadFull) {
		return nil
	}
	return inner
}

// RetryAfter: подсказка для клиента, округленная вверх до секунды.
func RetryAfter(d *domain.Denial) time.Duration {
	if d.RetryAfter > 0 {
		return d.RetryAfter
	}
	if inner := backPressure(d); inner != nil {
		return inner.RetryAfter
	}
	return 0
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	d, ok := domain.AsDenial(err)
	if !ok {
		h.logger.Error("request failed", zap.String("trace_id", extractTraceID(r.Context())), zap.Error(err))
		d = &domain.Denial{Code: domain.CodeInternal, Message: "internal error"}
	}

	body := ErrorBody{
		Error:   d.Code,
		Message: d.Message,
		Quota:   d.Quota,
		TraceID: extractTraceID(r.Context()),
	}
	if ra := RetryAfter(d); ra > 0 {
		body.RetryAfter = int64(math.Ceil(ra.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	}
	writeJSON(w, HTTPStatus(d), body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
