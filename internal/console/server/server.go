package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/console/handler"
	"github.com/xela07ax/agentgw/internal/infra/auth"
)

// Handlers: обработчики бизнес-доменов. Breakers может быть nil:
// предохранители живут в процессе шлюза, отдельная консоль их не видит.
type Handlers struct {
	Auth     *handler.AuthHandler    // /auth/token
	Agents   *handler.AgentHandler   // /v1/agents
	Policies *handler.PolicyHandler  // /v1/policies
	Tokens   *handler.TokenHandler   // /v1/tokens
	Breakers *handler.BreakerHandler // /v1/breakers
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов операторов (RS256)
	authValidator auth.TokenValidator
	h             Handlers
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(validator auth.TokenValidator, logger *zap.Logger, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		h:             h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		if s.h.Auth != nil {
			r.Post("/auth/token", s.h.Auth.Login)
		}
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Защищенный периметр (RS256 токен оператора) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		if s.h.Agents != nil {
			r.Route("/v1/agents", func(r chi.Router) {
				r.With(auth.RequireScope(auth.ScopeAgentsRead)).Get("/", s.h.Agents.List)
				r.With(auth.RequireScope(auth.ScopeAgentsWrite)).Post("/", s.h.Agents.Register)
				r.Route("/{id}", func(r chi.Router) {
					r.With(auth.RequireScope(auth.ScopeAgentsRead)).Get("/", s.h.Agents.Get)
					r.Group(func(r chi.Router) {
						r.Use(auth.RequireScope(auth.ScopeAgentsWrite))
						r.Post("/block", s.h.Agents.Block) // Kill-switch
						r.Post("/unblock", s.h.Agents.Unblock)
					})
				})
			})
		}

		if s.h.Policies != nil {
			r.Route("/v1/policies", func(r chi.Router) {
				r.With(auth.RequireScope(auth.ScopePoliciesRead)).Get("/", s.h.Policies.List)
				r.With(auth.RequireScope(auth.ScopePoliciesRead)).Get("/{id}", s.h.Policies.Get)
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(auth.ScopePoliciesWrite))
					r.Post("/", s.h.Policies.Create)
					r.Post("/validate", s.h.Policies.Validate)
					r.Put("/{id}", s.h.Policies.Update)
					r.Post("/{id}/disable", s.h.Policies.Disable)
					r.Post("/{id}/enable", s.h.Policies.Enable)
				})
			})
		}

		if s.h.Tokens != nil {
			r.With(auth.RequireScope(auth.ScopeTokensRevoke)).Post("/v1/tokens/{id}/revoke", s.h.Tokens.Revoke)
		}

		if s.h.Breakers != nil {
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(auth.ScopeBreakersManage))
				r.Mount("/v1/breakers", s.h.Breakers.Routes())
			})
		}
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
