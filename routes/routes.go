package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/llm-router/app"
	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Instrument)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/health", deps.HealthHandler.HandleHealth)
	r.Get("/health/ready", deps.HealthHandler.HandleReadiness)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/route", deps.RouteHandler.HandleRoute)
		r.Get("/route/candidates", deps.RouteHandler.HandleCandidates)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", deps.ConversationHandler.HandleGetConversation)
			r.Delete("/", deps.ConversationHandler.HandleDeleteConversation)
			r.Get("/decisions", deps.ConversationHandler.HandleListDecisions)
		})
		r.Get("/decisions/{requestID}", deps.ConversationHandler.HandleGetDecision)

		// Registry administration, mounted only when tokens can be verified
		if deps.AuthMiddleware != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireAuth)
				r.Use(deps.AuthMiddleware.RequireRole(middleware.RoleAdmin))

				r.Post("/probe", deps.AdminHandler.HandleProbeAll)
				r.Route("/backends", func(r chi.Router) {
					r.Get("/", deps.AdminHandler.HandleListBackends)
					r.Post("/", deps.AdminHandler.HandleRegisterBackend)
					r.Get("/{id}", deps.AdminHandler.HandleGetBackend)
					r.Delete("/{id}", deps.AdminHandler.HandleDeregisterBackend)
					r.Put("/{id}/priority", deps.AdminHandler.HandleOverridePriority)
					r.Put("/{id}/availability", deps.AdminHandler.HandleSetAvailability)
					r.Post("/{id}/probe", deps.AdminHandler.HandleProbeBackend)
				})
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteJSON(w, http.StatusMethodNotAllowed, utils.ErrorResponse{
			Error:   "method_not_allowed",
			Message: "method not allowed",
		})
	})

	return r
}
