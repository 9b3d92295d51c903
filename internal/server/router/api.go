package router

import (
	"net/http"

	"github.com/babelcloud/micstream/internal/server/handlers"
	"github.com/gorilla/mux"
)

// APIRouter handles /health and all /api/* routes
type APIRouter struct {
	Controller handlers.Controller

	handlers *handlers.APIHandlers
}

// RegisterRoutes registers all API routes
func (r *APIRouter) RegisterRoutes(m *mux.Router, server interface{}) {
	var serverService handlers.ServerService
	if srv, ok := server.(handlers.ServerService); ok {
		serverService = srv
	}
	r.handlers = handlers.NewAPIHandlers(serverService, r.Controller)

	m.HandleFunc("/health", r.handlers.HandleHealth).Methods(http.MethodGet)

	api := m.PathPrefix(r.GetPathPrefix()).Subrouter()
	api.HandleFunc("/health", r.handlers.HandleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", r.handlers.HandleStatus).Methods(http.MethodGet)
	api.HandleFunc("/command", r.handlers.HandleCommand).Methods(http.MethodPost)
	api.HandleFunc("/events", r.handlers.HandleEvents).Methods(http.MethodGet)

	// Server management endpoints
	api.HandleFunc("/server/shutdown", r.handlers.HandleServerShutdown).Methods(http.MethodPost)
	api.HandleFunc("/server/info", r.handlers.HandleServerInfo).Methods(http.MethodGet)
}

// GetPathPrefix returns the path prefix for this router
func (r *APIRouter) GetPathPrefix() string {
	return "/api"
}
