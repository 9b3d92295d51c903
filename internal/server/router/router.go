package router

import (
	"github.com/gorilla/mux"
)

// Router defines the interface for route registration
type Router interface {
	RegisterRoutes(r *mux.Router, server interface{})
	GetPathPrefix() string
}
