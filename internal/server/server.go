// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"

	"github.com/howard-nolan/llmgateway/internal/protocol"
	"github.com/howard-nolan/llmgateway/internal/relay"
	"github.com/howard-nolan/llmgateway/internal/store"
)

// Server holds the HTTP router and the dependencies handlers need.
type Server struct {
	router chi.Router
	engine *relay.Engine
	store  *store.Store
	logger *slog.Logger
}

// New wires routes and middleware and returns the server ready to use as an
// http.Handler.
func New(st *store.Store, engine *relay.Engine, logger *slog.Logger) *Server {
	s := &Server{engine: engine, store: st, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	httpLogger := httplog.NewLogger("llmgateway", httplog.Options{
		LogLevel:       slog.LevelInfo,
		Concise:        true,
		RequestHeaders: false,
	})
	r.Use(httplog.RequestLogger(httpLogger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/models", s.handleModels)
		r.Post("/v1/responses", s.completionHandler(protocol.ShapeResponses))
		r.Post("/v1/chat/completions", s.completionHandler(protocol.ShapeChat))
		r.Post("/v1/messages", s.completionHandler(protocol.ShapeMessages))
		r.Post("/v1/embeddings", s.handleEmbeddings)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
