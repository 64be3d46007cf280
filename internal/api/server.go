// Package api exposes the connection handshake and the results editor over HTTP.
package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/thebtf/banquet/internal/auth"
	"github.com/thebtf/banquet/internal/menuresults"
	"github.com/thebtf/banquet/internal/popup"
	"github.com/thebtf/banquet/internal/sse"
	"github.com/thebtf/banquet/internal/telemetry"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// Searcher runs the booking search behind POST /api/results/search.
type Searcher interface {
	FindBookingsByMenuItem(ctx context.Context, itemName, propertyID string) (menuresults.Value, error)
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Handshake   *auth.Handshake
	Editor      *menuresults.Editor
	Popups      *popup.Registry
	Broadcaster *sse.Broadcaster
	Searcher    Searcher
	Metrics     *telemetry.Metrics
	Version     string
}

// Server is the HTTP front end.
type Server struct {
	handshake   *auth.Handshake
	editor      *menuresults.Editor
	popups      *popup.Registry
	broadcaster *sse.Broadcaster
	searcher    Searcher
	metrics     *telemetry.Metrics
	version     string

	router    chi.Router
	ready     atomic.Bool
	startTime time.Time
}

// NewServer builds the router. The connection routes answer 503 until SetReady.
func NewServer(d Deps) *Server {
	s := &Server{
		handshake:   d.Handshake,
		editor:      d.Editor,
		popups:      d.Popups,
		broadcaster: d.Broadcaster,
		searcher:    d.Searcher,
		metrics:     d.Metrics,
		version:     d.Version,
		router:      chi.NewRouter(),
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetReady opens or closes the readiness gate.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/", serveIndex)
	r.Get("/assets/*", serveAssets)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/events", s.broadcaster.HandleSSE)

		r.Group(func(r chi.Router) {
			r.Use(s.requireReady)

			r.Get("/connection", s.handleConnection)
			r.Post("/connection/connect", s.handleConnect)
			r.Post("/connection/cancel", s.handleCancel)
			r.Post("/connection/disconnect", s.handleDisconnect)

			r.Options("/auth/message", s.handleMessagePreflight)
			r.Post("/auth/message", s.handleMessage)
		})

		r.Post("/popups/{id}/heartbeat", s.handlePopupHeartbeat)
		r.Post("/popups/{id}/closed", s.handlePopupClosed)
		r.Post("/popups/{id}/blocked", s.handlePopupBlocked)

		r.Get("/results", s.handleGetResults)
		r.Put("/results", s.handleSetResults)
		r.Post("/results/search", s.handleSearch)
		r.Post("/results/drafts", s.handleDrafts)
		r.Post("/results/save", s.handleSave)
		r.Post("/results/cancel", s.handleCancelEdits)
	})
}

// requireReady rejects requests until the stored connection state is loaded.
func (s *Server) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service is starting")
			return
		}
		next.ServeHTTP(w, r)
	})
}
