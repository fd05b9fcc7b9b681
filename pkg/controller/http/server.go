package http

import (
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

type Server struct {
	router *chi.Mux
	uc     *usecase.UseCases
	sentry bool
}

type Options func(*Server)

// WithSentry attaches a Sentry hub to every request so server errors carry request data
func WithSentry(enabled bool) Options {
	return func(s *Server) {
		s.sentry = enabled
	}
}

func New(uc *usecase.UseCases, opts ...Options) *Server {
	r := chi.NewRouter()

	s := &Server{
		router: r,
		uc:     uc,
	}
	for _, opt := range opts {
		opt(s)
	}

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	if s.sentry {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Post("/filter-audience", s.handleFilterAudience)
	r.Post("/track-notification", s.handleTrackNotification)
	r.Get("/notifications/{userId}", s.handleNotificationHistory)

	r.Route("/automation", func(r chi.Router) {
		r.Route("/automations", func(r chi.Router) {
			r.Post("/", s.handleCreateAutomation)
			r.Get("/", s.handleListAutomations)
			r.Get("/{id}", s.handleGetAutomation)
			r.Post("/{id}/schedule", s.handleScheduleAutomation)
			r.Get("/{id}/executions", s.handleListExecutions)
		})

		r.Post("/sequences/execute", s.handleExecuteSequence)
		r.Get("/sequences", s.handleGetSequence)
		r.Post("/control", s.handleControl)
		r.Get("/monitor", s.handleMonitor)
		r.Post("/restore", s.handleRestore)
		r.Post("/violations/{id}/resolve", s.handleResolveViolation)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":     "ok",
		"instanceId": s.uc.Engine.State().InstanceID,
	})
}

// requestLogger puts a logger carrying the request ID into the request context
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.Default().With("request_id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(logging.With(r.Context(), logger)))
	})
}

// accessLogger is a middleware that logs HTTP requests
func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			logging.From(r.Context()).Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
