package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports the current process health. Returning an error marks
// the endpoint unhealthy.
type HealthFunc func(ctx context.Context) (any, error)

// Server is the admin HTTP listener serving /metrics and /healthz.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer builds the admin listener.
func NewServer(addr string, health HealthFunc, log *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		detail, err := health(ctx)
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		body := map[string]any{"status": "healthy", "detail": detail}
		if err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("admin endpoint listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin endpoint failed", slog.String("error", err.Error()))
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
