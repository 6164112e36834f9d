package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/config"
	"github.com/xkilldash9x/scenepilot/internal/driver"
)

const shutdownTimeout = 30 * time.Second

// Server exposes the control surface over HTTP and WebSocket.
type Server struct {
	cfg        config.ControlConfig
	logger     *zap.Logger
	ctrl       Controller
	dispatcher *Dispatcher
	hub        *Hub
	gatherer   prometheus.Gatherer
}

// NewServer wires the HTTP transport around a dispatcher and hub. A nil
// gatherer disables /metrics.
func NewServer(cfg config.ControlConfig, ctrl Controller, dispatcher *Dispatcher, hub *Hub, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger.Named("control_server"),
		ctrl:       ctrl,
		dispatcher: dispatcher,
		hub:        hub,
		gatherer:   gatherer,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// The socket is long lived, so it stays out of the timeout and logger group.
	r.Get("/ws/v1/events", s.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}

		r.Get("/healthz", s.handleHealthCheck)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/command", s.handleCommand)
			r.Get("/state", s.handleState)
		})
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		defer close(idleConnsClosed)
		<-ctx.Done()
		s.logger.Info("Shutting down control server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Control server shutdown error", zap.Error(err))
		}
	}()

	s.logger.Info("Control server listening", zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server failed: %w", err)
	}
	<-idleConnsClosed
	s.logger.Info("Control server stopped.")
	return nil
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, Response{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.GetReqID(r.Context())
	}
	resp, err := s.dispatcher.Execute(r.Context(), req)
	s.respond(w, statusFor(err), resp)
}

// stateView is the body of GET /api/v1/state.
type stateView struct {
	State string      `json:"state"`
	Run   interface{} `json:"run,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	view := stateView{State: s.ctrl.State().String()}
	if rs := s.ctrl.Snapshot(); rs != nil {
		view.Run = rs
	}
	s.respond(w, http.StatusOK, view)
}

// statusFor maps a command error to an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, driver.ErrBusy),
		errors.Is(err, driver.ErrRenderInProgress),
		errors.Is(err, driver.ErrWrongContext),
		errors.Is(err, driver.ErrNoSavedQueue),
		errors.Is(err, driver.ErrNoSeed),
		errors.Is(err, driver.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) respond(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// corsMiddleware allows the dashboard and extension pages to call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
