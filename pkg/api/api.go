package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/metrics"
	"github.com/remlabs/remd/pkg/query"
	"github.com/remlabs/remd/pkg/store"
	"github.com/remlabs/remd/pkg/tenant"
)

// ReadyChecker reports whether the process can serve traffic.
type ReadyChecker func(ctx context.Context) error

// Server is the HTTP frontend.
type Server struct {
	executor *query.Executor
	tenants  *tenant.Service
	ready    ReadyChecker
	log      zerolog.Logger
}

// NewServer builds the frontend. executor and tenants may be nil for
// processes that only expose ops endpoints.
func NewServer(executor *query.Executor, tenants *tenant.Service, ready ReadyChecker) *Server {
	return &Server{executor: executor, tenants: tenants, ready: ready, log: log.WithComponent("api")}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())

	if s.executor != nil {
		r.Post("/v1/query", s.handleQuery)
	}
	if s.tenants != nil {
		r.Post("/v1/tenants", s.handleCreateTenant)
		r.Post("/v1/device-auth", s.handleStartAuth)
		r.Post("/v1/device-auth/poll", s.handlePollAuth)
		r.Post("/v1/device-auth/approve", s.handleApproveAuth)
	}
	return r
}

// ListenAndServe runs the server until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("http server listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var plan query.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed plan: " + err.Error()})
		return
	}
	rows, err := s.executor.Execute(r.Context(), &plan)
	if err != nil {
		var qerr *query.Error
		if errors.As(err, &qerr) {
			writeJSON(w, statusForKind(qerr.Kind), qerr)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []store.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

func statusForKind(kind query.Kind) int {
	switch kind {
	case query.KindInvalidPlan:
		return http.StatusBadRequest
	case query.KindNotFound:
		return http.StatusNotFound
	case query.KindStorage, query.KindEmbedding:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IMEI  string `json:"imei"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := s.tenants.Create(r.Context(), req.IMEI, req.Email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartAuth(w http.ResponseWriter, r *http.Request) {
	auth, err := s.tenants.StartDeviceAuth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handlePollAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceCode string `json:"device_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	tenantID, err := s.tenants.PollDeviceAuth(r.Context(), req.DeviceCode)
	switch {
	case errors.Is(err, tenant.ErrAuthPending):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	case errors.Is(err, tenant.ErrAuthExpired):
		writeJSON(w, http.StatusGone, map[string]string{"status": "expired"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved", "tenant_id": tenantID})
	}
}

func (s *Server) handleApproveAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserCode string `json:"user_code"`
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	err := s.tenants.ApproveDeviceAuth(r.Context(), req.UserCode, req.TenantID)
	switch {
	case errors.Is(err, tenant.ErrAuthExpired):
		writeJSON(w, http.StatusGone, map[string]string{"status": "expired"})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
