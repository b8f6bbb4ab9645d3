// Package api exposes the administrative REST surface: CRUD over the data
// model, the dashboard endpoints, and the manual override trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parkos/backend/internal/engine"
	"github.com/parkos/backend/internal/feed"
	"github.com/parkos/backend/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	store  *store.Store
	engine *engine.Engine
	hub    *feed.Hub
	log    *slog.Logger
}

// NewServer wires the REST surface.
func NewServer(st *store.Store, eng *engine.Engine, hub *feed.Hub) *Server {
	return &Server{
		store:  st,
		engine: eng,
		hub:    hub,
		log:    slog.Default().With("component", "api"),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}

	api := r.PathPrefix("/api").Subrouter()

	// Identity
	api.HandleFunc("/users/options", s.handleUserOptions).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	api.HandleFunc("/users/{id:[0-9]+}", s.handleUpdateUser).Methods(http.MethodPut)
	api.HandleFunc("/users/{id:[0-9]+}", s.handleDeleteUser).Methods(http.MethodDelete)

	api.HandleFunc("/roles", s.handleListRoles).Methods(http.MethodGet)
	api.HandleFunc("/roles", s.handleCreateRole).Methods(http.MethodPost)
	api.HandleFunc("/roles/{id:[0-9]+}", s.handleUpdateRole).Methods(http.MethodPut)
	api.HandleFunc("/roles/{id:[0-9]+}", s.handleDeleteRole).Methods(http.MethodDelete)

	api.HandleFunc("/tenants", s.handleListTenants).Methods(http.MethodGet)
	api.HandleFunc("/tenants", s.handleCreateTenant).Methods(http.MethodPost)
	api.HandleFunc("/tenants/{id:[0-9]+}", s.handleUpdateTenant).Methods(http.MethodPut)
	api.HandleFunc("/tenants/{id:[0-9]+}", s.handleDeleteTenant).Methods(http.MethodDelete)

	// Infrastructure
	api.HandleFunc("/infra/zones", s.handleListZones).Methods(http.MethodGet)
	api.HandleFunc("/infra/zones", s.handleCreateZone).Methods(http.MethodPost)
	api.HandleFunc("/infra/zones/{id:[0-9]+}", s.handleUpdateZone).Methods(http.MethodPut)
	api.HandleFunc("/infra/zones/{id:[0-9]+}", s.handleDeleteZone).Methods(http.MethodDelete)
	api.HandleFunc("/infra/gates", s.handleInfraGates).Methods(http.MethodGet)
	api.HandleFunc("/infra/gates", s.handleCreateGate).Methods(http.MethodPost)
	api.HandleFunc("/infra/gates/{id:[0-9]+}", s.handleUpdateGate).Methods(http.MethodPut)
	api.HandleFunc("/infra/gates/{id:[0-9]+}", s.handleDeleteGate).Methods(http.MethodDelete)

	api.HandleFunc("/devices/options", s.handleDeviceOptions).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleCreateDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id:[0-9]+}", s.handleUpdateDevice).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id:[0-9]+}", s.handleDeleteDevice).Methods(http.MethodDelete)

	// Rules
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id:[0-9]+}/toggle", s.handleToggleRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/init", s.handleInitRules).Methods(http.MethodPost)

	// Gate operations and dashboard
	api.HandleFunc("/gates/dashboard/stats", s.handleDashboardStats).Methods(http.MethodGet)
	api.HandleFunc("/gates/logs", s.handleRecentLogs).Methods(http.MethodGet)
	api.HandleFunc("/gates/{id:[0-9]+}/open", s.handleManualOpen).Methods(http.MethodPost)
	api.HandleFunc("/gates/", s.handleEnrichedGates).Methods(http.MethodGet)
	api.HandleFunc("/gates", s.handleEnrichedGates).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "connected"
	if err := s.store.Ping(ctx); err != nil {
		dbStatus = "error"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"service":  "parkos-backend",
		"database": dbStatus,
	})
}

// --- middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps store sentinels onto HTTP statuses.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, "duplicate value")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
