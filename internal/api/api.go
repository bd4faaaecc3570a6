// Package api provides HTTP API endpoints for the eth-store service: Prometheus metrics,
// service statistics, the current state and subscription management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/grassrootseconomics/eth-store/internal/store"
	"github.com/grassrootseconomics/eth-store/pkg/jsonrpc"
	"github.com/uptrace/bunrouter"
)

const (
	// metricsPath is the HTTP path for Prometheus metrics endpoint
	metricsPath = "/metrics"
	// statsPath is the HTTP path for service statistics endpoint
	statsPath = "/stats"
	// healthPath is the HTTP path for health check endpoint
	healthPath = "/health"
	// statePath is the HTTP path for the state snapshot
	statePath = "/state"
	// stateKeyPath is the HTTP path for a single state value
	stateKeyPath = "/state/:key"
	// subscriptionsPath is the HTTP path listing subscriptions
	subscriptionsPath = "/subscriptions"
	// subscriptionKeyPath is the HTTP path for managing a single subscription
	subscriptionKeyPath = "/subscriptions/:key"
	// maxBodyBytes bounds subscription request bodies
	maxBodyBytes = 1 << 16
)

var errEmptyMethod = errors.New("method is required")

type (
	// Store is the subset of the subscription store served by the API.
	Store interface {
		Snapshot() store.Snapshot
		Value(string) (json.RawMessage, bool)
		Subscriptions() map[string]jsonrpc.Request
		Register(string, jsonrpc.Request)
		Deregister(string)
	}

	// StatsProvider provides the /stats payload.
	StatsProvider interface {
		APIStatsResponse(context.Context) (map[string]interface{}, error)
	}

	// APIOpts contains configuration options for creating the API router.
	APIOpts struct {
		Store Store         // Subscription store
		Stats StatsProvider // Statistics provider
		Logg  *slog.Logger  // Structured logger
	}

	api struct {
		store Store
		stats StatsProvider
		logg  *slog.Logger
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// New creates a new HTTP router with all API endpoints registered.
func New(o APIOpts) *bunrouter.Router {
	a := &api{
		store: o.Store,
		stats: o.Stats,
		logg:  o.Logg,
	}
	router := bunrouter.New()

	router.GET(metricsPath, metricsHandler())
	router.GET(statsPath, a.statsHandler)
	router.GET(healthPath, healthHandler())
	router.GET(statePath, a.stateHandler)
	router.GET(stateKeyPath, a.stateKeyHandler)
	router.GET(subscriptionsPath, a.listSubscriptionsHandler)
	router.PUT(subscriptionKeyPath, a.putSubscriptionHandler)
	router.DELETE(subscriptionKeyPath, a.deleteSubscriptionHandler)

	return router
}

// metricsHandler returns a handler that serves Prometheus metrics.
func metricsHandler() bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, _ bunrouter.Request) error {
		metrics.WritePrometheus(w, true)
		return nil
	}
}

// healthHandler returns a handler for health checks.
func healthHandler() bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, _ bunrouter.Request) error {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
		return nil
	}
}

func (a *api) statsHandler(w http.ResponseWriter, req bunrouter.Request) error {
	resp, err := a.stats.APIStatsResponse(req.Context())
	if err != nil {
		a.logg.Error("failed to build stats response", "error", err)
		return writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (a *api) stateHandler(w http.ResponseWriter, _ bunrouter.Request) error {
	return writeJSON(w, http.StatusOK, a.store.Snapshot())
}

func (a *api) stateKeyHandler(w http.ResponseWriter, req bunrouter.Request) error {
	key := req.Param("key")

	if _, registered := a.store.Subscriptions()[key]; !registered {
		return writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown subscription"})
	}
	v, ok := a.store.Value(key)
	if !ok {
		// Registered but not fetched yet.
		return writeJSON(w, http.StatusAccepted, nil)
	}
	return writeJSON(w, http.StatusOK, v)
}

func (a *api) listSubscriptionsHandler(w http.ResponseWriter, _ bunrouter.Request) error {
	return writeJSON(w, http.StatusOK, a.store.Subscriptions())
}

func (a *api) putSubscriptionHandler(w http.ResponseWriter, req bunrouter.Request) error {
	key := req.Param("key")

	var payload jsonrpc.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if payload.IsZero() {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: errEmptyMethod.Error()})
	}

	a.store.Register(key, payload)
	a.logg.Info("subscription registered via api", "key", key, "method", payload.Method)

	return writeJSON(w, http.StatusAccepted, payload)
}

func (a *api) deleteSubscriptionHandler(w http.ResponseWriter, req bunrouter.Request) error {
	key := req.Param("key")

	a.store.Deregister(key)
	a.logg.Info("subscription removed via api", "key", key)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
