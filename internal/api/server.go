package api

import (
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryanbastic/go-cosync/internal/metrics"
	"github.com/ryanbastic/go-cosync/internal/storage"
	"github.com/ryanbastic/go-cosync/internal/wire"
)

// Deps are the relay components the HTTP surface exposes.
type Deps struct {
	Document string
	Store    storage.ChangeStore
	// Relay serves the websocket session endpoint. Nil leaves it unrouted.
	Relay    http.Handler
	Peers    PeerCounter
	Backends map[string]Pinger
}

// NewServer creates the relay's HTTP handler with all routes configured.
func NewServer(logger *slog.Logger, deps Deps) http.Handler {
	mux := chi.NewRouter()

	mux.Use(RequestID)
	mux.Use(Logging(logger))
	mux.Use(Recovery(logger))
	mux.Use(metrics.Metrics)

	mux.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	huma.NewError = newRelayError
	config := huma.DefaultConfig("cosync relay", "1.0.0")
	config.Info.Description = "Inspection API of the change relay."
	api := humachi.New(mux, config)

	registerChangeRoutes(api, NewChangeHandler(deps.Store, logger))
	registerUserRoutes(api, NewUserHandler(deps.Store, deps.Peers, deps.Document, logger))

	health := NewHealthHandler(deps.Backends, logger)
	mux.Get("/v1/livez", health.Livez)
	mux.Get("/v1/readyz", health.Readyz)
	mux.Handle("/metrics", promhttp.Handler())

	if deps.Relay != nil {
		mux.Handle(wire.SessionPath, deps.Relay)
	}
	return mux
}
