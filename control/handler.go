package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/always-cache/cache-worker/cache"
	"github.com/always-cache/cache-worker/host"
	"github.com/always-cache/cache-worker/metrics"
)

// Lifecycle is the part of the host runtime the control plane drives.
type Lifecycle interface {
	State() host.State
	Activate(ctx context.Context) error
}

type Config struct {
	Lifecycle Lifecycle
	Caches    cache.Storage
	// Name of the current cache generation.
	Generation string
	Metrics    *metrics.Metrics
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type handler struct {
	lifecycle  Lifecycle
	caches     cache.Storage
	generation string
	log        zerolog.Logger
}

type cacheInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

type cacheKeys struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

// NewHandler returns the router of the control plane.
func NewHandler(cfg Config) http.Handler {
	var logger zerolog.Logger
	if cfg.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *cfg.Logger
	}
	h := &handler{
		lifecycle:  cfg.Lifecycle,
		caches:     cfg.Caches,
		generation: cfg.Generation,
		log:        logger.With().Str("component", "control").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	r.Get("/caches", h.handleCaches)
	r.Get("/caches/{name}", h.handleCache)
	r.Post("/activate", h.handleActivate)
	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(h.lifecycle.State()),
	})
}

func (h *handler) handleCaches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := h.caches.Keys(ctx)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	infos := make([]cacheInfo, 0, len(names))
	for _, name := range names {
		c, err := h.caches.Lookup(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			// deleted since it was listed
			continue
		}
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		infos = append(infos, cacheInfo{Name: name, Entries: len(keys), Current: name == h.generation})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *handler) handleCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	c, err := h.caches.Lookup(ctx, name)
	if errors.Is(err, cache.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, cacheKeys{Name: name, Keys: keys})
}

func (h *handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	err := h.lifecycle.Activate(r.Context())
	if errors.Is(err, host.ErrNotWaiting) {
		h.writeError(w, http.StatusConflict, err)
		return
	} else if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.log.Info().Msg("Worker activated through control plane")
	writeJSON(w, http.StatusOK, map[string]string{"state": string(h.lifecycle.State())})
}

func (h *handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Control request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
