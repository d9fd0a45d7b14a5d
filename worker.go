package cacheworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/cache-worker/cache"
	"github.com/always-cache/cache-worker/metrics"
	cachekey "github.com/always-cache/cache-worker/pkg/cache-key"
	classifier "github.com/always-cache/cache-worker/pkg/request-classifier"
)

// StatusName identifies this worker in Cache-Status header values.
const StatusName = "cache-worker"

type Config struct {
	// Name of the current cache generation.
	// Every other generation is deleted on activation.
	Generation string
	// URLs populated into the cache on install.
	// Relative URLs are resolved against the host scope.
	StaticAssets []string
	// Rules for classifying intercepted requests.
	Rules classifier.Rules
	// Storage for cache generations.
	Caches cache.Storage
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *metrics.Metrics
}

type Worker struct {
	generation string
	assets     []string
	rules      classifier.Rules
	caches     cache.Storage
	keyer      cachekey.CacheKeyer
	host       Host
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

// New creates a worker from the given config.
// The worker does nothing until it is registered with a host.
func New(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("generation", config.Generation).
		Logger()

	return &Worker{
		generation: config.Generation,
		assets:     config.StaticAssets,
		rules:      config.Rules,
		caches:     config.Caches,
		log:        logger,
		metrics:    config.Metrics,
	}
}

// Register attaches the install, activate and fetch handlers to the host.
func (w *Worker) Register(host Host) {
	w.host = host
	w.keyer = cachekey.NewCacheKeyer(host.Scope())
	host.OnInstall(w.handleInstall)
	host.OnActivate(w.handleActivate)
	host.OnFetch(w.handleFetch)
}

func (w *Worker) Generation() string {
	return w.generation
}

func (w *Worker) handleInstall(ev *ExtendableEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		// Install succeeds with whatever subset of the assets could be stored,
		// so the population error is dropped here on purpose.
		if err := w.precache(ctx); err != nil {
			w.log.Debug().Err(err).Msg("Static assets cached partially")
		}
		return nil
	})
	w.host.SkipWaiting()
}

// precache stores every static asset in the current generation.
// Assets are fetched concurrently; the returned error joins all failures.
func (w *Worker) precache(ctx context.Context) error {
	c, err := w.caches.Open(ctx, w.generation)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", w.generation, err)
	}

	// every asset is attempted, one failing does not stop the others
	errs := make([]error, len(w.assets))
	var g errgroup.Group
	for i, asset := range w.assets {
		i, asset := i, asset
		g.Go(func() error {
			errs[i] = w.addAsset(ctx, c, asset)
			w.metrics.InstallAsset(errs[i] == nil)
			return errs[i]
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	w.log.Debug().Int("assets", len(w.assets)).Msg("Static assets cached")
	return nil
}

func (w *Worker) addAsset(ctx context.Context, c cache.Cache, asset string) error {
	key, err := w.keyer.GetKeyForURL(http.MethodGet, asset)
	if err != nil {
		return fmt.Errorf("asset %s: %w", asset, err)
	}
	req, err := w.keyer.GetRequestFromKey(key)
	if err != nil {
		return fmt.Errorf("asset %s: %w", asset, err)
	}
	req = req.WithContext(ctx)

	res, err := w.host.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", asset, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		return fmt.Errorf("fetch %s: status %d", asset, res.StatusCode)
	}
	w.log.Trace().Str("asset", asset).Msg("Caching static asset")
	return w.store(ctx, c, key, res)
}

func (w *Worker) handleActivate(ev *ExtendableEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		deleted, err := cache.DeleteAllExcept(ctx, w.caches, w.generation)
		for _, name := range deleted {
			w.metrics.GenerationDeleted()
			w.log.Info().Str("cache", name).Msg("Deleted stale cache generation")
		}
		return err
	})

	// claiming has no failure worth surfacing, so it is not awaited
	ctx := context.WithoutCancel(ev.Context())
	go func() {
		if err := w.host.ClaimClients(ctx); err != nil {
			w.log.Warn().Err(err).Msg("Could not claim clients")
		}
	}()
}

func (w *Worker) handleFetch(ev *FetchEvent) {
	class := w.rules.Classify(ev.Request)
	if !class.Intercepted() {
		w.metrics.Fetch(class.String(), metrics.OutcomeBypass)
		return
	}
	switch class {
	case classifier.StaticCacheable:
		ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
			return w.cacheFirst(ctx, ev)
		})
	case classifier.DynamicPage:
		ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
			return w.networkFirst(ctx, ev)
		})
	}
}
