package cacheworker

import (
	"context"
	"errors"
	"net/http"

	"github.com/always-cache/cache-worker/cache"
	"github.com/always-cache/cache-worker/metrics"
	cachestatus "github.com/always-cache/cache-worker/pkg/cache-status"
	classifier "github.com/always-cache/cache-worker/pkg/request-classifier"
	serializer "github.com/always-cache/cache-worker/pkg/response-serializer"
)

// cacheFirst serves the stored response when there is one and only goes to the network on a miss.
// Successful network responses are stored for the next request.
func (w *Worker) cacheFirst(ctx context.Context, ev *FetchEvent) (*http.Response, error) {
	req := ev.Request
	class := classifier.StaticCacheable.String()

	cached := w.match(ctx, req)
	if cached != nil {
		ev.SetCacheStatus(cachestatus.New(StatusName).Hit())
		w.metrics.Fetch(class, metrics.OutcomeHit)
		return cached, nil
	}

	res, err := w.host.Fetch(ctx, req)
	if err != nil {
		// The only thing to fall back to is the lookup above, which missed.
		// The request therefore gets no response at all.
		w.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Static fetch failed with nothing cached")
		w.metrics.Fetch(class, metrics.OutcomeNoResponse)
		return cached, nil
	}

	cs := cachestatus.New(StatusName).Forward(cachestatus.FwdUriMiss)
	outcome := metrics.OutcomeMiss
	if res.StatusCode == http.StatusOK {
		if clone, err := serializer.Clone(res); err != nil {
			// the response still goes out, it just is not stored
			w.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Could not read static response for caching")
		} else {
			key := w.keyer.GetKey(req)
			// stored in the background, the response is not held back for it
			ev.WaitUntil(func(ctx context.Context) error {
				c, err := w.caches.Open(ctx, w.generation)
				if err != nil {
					return err
				}
				return w.store(ctx, c, key, clone)
			})
			cs.Stored()
			outcome = metrics.OutcomeMissStored
		}
	}
	ev.SetCacheStatus(cs)
	w.metrics.Fetch(class, outcome)
	return res, nil
}

// networkFirst always tries the network and only falls back to a stored response when it is unreachable.
// Its responses are never stored.
func (w *Worker) networkFirst(ctx context.Context, ev *FetchEvent) (*http.Response, error) {
	req := ev.Request
	class := classifier.DynamicPage.String()

	res, err := w.host.Fetch(ctx, req)
	if err == nil {
		ev.SetCacheStatus(cachestatus.New(StatusName).Forward(cachestatus.FwdRequest))
		w.metrics.Fetch(class, metrics.OutcomeNetwork)
		return res, nil
	}

	w.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Page fetch failed, trying cache")
	cached := w.match(ctx, req)
	if cached == nil {
		w.metrics.Fetch(class, metrics.OutcomeNoResponse)
		return nil, nil
	}
	ev.SetCacheStatus(cachestatus.New(StatusName).Hit().Detail("network-error"))
	w.metrics.Fetch(class, metrics.OutcomeFallbackHit)
	return cached, nil
}

// match looks the request up in the current generation.
// Storage errors are logged and count as a miss.
func (w *Worker) match(ctx context.Context, req *http.Request) *http.Response {
	key := w.keyer.GetKey(req)
	c, err := w.caches.Lookup(ctx, w.generation)
	if errors.Is(err, cache.ErrNotFound) {
		w.log.Trace().Str("key", key).Msg("No cache to look in")
		return nil
	}
	if err != nil {
		w.log.Error().Err(err).Msg("Could not open cache")
		return nil
	}
	entry, ok, err := c.Match(ctx, key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil
	}
	if !ok {
		w.log.Trace().Str("key", key).Msg("Not in cache")
		return nil
	}
	res, err := serializer.BytesToResponse(entry.Bytes, req)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not create response, evicting entry")
		if _, err := c.Delete(ctx, key); err != nil {
			w.log.Error().Err(err).Str("key", key).Msg("Could not evict entry")
		}
		return nil
	}
	return res
}

func (w *Worker) store(ctx context.Context, c cache.Cache, key string, res *http.Response) error {
	b, err := serializer.ResponseToBytes(res)
	if err != nil {
		return err
	}
	w.log.Trace().Str("key", key).Msg("Writing to cache")
	return c.Put(ctx, cache.Entry{Key: key, Bytes: b})
}
