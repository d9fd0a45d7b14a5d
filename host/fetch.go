package host

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	cacheworker "github.com/always-cache/cache-worker"
	cachestatus "github.com/always-cache/cache-worker/pkg/cache-status"
)

// networkErrorBody is what a client sees when the worker produced no response.
const networkErrorBody = "network error"

// ServeHTTP implements the http.Handler interface.
func (rt *Runtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(rt.fetch) == 0 || !rt.controls(r) {
		rt.proxy(w, r)
		return
	}

	// Tasks outlive the client request; the fetch primitive's own limits are the only ones.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	ev := cacheworker.NewFetchEvent(ctx, rt.eventRequest(ctx, r))
	for _, f := range rt.fetch {
		f(ev)
	}
	if !ev.Responded() {
		rt.settle(ev.ExtendableEvent, cancel)
		rt.proxy(w, r)
		return
	}

	res, err := ev.Response()
	// the body of a network response is bound to the event context
	defer rt.settle(ev.ExtendableEvent, cancel)
	if err != nil {
		if !errors.Is(err, cacheworker.ErrNoResponse) {
			hlog.FromRequest(r).Error().Err(err).Msg("Fetch event failed")
		}
		http.Error(w, networkErrorBody, http.StatusBadGateway)
		return
	}
	rt.sendResponse(w, r, res, ev.CacheStatus())
}

// settle waits for the remaining tasks of the event in the background.
func (rt *Runtime) settle(ev *cacheworker.ExtendableEvent, cancel context.CancelFunc) {
	rt.pending.Add(1)
	go func() {
		defer rt.pending.Done()
		defer cancel()
		if err := ev.Wait(); err != nil {
			rt.log.Warn().Err(err).Msg("Fetch event task failed")
		}
	}()
}

// eventRequest returns the request as the worker sees it, with an absolute origin URL.
func (rt *Runtime) eventRequest(ctx context.Context, r *http.Request) *http.Request {
	req := r.Clone(ctx)
	req.URL.Scheme = rt.origin.Scheme
	req.URL.Host = rt.origin.Host
	req.Host = rt.origin.Host
	req.RequestURI = ""
	return req
}

func (rt *Runtime) sendResponse(w http.ResponseWriter, r *http.Request, res *http.Response, cs *cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	// on the wire only, stored entries are never annotated
	if !cs.Empty() {
		w.Header().Set(cachestatus.HeaderName, cs.String())
	}
	w.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		if bytesWritten, err = io.Copy(w, res.Body); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not write response body to client")
		}
	}
	hlog.FromRequest(r).Trace().
		Str("cacheStatus", cs.String()).
		Bool("hit", cs != nil && cs.IsHit()).
		Int64("bytes", bytesWritten).
		Msg("Sent worker response")
}

func (rt *Runtime) proxy(w http.ResponseWriter, r *http.Request) {
	hlog.FromRequest(r).Trace().Msgf("proxying %s", r.URL.String())
	rt.reverseproxy.ServeHTTP(w, r)
}

// Fetch sends the request to the network.
func (rt *Runtime) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = ""
	removeHopByHopHeaders(out.Header)
	res, err := rt.client.Do(out)
	if err != nil {
		return nil, err
	}
	removeHopByHopHeaders(res.Header)
	return res, nil
}

// checkRedirect keeps navigation redirects for the client to follow,
// so the address it shows stays correct. Other requests follow redirects.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > 0 && via[0].Header.Get(FetchModeHeader) == "navigate" {
		return http.ErrUseLastResponse
	}
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	return nil
}

func createDirector(scheme, host string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		req.Host = host
	}
}

// Hop-by-hop headers, RFC 9110 section 7.6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
