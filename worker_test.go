package cacheworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/cache-worker/cache"
	serializer "github.com/always-cache/cache-worker/pkg/response-serializer"
	classifier "github.com/always-cache/cache-worker/pkg/request-classifier"
)

const testGeneration = "openmotors-v1"

var errOffline = errors.New("network unreachable")

type fakeHost struct {
	scope    *url.URL
	install  []func(*ExtendableEvent)
	activate []func(*ExtendableEvent)
	fetch    []func(*FetchEvent)

	mu          sync.Mutex
	skipWaiting bool
	claimed     chan struct{}
	// responses by absolute URL; missing URLs fail like an unreachable network
	network map[string]func() (*http.Response, error)
	fetched []string
}

func newFakeHost() *fakeHost {
	scope, _ := url.Parse("http://motos.localhost:8000")
	return &fakeHost{
		scope:   scope,
		claimed: make(chan struct{}),
		network: map[string]func() (*http.Response, error){},
	}
}

func (h *fakeHost) Scope() *url.URL                     { return h.scope }
func (h *fakeHost) OnInstall(f func(*ExtendableEvent))  { h.install = append(h.install, f) }
func (h *fakeHost) OnActivate(f func(*ExtendableEvent)) { h.activate = append(h.activate, f) }
func (h *fakeHost) OnFetch(f func(*FetchEvent))         { h.fetch = append(h.fetch, f) }

func (h *fakeHost) SkipWaiting() {
	h.mu.Lock()
	h.skipWaiting = true
	h.mu.Unlock()
}

func (h *fakeHost) ClaimClients(ctx context.Context) error {
	close(h.claimed)
	return nil
}

func (h *fakeHost) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	h.mu.Lock()
	h.fetched = append(h.fetched, req.URL.String())
	respond, ok := h.network[req.URL.String()]
	h.mu.Unlock()
	if !ok {
		return nil, errOffline
	}
	return respond()
}

func (h *fakeHost) serve(rawURL string, status int, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.network[rawURL] = func() (*http.Response, error) {
		return &http.Response{
			StatusCode:    status,
			Header:        http.Header{"Content-Type": {"text/plain"}},
			Body:          io.NopCloser(strings.NewReader(body)),
			ContentLength: int64(len(body)),
		}, nil
	}
}

func (h *fakeHost) offline(rawURL string) {
	h.mu.Lock()
	delete(h.network, rawURL)
	h.mu.Unlock()
}

func (h *fakeHost) fetchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fetched)
}

func (h *fakeHost) runInstall() error {
	ev := NewExtendableEvent(context.Background())
	for _, f := range h.install {
		f(ev)
	}
	return ev.Wait()
}

func (h *fakeHost) runActivate() error {
	ev := NewExtendableEvent(context.Background())
	for _, f := range h.activate {
		f(ev)
	}
	return ev.Wait()
}

// dispatch sends a fetch event and reports whether the worker responded.
// It waits for all event tasks, so background puts have completed on return.
func (h *fakeHost) dispatch(req *http.Request) (*FetchEvent, *http.Response, error, bool) {
	ev := NewFetchEvent(context.Background(), req)
	for _, f := range h.fetch {
		f(ev)
	}
	if !ev.Responded() {
		return ev, nil, nil, false
	}
	res, err := ev.Response()
	ev.Wait()
	return ev, res, err, true
}

func newTestWorker(t *testing.T, assets ...string) (*Worker, *fakeHost, cache.Storage) {
	t.Helper()
	return newTestWorkerWithStorage(t, cache.NewMemoryStorage(), assets...)
}

func newTestWorkerWithStorage(t *testing.T, storage cache.Storage, assets ...string) (*Worker, *fakeHost, cache.Storage) {
	t.Helper()
	logger := zerolog.Nop()
	w := New(Config{
		Generation:   testGeneration,
		StaticAssets: assets,
		Rules:        classifier.DefaultRules(),
		Caches:       storage,
		Logger:       &logger,
	})
	host := newFakeHost()
	w.Register(host)
	return w, host, storage
}

func newRequest(method, rawURL, dest string) *http.Request {
	req, _ := http.NewRequest(method, rawURL, nil)
	if dest != "" {
		req.Header.Set(classifier.DestinationHeader, dest)
	}
	return req
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func cacheKeys(t *testing.T, s cache.Storage, name string) []string {
	t.Helper()
	c, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := c.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func putResponse(t *testing.T, s cache.Storage, name, key string, status int, body string) []byte {
	t.Helper()
	res := &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	b, err := serializer.ResponseToBytes(res)
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(context.Background(), cache.Entry{Key: key, Bytes: b}); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestInstallSingleAsset(t *testing.T) {
	_, host, storage := newTestWorker(t, "/static/img/favicon.png")
	host.serve("http://motos.localhost:8000/static/img/favicon.png", 200, "png")

	if err := host.runInstall(); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	keys := cacheKeys(t, storage, testGeneration)
	if len(keys) != 1 || keys[0] != "GET http://motos.localhost:8000/static/img/favicon.png" {
		t.Fatalf("Cache keys are %v", keys)
	}
	if !host.skipWaiting {
		t.Fatal("Install did not request skip waiting")
	}
}

func TestInstallSucceedsWhenAssetUnreachable(t *testing.T) {
	_, host, storage := newTestWorker(t, "/static/img/favicon.png")

	if err := host.runInstall(); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if keys := cacheKeys(t, storage, testGeneration); len(keys) != 0 {
		t.Fatalf("Cache keys are %v", keys)
	}
}

func TestInstallPopulatesPartially(t *testing.T) {
	_, host, storage := newTestWorker(t,
		"/static/img/favicon.png",
		"/static/img/icon-192.png",
		"/static/img/icon-512.png",
		"https://fonts.googleapis.com/css2?family=Poppins:wght@300;400&display=swap",
	)
	host.serve("http://motos.localhost:8000/static/img/favicon.png", 200, "favicon")
	host.serve("http://motos.localhost:8000/static/img/icon-192.png", 404, "not found")
	host.serve("https://fonts.googleapis.com/css2?family=Poppins:wght@300;400&display=swap", 200, "@font-face{}")

	if err := host.runInstall(); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	keys := strings.Join(cacheKeys(t, storage, testGeneration), "\n")
	for _, want := range []string{
		"GET http://motos.localhost:8000/static/img/favicon.png",
		"GET https://fonts.googleapis.com/css2?family=Poppins:wght@300;400&display=swap",
	} {
		if !strings.Contains(keys, want) {
			t.Fatalf("%s not cached, keys are:\n%s", want, keys)
		}
	}
	if strings.Contains(keys, "icon-192") || strings.Contains(keys, "icon-512") {
		t.Fatalf("Failed assets cached, keys are:\n%s", keys)
	}
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	_, host, storage := newTestWorker(t)
	putResponse(t, storage, "openmotors-v0", "GET http://motos.localhost:8000/", 200, "old")
	putResponse(t, storage, testGeneration, "GET http://motos.localhost:8000/static/a.css", 200, "current")
	putResponse(t, storage, "something-else", "GET http://motos.localhost:8000/", 200, "other")

	if err := host.runActivate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	names, _ := storage.Keys(context.Background())
	if len(names) != 1 || names[0] != testGeneration {
		t.Fatalf("Caches after activation: %v", names)
	}
	if keys := cacheKeys(t, storage, testGeneration); len(keys) != 1 {
		t.Fatalf("Current generation lost entries: %v", keys)
	}
}

func TestActivateWithoutStaleGenerations(t *testing.T) {
	_, host, storage := newTestWorker(t)
	if err := host.runActivate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if names, _ := storage.Keys(context.Background()); len(names) != 0 {
		t.Fatalf("Caches after activation: %v", names)
	}
}

func TestActivateClaimsClients(t *testing.T) {
	_, host, _ := newTestWorker(t)
	if err := host.runActivate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	select {
	case <-host.claimed:
	case <-time.After(time.Second):
		t.Fatal("Clients not claimed")
	}
}

func TestNonGetIsNotIntercepted(t *testing.T) {
	_, host, _ := newTestWorker(t)
	for _, method := range []string{"POST", "PUT", "DELETE", "HEAD"} {
		_, _, _, responded := host.dispatch(newRequest(method, "http://motos.localhost:8000/static/app.css", "style"))
		if responded {
			t.Fatalf("%s request was intercepted", method)
		}
	}
	if host.fetchCount() != 0 {
		t.Fatalf("Worker fetched %d times", host.fetchCount())
	}
}

func TestAdminIsNotIntercepted(t *testing.T) {
	_, host, _ := newTestWorker(t)
	for _, dest := range []string{"", "document", "image", "style", "font"} {
		_, _, _, responded := host.dispatch(newRequest("GET", "http://motos.localhost:8000/admin/ventas/", dest))
		if responded {
			t.Fatalf("Admin request with destination '%s' was intercepted", dest)
		}
	}
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	_, host, storage := newTestWorker(t)
	putResponse(t, storage, testGeneration, "GET http://motos.localhost:8000/static/img/logo.png", 200, "\x89PNG stored")
	host.serve("http://motos.localhost:8000/static/img/logo.png", 200, "fresh")

	ev, res, err, responded := host.dispatch(newRequest("GET", "http://motos.localhost:8000/static/img/logo.png", "image"))
	if !responded || err != nil {
		t.Fatalf("responded=%v err=%v", responded, err)
	}
	if body := readBody(t, res); body != "\x89PNG stored" {
		t.Fatalf("Body is %q", body)
	}
	if host.fetchCount() != 0 {
		t.Fatalf("Network fetched %d times", host.fetchCount())
	}
	if cs := ev.CacheStatus().String(); cs != "cache-worker; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestCacheFirstMissPopulatesCache(t *testing.T) {
	_, host, _ := newTestWorker(t)
	host.serve("http://motos.localhost:8000/fonts/dm.woff2", 200, "font bytes")
	req := newRequest("GET", "http://motos.localhost:8000/fonts/dm.woff2", "font")

	ev, res, err, _ := host.dispatch(req)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "font bytes" {
		t.Fatalf("Body is %q", body)
	}
	if cs := ev.CacheStatus().String(); cs != "cache-worker; fwd=uri-miss; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}

	host.offline("http://motos.localhost:8000/fonts/dm.woff2")
	_, res, err, _ = host.dispatch(newRequest("GET", "http://motos.localhost:8000/fonts/dm.woff2", "font"))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "font bytes" {
		t.Fatalf("Body is %q", body)
	}
	if host.fetchCount() != 1 {
		t.Fatalf("Network fetched %d times", host.fetchCount())
	}
}

func TestCacheFirstDoesNotStoreNon200(t *testing.T) {
	_, host, storage := newTestWorker(t)
	host.serve("http://motos.localhost:8000/static/missing.css", 404, "not found")

	_, res, err, _ := host.dispatch(newRequest("GET", "http://motos.localhost:8000/static/missing.css", "style"))
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 404 {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if keys := cacheKeys(t, storage, testGeneration); len(keys) != 0 {
		t.Fatalf("Cache keys are %v", keys)
	}
}

func TestCacheFirstMissWhileOfflineHasNoResponse(t *testing.T) {
	_, host, _ := newTestWorker(t)

	_, res, err, responded := host.dispatch(newRequest("GET", "http://motos.localhost:8000/static/img/new.png", "image"))
	if !responded {
		t.Fatal("Static request was not intercepted")
	}
	if res != nil || !errors.Is(err, ErrNoResponse) {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestNetworkFirstDoesNotStore(t *testing.T) {
	_, host, storage := newTestWorker(t)
	host.serve("http://motos.localhost:8000/clientes/", 200, "<html>clientes</html>")

	ev, res, err, _ := host.dispatch(newRequest("GET", "http://motos.localhost:8000/clientes/", "document"))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "<html>clientes</html>" {
		t.Fatalf("Body is %q", body)
	}
	if keys := cacheKeys(t, storage, testGeneration); len(keys) != 0 {
		t.Fatalf("Cache keys are %v", keys)
	}
	if cs := ev.CacheStatus().String(); cs != "cache-worker; fwd=request" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestNetworkFirstPrefersNetworkOverCache(t *testing.T) {
	_, host, storage := newTestWorker(t)
	putResponse(t, storage, testGeneration, "GET http://motos.localhost:8000/", 200, "stale")
	host.serve("http://motos.localhost:8000/", 200, "fresh")

	_, res, _, _ := host.dispatch(newRequest("GET", "http://motos.localhost:8000/", "document"))
	if body := readBody(t, res); body != "fresh" {
		t.Fatalf("Body is %q", body)
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	_, host, storage := newTestWorker(t)
	putResponse(t, storage, testGeneration, "GET http://motos.localhost:8000/taller/", 200, "offline copy")

	ev, res, err, _ := host.dispatch(newRequest("GET", "http://motos.localhost:8000/taller/", "document"))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "offline copy" {
		t.Fatalf("Body is %q", body)
	}
	if cs := ev.CacheStatus().String(); cs != "cache-worker; hit; detail=network-error" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestNetworkFirstOfflineWithoutCacheHasNoResponse(t *testing.T) {
	_, host, _ := newTestWorker(t)
	_, res, err, _ := host.dispatch(newRequest("GET", "http://motos.localhost:8000/reportes/", "document"))
	if res != nil || !errors.Is(err, ErrNoResponse) {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestStaleGenerationIsNotConsulted(t *testing.T) {
	_, host, storage := newTestWorker(t)
	putResponse(t, storage, "openmotors-v0", "GET http://motos.localhost:8000/static/app.css", 200, "old")

	_, res, err, _ := host.dispatch(newRequest("GET", "http://motos.localhost:8000/static/app.css", ""))
	if res != nil || !errors.Is(err, ErrNoResponse) {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestRespondWithTwice(t *testing.T) {
	ev := NewFetchEvent(context.Background(), newRequest("GET", "http://motos.localhost:8000/", ""))
	task := func(ctx context.Context) (*http.Response, error) { return nil, fmt.Errorf("boom") }
	if err := ev.RespondWith(task); err != nil {
		t.Fatal(err)
	}
	if err := ev.RespondWith(task); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("Second RespondWith returned %v", err)
	}
	if _, err := ev.Response(); err == nil || err.Error() != "boom" {
		t.Fatalf("Response error is %v", err)
	}
}

func TestWaitSettlesAllTasks(t *testing.T) {
	ev := NewExtendableEvent(context.Background())
	failed := errors.New("failed")
	var done int32
	ev.WaitUntil(func(ctx context.Context) error { return failed })
	ev.WaitUntil(func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&done, 1)
		return nil
	})
	if err := ev.Wait(); !errors.Is(err, failed) {
		t.Fatalf("Wait returned %v", err)
	}
	if atomic.LoadInt32(&done) != 1 {
		t.Fatal("Wait returned before all tasks settled")
	}
}

// brokenStorage fails opening and deleting caches.
type brokenStorage struct {
	cache.Storage
}

func (brokenStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	return nil, errors.New("database is locked")
}

func (brokenStorage) Delete(ctx context.Context, name string) (bool, error) {
	return false, errors.New("database is locked")
}

func TestInstallSucceedsWhenCacheCannotBeOpened(t *testing.T) {
	_, host, _ := newTestWorkerWithStorage(t, brokenStorage{cache.NewMemoryStorage()}, "/static/img/favicon.png")
	host.serve("http://motos.localhost:8000/static/img/favicon.png", 200, "png")

	if err := host.runInstall(); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if !host.skipWaiting {
		t.Fatal("Install did not request skip waiting")
	}
}

func TestActivateFailsWhenStaleGenerationCannotBeDeleted(t *testing.T) {
	mem := cache.NewMemoryStorage()
	putResponse(t, mem, "openmotors-v0", "GET http://motos.localhost:8000/", 200, "old")
	_, host, _ := newTestWorkerWithStorage(t, brokenStorage{mem})

	err := host.runActivate()
	if err == nil || !strings.Contains(err.Error(), "delete cache openmotors-v0") {
		t.Fatalf("Activate returned %v", err)
	}
}

func TestCacheFirstServesResponseThatCannotBeCached(t *testing.T) {
	_, host, storage := newTestWorker(t)
	reset := errors.New("connection reset")
	host.mu.Lock()
	host.network["http://motos.localhost:8000/static/big.js"] = func() (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{},
			Body:       io.NopCloser(io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(reset))),
		}, nil
	}
	host.mu.Unlock()

	ev, res, err, _ := host.dispatch(newRequest("GET", "http://motos.localhost:8000/static/big.js", "script"))
	if err != nil || res == nil || res.StatusCode != 200 {
		t.Fatalf("res=%v err=%v", res, err)
	}
	if body, err := io.ReadAll(res.Body); string(body) != "partial" || !errors.Is(err, reset) {
		t.Fatalf("Body is %q, error %v", body, err)
	}
	if cs := ev.CacheStatus().String(); cs != "cache-worker; fwd=uri-miss" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if keys := cacheKeys(t, storage, testGeneration); len(keys) != 0 {
		t.Fatalf("Cache keys are %v", keys)
	}
}

func TestUnreadableEntryIsEvicted(t *testing.T) {
	_, host, storage := newTestWorker(t)
	c, err := storage.Open(context.Background(), testGeneration)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(context.Background(), cache.Entry{Key: "GET http://motos.localhost:8000/taller/", Bytes: []byte("garbage")}); err != nil {
		t.Fatal(err)
	}

	_, res, err, _ := host.dispatch(newRequest("GET", "http://motos.localhost:8000/taller/", "document"))
	if res != nil || !errors.Is(err, ErrNoResponse) {
		t.Fatalf("res=%v err=%v", res, err)
	}
	if keys := cacheKeys(t, storage, testGeneration); len(keys) != 0 {
		t.Fatalf("Cache keys are %v", keys)
	}
}
