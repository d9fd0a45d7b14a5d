package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	cacheworker "github.com/always-cache/cache-worker"
	"github.com/always-cache/cache-worker/metrics"
)

// State is the lifecycle state of the hosted worker.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrNotWaiting     = errors.New("worker is not waiting to activate")
	ErrNotActive      = errors.New("worker is not active")
)

// FetchModeHeader carries the request mode, "navigate" for top-level page loads.
const FetchModeHeader = "Sec-Fetch-Mode"

type Config struct {
	// URL of the origin server. This is also the scope of the worker.
	// Origins with paths are not supported.
	Origin *url.URL
	// Transport used for the network. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *metrics.Metrics
}

// Runtime hosts a worker in front of a single origin.
// It emits the lifecycle events, dispatches every controlled request as a fetch event
// and sends everything else to the origin unmodified.
type Runtime struct {
	origin       *url.URL
	client       *http.Client
	reverseproxy httputil.ReverseProxy
	log          zerolog.Logger
	metrics      *metrics.Metrics

	install  []func(*cacheworker.ExtendableEvent)
	activate []func(*cacheworker.ExtendableEvent)
	fetch    []func(*cacheworker.FetchEvent)

	mu          sync.Mutex
	state       State
	skipWaiting bool
	claimed     bool

	// background event tasks still running after their response was sent
	pending sync.WaitGroup
}

var _ cacheworker.Host = (*Runtime)(nil)

func New(config Config) *Runtime {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.Origin.String()).
		Logger()

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	rt := &Runtime{
		origin:  config.Origin,
		log:     logger,
		metrics: config.Metrics,
		state:   StateParsed,
	}
	rt.client = &http.Client{
		Transport:     transport,
		CheckRedirect: checkRedirect,
	}
	rt.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.Origin.Scheme, config.Origin.Host),
		Transport: transport,
	}
	rt.metrics.Lifecycle(string(StateParsed))
	return rt
}

func (rt *Runtime) Scope() *url.URL {
	return rt.origin
}

func (rt *Runtime) OnInstall(f func(*cacheworker.ExtendableEvent)) {
	rt.install = append(rt.install, f)
}

func (rt *Runtime) OnActivate(f func(*cacheworker.ExtendableEvent)) {
	rt.activate = append(rt.activate, f)
}

func (rt *Runtime) OnFetch(f func(*cacheworker.FetchEvent)) {
	rt.fetch = append(rt.fetch, f)
}

func (rt *Runtime) SkipWaiting() {
	rt.mu.Lock()
	rt.skipWaiting = true
	rt.mu.Unlock()
}

// ClaimClients makes the worker control requests of clients that were opened before it activated.
func (rt *Runtime) ClaimClients(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state != StateActivating && rt.state != StateActivated {
		return ErrNotActive
	}
	rt.claimed = true
	rt.log.Debug().Msg("Claimed clients")
	return nil
}

func (rt *Runtime) State() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *Runtime) setState(state State) {
	rt.mu.Lock()
	rt.state = state
	rt.mu.Unlock()
	rt.report(state)
}

// transition moves the worker to state to if it currently is in state from.
func (rt *Runtime) transition(from, to State) bool {
	rt.mu.Lock()
	if rt.state != from {
		rt.mu.Unlock()
		return false
	}
	rt.state = to
	rt.mu.Unlock()
	rt.report(to)
	return true
}

func (rt *Runtime) report(state State) {
	rt.metrics.Lifecycle(string(state))
	rt.log.Info().Str("state", string(state)).Msg("Worker state changed")
}

// Start installs the worker.
// If the worker asked to skip waiting it is activated right away,
// otherwise it stays installed until Activate is called.
// A failing install or activation makes the worker redundant.
func (rt *Runtime) Start(ctx context.Context) error {
	if !rt.transition(StateParsed, StateInstalling) {
		return ErrAlreadyStarted
	}
	ev := cacheworker.NewExtendableEvent(ctx)
	for _, f := range rt.install {
		f(ev)
	}
	if err := ev.Wait(); err != nil {
		rt.setState(StateRedundant)
		return fmt.Errorf("install: %w", err)
	}
	rt.setState(StateInstalled)

	rt.mu.Lock()
	skip := rt.skipWaiting
	rt.mu.Unlock()
	if !skip {
		rt.log.Info().Msg("Worker waiting for activation")
		return nil
	}
	return rt.Activate(ctx)
}

// Activate activates an installed worker.
func (rt *Runtime) Activate(ctx context.Context) error {
	if !rt.transition(StateInstalled, StateActivating) {
		return ErrNotWaiting
	}

	ev := cacheworker.NewExtendableEvent(ctx)
	for _, f := range rt.activate {
		f(ev)
	}
	if err := ev.Wait(); err != nil {
		rt.setState(StateRedundant)
		return fmt.Errorf("activate: %w", err)
	}
	rt.setState(StateActivated)
	return nil
}

// controls reports whether the request is dispatched to the worker.
// Navigations always open a new, controlled client once the worker is active;
// other requests belong to clients that are only controlled after they were claimed.
func (rt *Runtime) controls(r *http.Request) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state != StateActivated {
		return false
	}
	return rt.claimed || r.Header.Get(FetchModeHeader) == "navigate"
}

// Drain waits for background event tasks to settle or for ctx to be done.
func (rt *Runtime) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		rt.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
