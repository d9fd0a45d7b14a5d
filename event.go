package cacheworker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	cachestatus "github.com/always-cache/cache-worker/pkg/cache-status"
)

var (
	// ErrNoResponse is the result of a fetch event whose response task produced nothing.
	// The host presents its own network error for it.
	ErrNoResponse = errors.New("no response")
	// ErrAlreadyResponded is returned when RespondWith is called more than once.
	ErrAlreadyResponded = errors.New("fetch event already responded to")
)

// Host is the runtime the worker is registered with.
// It emits lifecycle and fetch events and provides the network primitive.
type Host interface {
	// Scope is the base URL relative resource URLs are resolved against.
	Scope() *url.URL
	OnInstall(func(*ExtendableEvent))
	OnActivate(func(*ExtendableEvent))
	OnFetch(func(*FetchEvent))
	// SkipWaiting makes the installed worker eligible for activation right away.
	SkipWaiting()
	// ClaimClients takes control of all clients that are already open.
	ClaimClients(ctx context.Context) error
	// Fetch performs a request against the network.
	// An error means the network could not be reached; any HTTP status is a response.
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// ExtendableEvent is a lifecycle event whose lifetime can be extended with tasks.
// The host considers the event resolved only after Wait returns.
type ExtendableEvent struct {
	ctx   context.Context
	tasks errgroup.Group
}

func NewExtendableEvent(ctx context.Context) *ExtendableEvent {
	return &ExtendableEvent{ctx: ctx}
}

func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil runs task in the background and extends the lifetime of the event until it returns.
// A failing task does not cancel the others.
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) {
	e.tasks.Go(func() error {
		return task(e.ctx)
	})
}

// Wait blocks until all tasks have settled and returns the first error.
func (e *ExtendableEvent) Wait() error {
	return e.tasks.Wait()
}

type fetchResult struct {
	res *http.Response
	err error
}

// FetchEvent is an intercepted request.
// A handler supplies the response with RespondWith; when no handler does,
// the host sends the request down its default network path.
type FetchEvent struct {
	*ExtendableEvent
	// Request has an absolute URL.
	Request *http.Request

	mu        sync.Mutex
	responded bool
	result    chan fetchResult
	status    *cachestatus.CacheStatus
}

func NewFetchEvent(ctx context.Context, req *http.Request) *FetchEvent {
	return &FetchEvent{
		ExtendableEvent: NewExtendableEvent(ctx),
		Request:         req,
		result:          make(chan fetchResult, 1),
	}
}

// RespondWith runs task in the background; its result becomes the response to the request.
// A task returning neither a response nor an error results in ErrNoResponse.
func (e *FetchEvent) RespondWith(task func(ctx context.Context) (*http.Response, error)) error {
	e.mu.Lock()
	if e.responded {
		e.mu.Unlock()
		return ErrAlreadyResponded
	}
	e.responded = true
	e.mu.Unlock()

	// the result is delivered through Response, not Wait
	e.tasks.Go(func() error {
		res, err := task(e.ctx)
		if res == nil && err == nil {
			err = ErrNoResponse
		}
		e.result <- fetchResult{res: res, err: err}
		return nil
	})
	return nil
}

func (e *FetchEvent) Responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responded
}

// Response blocks until the response task has returned.
// It must only be called once, and only if Responded reports true.
func (e *FetchEvent) Response() (*http.Response, error) {
	r := <-e.result
	return r.res, r.err
}

// SetCacheStatus records how the response was produced.
func (e *FetchEvent) SetCacheStatus(cs *cachestatus.CacheStatus) {
	e.mu.Lock()
	e.status = cs
	e.mu.Unlock()
}

func (e *FetchEvent) CacheStatus() *cachestatus.CacheStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}
