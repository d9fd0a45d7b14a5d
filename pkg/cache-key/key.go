package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = " "

type CacheKeyer struct {
	// Base URL that relative request URLs are resolved against.
	// Usually this is the origin the worker is serving.
	Scope *url.URL
}

func NewCacheKeyer(scope *url.URL) CacheKeyer {
	return CacheKeyer{Scope: scope}
}

// Resolve returns the absolute form of the given, possibly relative, URL.
// The fragment is dropped since it is never part of a request identity.
func (c CacheKeyer) Resolve(u *url.URL) *url.URL {
	resolved := *u
	if c.Scope != nil && !u.IsAbs() {
		resolved = *c.Scope.ResolveReference(u)
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""
	return &resolved
}

// GetKey returns the cache key for a request: its method and absolute URL.
func (c CacheKeyer) GetKey(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + methodSeparator + c.Resolve(r.URL).String()
}

// GetKeyForURL returns the cache key for a request with the given method and raw URL.
func (c CacheKeyer) GetKeyForURL(method, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(method) + methodSeparator + c.Resolve(u).String(), nil
}

// GetRequestFromKey generates a request equal (caching-wise) to the request that resulted in the
// provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || rawURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, rawURL, nil)
}
