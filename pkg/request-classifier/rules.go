package classifier

import (
	"net/http"
	"strings"
)

// DestinationHeader carries the declared destination of a request
// (image, style, font, document, ...), as sent by browsers.
const DestinationHeader = "Sec-Fetch-Dest"

// Class is the per-request classification that selects a response strategy.
// It is never persisted.
type Class int

const (
	// Passthrough requests (non-GET) are left to the default network path.
	Passthrough Class = iota
	// AdminExcluded requests need live authentication and are never intercepted.
	AdminExcluded
	// StaticCacheable requests are served cache-first.
	StaticCacheable
	// DynamicPage requests are served network-first with a cache fallback.
	DynamicPage
)

func (c Class) String() string {
	switch c {
	case Passthrough:
		return "passthrough"
	case AdminExcluded:
		return "admin"
	case StaticCacheable:
		return "static"
	case DynamicPage:
		return "page"
	}
	return "unknown"
}

// Intercepted reports whether the worker supplies the response for this class.
func (c Class) Intercepted() bool {
	return c == StaticCacheable || c == DynamicPage
}

type Rules struct {
	AdminPrefixes      []string `yaml:"adminPrefixes"`
	StaticPrefixes     []string `yaml:"staticPrefixes"`
	StaticDestinations []string `yaml:"staticDestinations"`
}

func DefaultRules() Rules {
	return Rules{
		AdminPrefixes:      []string{"/admin"},
		StaticPrefixes:     []string{"/static/"},
		StaticDestinations: []string{"image", "style", "font"},
	}
}

// Classify computes the class of the request from its method, URL path and declared destination.
func (r Rules) Classify(req *http.Request) Class {
	if req.Method != http.MethodGet && req.Method != "" {
		return Passthrough
	}
	path := req.URL.Path
	for _, prefix := range r.AdminPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return AdminExcluded
		}
	}
	dest := strings.ToLower(strings.TrimSpace(req.Header.Get(DestinationHeader)))
	if dest != "" {
		for _, d := range r.StaticDestinations {
			if strings.EqualFold(d, dest) {
				return StaticCacheable
			}
		}
	}
	for _, prefix := range r.StaticPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return StaticCacheable
		}
	}
	return DynamicPage
}
