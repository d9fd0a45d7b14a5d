package cachestatus

import "fmt"

// HeaderName is the response header field defined by RFC 9211.
const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The request was forwarded before the cache was consulted,
	// since fresh content is preferred.
	FwdRequest FwdReason = "request"
)

// CacheStatus describes how a response was produced.
// The zero value is an empty status that is not written.
type CacheStatus struct {
	Cache  string
	status Status
	fwd    FwdReason
	stored bool
	detail string
}

func New(cache string) *CacheStatus {
	return &CacheStatus{Cache: cache}
}

func (cs *CacheStatus) Hit() *CacheStatus {
	cs.status = StatusHit
	cs.fwd = ""
	return cs
}

func (cs *CacheStatus) Forward(reason FwdReason) *CacheStatus {
	cs.status = StatusFwd
	cs.fwd = reason
	return cs
}

func (cs *CacheStatus) Stored() *CacheStatus {
	cs.stored = true
	return cs
}

func (cs *CacheStatus) Detail(detail string) *CacheStatus {
	cs.detail = detail
	return cs
}

func (cs *CacheStatus) IsHit() bool {
	return cs.status == StatusHit
}

func (cs *CacheStatus) Empty() bool {
	return cs == nil || cs.status == ""
}

func (cs *CacheStatus) String() string {
	if cs.Empty() {
		return ""
	}
	status := fmt.Sprintf("%s; %s", cs.Cache, cs.status)
	if cs.status == StatusFwd && cs.fwd != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwd)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
