package host

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
)

// Handler wraps the runtime with request scoped logging.
// Every request gets a request id and one access log line.
func (rt *Runtime) Handler() http.Handler {
	var h http.Handler = rt
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sending response to client")
	})(h)
	h = hlog.RemoteAddrHandler("sourceIp")(h)
	h = hlog.RequestIDHandler("reqId", "")(h)
	h = hlog.NewHandler(rt.log)(h)
	return h
}
