package gateway

import (
	"errors"
	"net/http"
	"net/http/httputil"

	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/api"
)

// tunnelHost is the Host the conduit server sees on proxied requests.
const tunnelHost = "conduit.tunnel"

// forwardedRoutes are the conduit server routes reachable through the
// gateway.
var forwardedRoutes = []string{
	"GET /api/health",
	"GET /api/processes",
	"POST /api/processes",
	"GET /api/processes/{id}",
	"DELETE /api/processes/{id}",
	"POST /api/processes/{id}/terminate",
	"POST /api/processes/{id}/input",
	"POST /api/processes/{id}/close-input",
	"POST /api/processes/{id}/resize",
	"GET /api/processes/{id}/output",
	"GET /ws/processes/{id}",
}

// Proxy forwards conduit's API and WebSocket routes through the tunnel.
// Every other path is answered by the gateway.
type Proxy struct {
	mux *http.ServeMux
}

func NewProxy(tun *Tunnel, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = tunnelHost
			pr.Out.Host = tunnelHost
			pr.SetXForwarded()

			// User credentials stay at the gateway.
			pr.Out.Header.Del("Authorization")
			if q := pr.Out.URL.Query(); q.Has("token") {
				q.Del("token")
				pr.Out.URL.RawQuery = q.Encode()
			}
		},
		// One stream per request; pooled streams would outlive a replaced tunnel.
		Transport: &http.Transport{
			DialContext:        tun.DialContext,
			DisableKeepAlives:  true,
			DisableCompression: true,
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, errNoTunnel) || !tun.Connected() {
				api.WriteErrorCode(w, http.StatusBadGateway, "tunnel_disconnected", "no conduit server is connected")
				return
			}
			logger.Warn("proxy request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			api.WriteErrorCode(w, http.StatusBadGateway, "tunnel_error", "conduit server did not answer")
		},
		ErrorLog: zap.NewStdLog(logger),
	}

	mux := http.NewServeMux()
	for _, pattern := range forwardedRoutes {
		mux.Handle(pattern, rp)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteErrorCode(w, http.StatusNotFound, "not_found", "no such route: "+r.URL.Path)
	})
	return &Proxy{mux: mux}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}
