package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// Bridge reverse-proxies /bridge/* to the configured decision-tracking
// daemon. An unconfigured bridge answers 503; upstream failures answer 502.
type Bridge struct {
	proxy  *httputil.ReverseProxy
	target string
	logger *slog.Logger
}

// NewBridge builds the proxy. An empty host or non-positive port leaves it
// unconfigured.
func NewBridge(host string, port int, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{logger: logger}
	if host == "" || port <= 0 {
		return b
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", host, port)}
	b.target = target.Host
	b.proxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = strings.TrimPrefix(req.URL.Path, "/bridge")
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
			req.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("bridge upstream error", "path", r.URL.Path, "error", err)
			writeJSONError(w, http.StatusBadGateway, "bridge upstream unreachable")
		},
	}
	return b
}

// Configured reports whether an upstream is set; surfaced in /health.
func (b *Bridge) Configured() bool {
	return b.proxy != nil
}

// ServeHTTP implements http.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.proxy == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "bridge not configured")
		return
	}
	b.proxy.ServeHTTP(w, r)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
