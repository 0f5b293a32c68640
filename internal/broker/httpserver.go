package broker

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newHandler assembles the broker's HTTP surface: the WebSocket accept
// path, health, the bridge proxy, optionally /metrics, and 404 for the
// rest. CORS is permissive; this listener is meant for localhost dev.
func newHandler(ws http.Handler, bridge *Bridge, metricsEnabled bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/bridge/", bridge)
	mux.Handle("/bridge", bridge)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"bridge_proxy": bridge.Configured(),
		})
	})
	if metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return allowCORS(mux)
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
