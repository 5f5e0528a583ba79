package server

import "net/http"

// Routes returns the HTTP routes: health text, JSON health, Prometheus
// metrics, the websocket endpoint and the built-in test page.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/ws", s.webSocketHandler)
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
