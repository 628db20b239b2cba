package server

import "net/http"

// Routes returns the mux serving "/", "/healthz" and "/ws".
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/healthz", s.ReadyHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	return mux
}
