package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gochat/internal/transport"
)

// Handler returns the HTTP routes: the WebSocket chat endpoint and the
// metrics snapshot.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(s.opts.WSPath, s.handleWS)
	r.Get(s.opts.MetricsPath, s.handleMetrics)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Verbose("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	s.logger.Verbose("websocket connection from %s", ws.RemoteAddr())

	s.ServeConn(r.Context(), transport.NewWSConn(ws))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.metrics.JSON())) //nolint:errcheck
}
