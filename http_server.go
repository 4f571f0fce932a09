package conveyor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/flexforge/conveyor/internal/alerting"
)

// Server is the operator and observability HTTP server.
type Server struct {
	srv  *http.Server
	addr string
}

// Handler returns the HTTP routes for m:
//
//	GET  /health              liveness and gateway state
//	GET  /metrics             Prometheus exposition
//	GET  /status              Monitor.Status
//	GET  /alerts              alert table
//	POST /alerts/{type}/ack   operator acknowledgment
//	POST /alerts/{type}/clear manual clear
//	GET  /stream              websocket note feed
//	GET  /journal/alerts      recent alert transitions
func Handler(m *Monitor, cfg HTTPConfig) http.Handler {
	auth := newAuthenticator(cfg)
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return authMiddleware(auth, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", wrap(func(w http.ResponseWriter, r *http.Request) {
		st := m.Status()
		status := "ok"
		if st.CriticalFault || st.Breaker == "open" {
			status = "degraded"
		}
		writeJSON(w, map[string]any{
			"status":  status,
			"device":  st.Device,
			"ticks":   st.Ticks,
			"breaker": st.Breaker,
		})
	}))
	mux.Handle("GET /metrics", wrap(m.Metrics().Handler().ServeHTTP))
	mux.HandleFunc("GET /status", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.Status())
	}))
	mux.HandleFunc("GET /alerts", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.Alerts())
	}))
	mux.HandleFunc("POST /alerts/{type}/ack", wrap(func(w http.ResponseWriter, r *http.Request) {
		t, err := ParseAlertType(r.PathValue("type"))
		if err != nil {
			jsonError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		err = m.Acknowledge(r.Context(), t)
		switch {
		case errors.Is(err, alerting.ErrNoOpenAlert):
			jsonError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, ErrClosed):
			jsonError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		case errors.Is(err, ErrDeliveryFailed):
			// Acknowledged locally; the event is not on the uplink.
			writeJSONStatus(w, http.StatusAccepted, map[string]any{
				"status":  "acknowledged",
				"alert":   t.String(),
				"warning": err.Error(),
			})
		case err != nil:
			jsonError(w, http.StatusInternalServerError, "internal", err.Error())
		default:
			writeJSON(w, map[string]any{"status": "acknowledged", "alert": t.String()})
		}
	}))
	mux.HandleFunc("POST /alerts/{type}/clear", wrap(func(w http.ResponseWriter, r *http.Request) {
		t, err := ParseAlertType(r.PathValue("type"))
		if err != nil {
			jsonError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		removed, err := m.Clear(t)
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		writeJSON(w, map[string]any{"status": "cleared", "alert": t.String(), "removed": removed})
	}))
	mux.HandleFunc("GET /journal/alerts", wrap(func(w http.ResponseWriter, r *http.Request) {
		j := m.Journal()
		if j == nil {
			jsonError(w, http.StatusNotFound, "not_found", "journal is disabled")
			return
		}
		since := time.Time{}
		if v := r.URL.Query().Get("since"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				jsonError(w, http.StatusBadRequest, "bad_data", "invalid since: "+err.Error())
				return
			}
			since = m.now().Add(-d)
		}
		events, err := j.AlertEvents(r.Context(), since, 500)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, events)
	}))
	if hub := m.Stream(); hub != nil {
		mux.Handle("GET /stream", wrap(hub.ServeHTTP))
	}
	return mux
}

// StartServer listens on cfg.Addr and serves Handler in the background.
func StartServer(m *Monitor, cfg HTTPConfig) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           Handler(m, cfg),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("http server stopped", "err", err)
		}
	}()
	m.logger.Info("http server listening", "addr", listener.Addr().String())
	return &Server{srv: srv, addr: listener.Addr().String()}, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.addr }

// Close shuts the server down, waiting up to five seconds for requests.
func (s *Server) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
