package server

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/logux/logux-server/logger"
)

// controlMetrics are the Prometheus series exposed on the control HTTP
// surface: connection count, in-flight processors, and auth failures, the
// same figures a production Logux deployment graphs.
type controlMetrics struct {
	registry          *prometheus.Registry
	clientsConnected  prometheus.Gauge
	processing        prometheus.Gauge
	authFailures      prometheus.Counter
}

func newControlMetrics() *controlMetrics {
	reg := prometheus.NewRegistry()
	m := &controlMetrics{
		registry: reg,
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logux_clients_connected",
			Help: "Number of currently connected sync clients.",
		}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logux_actions_processing",
			Help: "Number of actions currently running their Process hook.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logux_auth_failures_total",
			Help: "Total number of rejected authentication attempts.",
		}),
	}
	reg.MustRegister(m.clientsConnected, m.processing, m.authFailures)
	return m
}

// setupControlRoutes registers the bare "is it up" status route (always
// on) plus the gated /metrics route, which requires both an allowed source
// IP and the shared control secret.
func (s *Server) setupControlRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/metrics", s.requireControlAccess(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP))
}

// requireControlAccess wraps a handler so it only runs for requests from
// an address inside the configured control mask and carrying the shared
// control secret, matching the IP-mask-plus-secret gate control endpoints
// use.
func (s *Server) requireControlAccess(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allowedControlAddr(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if s.cfg.ControlSecret != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.ControlSecret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) allowedControlAddr(r *http.Request) bool {
	if s.cfg.ControlMask == "" {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	_, mask, err := net.ParseCIDR(s.cfg.ControlMask)
	if err != nil {
		logger.Warnw("invalid control mask in config, denying by default", "mask", s.cfg.ControlMask, "error", err.Error())
		return false
	}
	return mask.Contains(ip)
}
