package server

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

const pongBody = "pong"

var (
	// ErrPrivilege means the probe needs capabilities the process lacks. It is
	// never answered with a different measurement method.
	ErrPrivilege    = errors.New("latency probe requires elevated privileges")
	ErrProbeTimeout = errors.New("timeout")
	ErrNoTarget     = errors.New("could not derive probe target from client address")
)

// LatencyProbe produces the /ping response body for a request.
type LatencyProbe interface {
	Respond(ctx context.Context, r *http.Request) (string, error)
}

type StaticProbe struct {
	Body string
}

func (p StaticProbe) Respond(context.Context, *http.Request) (string, error) {
	return p.Body, nil
}

func newLatencyProbe(cfg Config) LatencyProbe {
	if cfg.LatencyMode == LatencyModeICMP {
		return &ICMPProbe{Timeout: cfg.ICMPTimeout}
	}

	return StaticProbe{Body: pongBody}
}

func setNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

func clientIP(r *http.Request) (net.IP, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.Wrapf(ErrNoTarget, "remote address %q", r.RemoteAddr)
	}

	return ip, nil
}

// probeFailure maps a probe error to a status code and a metrics reason.
func probeFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ErrPrivilege):
		return http.StatusServiceUnavailable, "privilege"
	case errors.Is(err, ErrProbeTimeout):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadGateway, "error"
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	setNoCacheHeaders(w.Header())

	body, err := s.latency.Respond(r.Context(), r)
	if err != nil {
		status, reason := probeFailure(err)
		s.metrics.probeFailures.WithLabelValues(reason).Inc()
		s.logger.Warn("latency probe failed", "remote", r.RemoteAddr, "reason", reason, "error", err)

		message := err.Error()
		if reason == "timeout" {
			message = ErrProbeTimeout.Error()
		}
		http.Error(w, message, status)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
