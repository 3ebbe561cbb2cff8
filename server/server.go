// Package server hosts the measurement endpoints: /ping for latency,
// /download for streamed high-entropy payloads and /upload for a counting
// sink. Handlers keep no state across requests.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/conduitio/bwlimit"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	gatherer prometheus.Gatherer
	latency  LatencyProbe
	handler  http.Handler
}

type Option func(*Server)

// WithLatencyProbe replaces the probe chosen by Config.LatencyMode.
func WithLatencyProbe(probe LatencyProbe) Option {
	return func(s *Server) {
		s.latency = probe
	}
}

// New validates cfg and builds the handler tree. Metrics are registered on registry.
func New(cfg Config, logger *slog.Logger, registry *prometheus.Registry, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  NewMetrics(registry),
		gatherer: registry,
		latency:  newLatencyProbe(cfg),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.newRouter()

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}

// Run binds the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	address := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", address)
	}

	var redirectListener net.Listener
	if s.cfg.RedirectPort > 0 {
		redirectAddress := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.RedirectPort))
		redirectListener, err = net.Listen("tcp", redirectAddress)
		if err != nil {
			listener.Close()
			return errors.Wrapf(err, "could not listen on %s", redirectAddress)
		}
	}

	return s.Serve(ctx, listener, redirectListener)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on listener, and answers redirectListener (if not nil) with
// redirects to HTTPS. It returns after both servers have shut down.
func (s *Server) Serve(ctx context.Context, listener net.Listener, redirectListener net.Listener) error {
	if s.cfg.ReadLimit > 0 || s.cfg.WriteLimit > 0 {
		listener = bwlimit.NewListener(listener, bwlimit.Byte(s.cfg.WriteLimit), bwlimit.Byte(s.cfg.ReadLimit))
	}

	mainServer := s.newHTTPServer(s.handler)
	servers := []*http.Server{mainServer}
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if s.cfg.TLSEnabled() {
			s.logger.Info("serving HTTPS", "address", listener.Addr().String(), "cert", s.cfg.TLSCertFile)
			return ignoreClosed(mainServer.ServeTLS(listener, s.cfg.TLSCertFile, s.cfg.TLSKeyFile))
		}
		s.logger.Info("serving HTTP", "address", listener.Addr().String())
		return ignoreClosed(mainServer.Serve(listener))
	})

	if redirectListener != nil {
		redirectServer := s.newHTTPServer(redirectToHTTPS(s.cfg.Port))
		servers = append(servers, redirectServer)

		group.Go(func() error {
			s.logger.Info("redirecting HTTP to HTTPS", "address", redirectListener.Addr().String())
			return ignoreClosed(redirectServer.Serve(redirectListener))
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, server := range servers {
			if err := server.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("shutdown incomplete", "error", err)
				server.Close()
			}
		}
		s.logger.Info("server stopped")

		return nil
	})

	return group.Wait()
}
