package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route maps a method and path to a handler. Params lists the query
// parameters the handler reads; each may appear at most once.
type Route struct {
	Name    string
	Method  string
	Path    string
	Params  []string
	Handler http.HandlerFunc
}

func (s *Server) Routes() []Route {
	return []Route{
		{
			Name:    "ping",
			Method:  http.MethodGet,
			Path:    "/ping",
			Handler: s.handlePing,
		},
		{
			Name:    "download",
			Method:  http.MethodGet,
			Path:    "/download",
			Params:  []string{"size", "chunks"},
			Handler: s.handleDownload,
		},
		{
			Name:    "upload",
			Method:  http.MethodPost,
			Path:    "/upload",
			Handler: s.handleUpload,
		},
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sr *statusRecorder) WriteHeader(status int) {
	if sr.status == 0 {
		sr.status = status
	}
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.written += int64(n)
	return n, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) statusCode() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

func recorderFor(w http.ResponseWriter) *statusRecorder {
	if sr, ok := w.(*statusRecorder); ok {
		return sr
	}
	return &statusRecorder{ResponseWriter: w}
}

// instrument rejects repeated declared parameters and counts requests per route.
func (s *Server) instrument(route Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := recorderFor(w)

		query := r.URL.Query()
		for _, param := range route.Params {
			if len(query[param]) > 1 {
				http.Error(sr, "parameter "+param+" given more than once", http.StatusBadRequest)
				s.metrics.requests.WithLabelValues(route.Name, strconv.Itoa(sr.statusCode())).Inc()
				return
			}
		}

		route.Handler(sr, r)
		s.metrics.requests.WithLabelValues(route.Name, strconv.Itoa(sr.statusCode())).Inc()
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := recorderFor(w)

		next.ServeHTTP(sr, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.statusCode(),
			"bytes", sr.written,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}

func (s *Server) newRouter() http.Handler {
	router := mux.NewRouter()

	for _, route := range s.Routes() {
		router.Handle(route.Path, s.instrument(route)).Methods(route.Method).Name(route.Name)
	}

	if s.cfg.MetricsPath != "" {
		router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	if s.cfg.StaticDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.cfg.StaticDir))).Methods(http.MethodGet, http.MethodHead)
	}

	return s.accessLog(s.filterHosts(router))
}
