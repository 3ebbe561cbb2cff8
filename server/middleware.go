package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]")
	}
	return host
}

// filterHosts answers 403 unless the Host header names an allowed domain.
// An empty allow-list accepts every host.
func (s *Server) filterHosts(next http.Handler) http.Handler {
	if len(s.cfg.AllowedDomains) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := stripPort(r.Host)

		for _, domain := range s.cfg.AllowedDomains {
			if strings.EqualFold(host, domain) {
				next.ServeHTTP(w, r)
				return
			}
		}

		s.logger.Debug("host not allowed", "host", r.Host, "remote", r.RemoteAddr)
		http.Error(w, "host not allowed", http.StatusForbidden)
	})
}

// redirectToHTTPS sends every request to the same host and URI over HTTPS on httpsPort.
func redirectToHTTPS(httpsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := stripPort(r.Host)
		if httpsPort != 443 {
			host = net.JoinHostPort(host, strconv.Itoa(httpsPort))
		} else if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}

		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}
