package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	directionDownload = "download"
	directionUpload   = "upload"
)

type Metrics struct {
	requests      *prometheus.CounterVec
	downloadBytes prometheus.Counter
	uploadBytes   prometheus.Counter
	aborts        *prometheus.CounterVec
	probeFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netspeed_requests_total",
				Help: "Requests handled, by route and status code",
			},
			[]string{"route", "code"},
		),
		downloadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "netspeed_download_bytes_total",
				Help: "Bytes streamed to clients by the download endpoint",
			},
		),
		uploadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "netspeed_upload_bytes_total",
				Help: "Bytes received and discarded by the upload endpoint",
			},
		),
		aborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netspeed_transfer_aborts_total",
				Help: "Transfers cut short by the client or the transport",
			},
			[]string{"direction"},
		),
		probeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netspeed_latency_probe_failures_total",
				Help: "Latency probes that could not produce a measurement, by reason",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(m.requests, m.downloadBytes, m.uploadBytes, m.aborts, m.probeFailures)

	return m
}
