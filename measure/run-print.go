package measure

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/makotom/netspeed/stats"
)

const (
	defaultDialTimeout = 10 * time.Second
)

func formatDeciles(deciles []float64) string {
	numStrs := []string{}

	for _, decile := range deciles {
		numStrs = append(numStrs, fmt.Sprintf("%.3f", decile))
	}

	return fmt.Sprintf("%v", numStrs)
}

func printTarget(printer *log.Logger, client *Client, network string) {
	printer.Printf("Server: %s\n", client.BaseURL.Redacted())
	printer.Printf("Network: %s\n", network)
}

func printRTTMeasurement(printer *log.Logger, measurement *stats.Stats) {
	if measurement != nil {
		printer.Printf("RTT-mean: %.3f ms\n", measurement.Mean)
		printer.Printf("RTT-stderr: %.3f ms\n", measurement.StdErr)
		printer.Printf("RTT-min: %.3f ms\n", measurement.Min)
		printer.Printf("RTT-max: %.3f ms\n", measurement.Max)
		printer.Printf("RTT-deciles: %s ms\n", formatDeciles(measurement.Deciles))
		printer.Printf("RTT-n: %d\n", measurement.NSamples)
	}
}

func printSpeedMeasurement(printer *log.Logger, label string, measurement *SpeedMeasurementStats) {
	if measurement != nil {
		printer.Printf("%s-mean: %.3f Mbps\n", label, measurement.Mean)
		printer.Printf("%s-stderr: %.3f Mbps\n", label, measurement.StdErr)
		printer.Printf("%s-min: %.3f Mbps\n", label, measurement.Min)
		printer.Printf("%s-max: %.3f Mbps\n", label, measurement.Max)
		printer.Printf("%s-deciles: %s Mbps\n", label, formatDeciles(measurement.Deciles))
		printer.Printf("%s-cat: %.3f Mbps\n", label, measurement.CatSpeed)
		printer.Printf("%s-tx: %.3f MiB\n", label, float64(measurement.TXSize)/1024/1024)
		printer.Printf("%s-mx: %d\n", label, measurement.Multiplicity)
		printer.Printf("%s-n: %d\n", label, measurement.NSamples)
	}
}

// NewHTTPClient returns a client whose connections are pinned to network
// ("tcp", "tcp4" or "tcp6").
func NewHTTPClient(network string, dialTimeout time.Duration) *http.Client {
	// cf. https://go.googlesource.com/go/+/refs/tags/go1.24.0/src/net/http/transport.go#43
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				return (&net.Dialer{
					Timeout:   dialTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext(ctx, network, addr)
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func RunAndPrint(ctx context.Context, printer *log.Logger, baseURL, network string, plan Plan) error {
	client, err := NewClient(baseURL, NewHTTPClient(network, defaultDialTimeout), plan)
	if err != nil {
		return err
	}
	printTarget(printer, client, network)
	printer.Println()

	rttStats, err := client.MeasureRTT(ctx)
	if err != nil {
		return errors.Wrap(err, "RTT measurement failed")
	}
	printRTTMeasurement(printer, rttStats)
	printer.Println()

	downlinkStats, err := client.MeasureSpeedAdaptive(ctx, client.MeasureDownlink)
	if err != nil {
		return errors.Wrap(err, "downlink measurement failed")
	}
	printSpeedMeasurement(printer, "Downlink", downlinkStats)
	printer.Println()

	uplinkStats, err := client.MeasureSpeedAdaptive(ctx, client.MeasureUplink)
	if err != nil {
		return errors.Wrap(err, "uplink measurement failed")
	}
	printSpeedMeasurement(printer, "Uplink", uplinkStats)

	return nil
}
