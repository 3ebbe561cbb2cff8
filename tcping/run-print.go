package tcping

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidArgument = errors.New("invalid argument")

// ValidateArgs checks the invocation before any network activity and returns the parsed port.
func ValidateArgs(host string, port string, count int, timeout time.Duration) (int, error) {
	if strings.TrimSpace(host) == "" {
		return 0, errors.Wrap(ErrInvalidArgument, "host must not be empty")
	}

	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return 0, errors.Wrapf(ErrInvalidArgument, "port must be an integer in 1-65535, got %q", port)
	}

	if count < 1 {
		return 0, errors.Wrapf(ErrInvalidArgument, "count must be at least 1, got %d", count)
	}

	if timeout <= 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "timeout must be positive, got %v", timeout)
	}

	return portNum, nil
}

func FormatResult(result Result) string {
	if !result.Success() {
		return fmt.Sprintf("tcp_seq=%d connection failed", result.Seq)
	}

	return fmt.Sprintf("tcp_seq=%d time=%.2f ms", result.Seq, result.LatencyMS())
}

func PrintResult(printer *log.Logger, result Result) {
	printer.Println(FormatResult(result))
}

func PrintSummary(printer *log.Logger, summary Summary) {
	mean, ok := summary.Mean()
	if !ok {
		printer.Println("all attempts failed")
		return
	}

	printer.Printf("average=%.2f ms\n", mean)
}

// Print writes every result followed by the summary line.
func Print(printer *log.Logger, summary Summary) {
	for _, result := range summary.Results {
		PrintResult(printer, result)
	}
	PrintSummary(printer, summary)
}

// PrintDetails writes failure reasons and spread statistics, for verbose runs.
func PrintDetails(logger *log.Logger, summary Summary) {
	for _, result := range summary.Results {
		if !result.Success() {
			logger.Printf("tcp_seq=%d %s: %v\n", result.Seq, result.Outcome, result.Err)
		}
	}

	latencyStats := summary.Stats()
	if latencyStats == nil {
		return
	}

	logger.Printf("min=%.2f ms max=%.2f ms stddev=%.2f ms\n", latencyStats.Min, latencyStats.Max, latencyStats.StdDev)
	logger.Printf("%d/%d attempts succeeded\n", latencyStats.NSamples, len(summary.Results))
}
