package tcping

import (
	"time"

	"github.com/makotom/netspeed/stats"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeConnectFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeConnectFailure:
		return "connect failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of one connection attempt. Latency is only meaningful on success.
type Result struct {
	Seq     int
	Outcome Outcome
	Latency time.Duration
	Err     error
}

func (r Result) Success() bool {
	return r.Outcome == OutcomeSuccess
}

func (r Result) LatencyMS() float64 {
	return stats.DurationMS(r.Latency)
}

// Summary holds the results of one run in sequence order.
type Summary struct {
	Results []Result
}

func (s Summary) Latencies() []time.Duration {
	ret := []time.Duration{}

	for _, result := range s.Results {
		if result.Success() {
			ret = append(ret, result.Latency)
		}
	}

	return ret
}

// Stats covers successful attempts only; it is nil when none succeeded.
func (s Summary) Stats() *stats.Stats {
	return stats.OfDurationsMS(s.Latencies())
}

// Mean reports false when no attempt succeeded.
func (s Summary) Mean() (float64, bool) {
	latencyStats := s.Stats()
	if latencyStats == nil {
		return 0, false
	}

	return latencyStats.Mean, true
}
