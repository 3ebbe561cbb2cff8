// Package tcping estimates round-trip time by timing TCP connection
// establishment, for networks where ICMP echo is filtered.
package tcping

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultCount    = 4
	DefaultTimeout  = 2 * time.Second
	DefaultInterval = 1 * time.Second
)

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

type Prober struct {
	Count    int
	Timeout  time.Duration
	Interval time.Duration
	// Network is "tcp", "tcp4" or "tcp6".
	Network string
	// Dialer defaults to a net.Dialer.
	Dialer Dialer
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
}

func NewProber() *Prober {
	return &Prober{
		Count:    DefaultCount,
		Timeout:  DefaultTimeout,
		Interval: DefaultInterval,
		Network:  "tcp",
	}
}

func (p *Prober) dialer() Dialer {
	if p.Dialer != nil {
		return p.Dialer
	}

	return &net.Dialer{}
}

func (p *Prober) resolver() Resolver {
	if p.Resolver != nil {
		return p.Resolver
	}

	return net.DefaultResolver
}

func (p *Prober) lookupNetwork() string {
	switch p.Network {
	case "tcp4":
		return "ip4"
	case "tcp6":
		return "ip6"
	default:
		return "ip"
	}
}

// resolve turns host into a literal address, so that timed dials measure
// connection setup only.
func (p *Prober) resolve(ctx context.Context, host string, port int) (string, error) {
	portStr := strconv.Itoa(port)
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(host, portStr), nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	ips, err := p.resolver().LookupIP(lookupCtx, p.lookupNetwork(), host)
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve %s", host)
	}
	if len(ips) == 0 {
		return "", errors.Errorf("no %s address for %s", p.lookupNetwork(), host)
	}

	return net.JoinHostPort(ips[0].String(), portStr), nil
}

func classify(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}

	return OutcomeConnectFailure
}

func (p *Prober) attempt(ctx context.Context, seq int, address string) Result {
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dialer().DialContext(attemptCtx, p.Network, address)
	elapsed := time.Since(start)

	if err != nil {
		return Result{
			Seq:     seq,
			Outcome: classify(err),
			Err:     err,
		}
	}
	conn.Close()

	return Result{
		Seq:     seq,
		Outcome: OutcomeSuccess,
		Latency: elapsed,
	}
}

func sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run performs Count attempts against host:port, pausing Interval between
// them. host is resolved once, before the first attempt, and again only while
// resolution keeps failing. Failed attempts are recorded, never returned as
// errors. report, if non-nil, is called with each result as soon as it is
// known. Cancelling ctx ends the run early; the summary then covers the
// finished attempts.
func (p *Prober) Run(ctx context.Context, host string, port int, report func(Result)) Summary {
	summary := Summary{Results: []Result{}}
	address := ""

	for seq := 1; seq <= p.Count; seq += 1 {
		if seq > 1 {
			if err := sleep(ctx, p.Interval); err != nil {
				break
			}
		}

		var result Result
		if address == "" {
			resolved, err := p.resolve(ctx, host, port)
			if err != nil {
				result = Result{Seq: seq, Outcome: classify(err), Err: err}
			}
			address = resolved
		}
		if address != "" {
			result = p.attempt(ctx, seq, address)
		}
		if ctx.Err() != nil {
			break
		}

		summary.Results = append(summary.Results, result)
		if report != nil {
			report(result)
		}
	}

	return summary
}
