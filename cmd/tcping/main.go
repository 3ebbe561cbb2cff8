package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/makotom/netspeed/tcping"
)

type cmdOpts struct {
	count    int
	timeout  float64
	interval float64
	ip4      bool
	ip6      bool
	verbose  bool
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func (o *cmdOpts) network() string {
	switch {
	case o.ip4 && !o.ip6:
		return "tcp4"
	case o.ip6 && !o.ip4:
		return "tcp6"
	default:
		return "tcp"
	}
}

func newRootCmd() *cobra.Command {
	opts := &cmdOpts{}

	cmd := &cobra.Command{
		Use:   "tcping <host> <port>",
		Short: "Measure latency by timing TCP connection establishment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout := secondsToDuration(opts.timeout)
			port, err := tcping.ValidateArgs(args[0], args[1], opts.count, timeout)
			if err != nil {
				return err
			}
			if opts.interval < 0 {
				return errors.Wrapf(tcping.ErrInvalidArgument, "interval must not be negative, got %v", opts.interval)
			}

			// arguments are valid from here on; probe failures are reported, not returned
			cmd.SilenceUsage = true

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			printer := log.New(cmd.OutOrStdout(), "", 0)
			prober := &tcping.Prober{
				Count:    opts.count,
				Timeout:  timeout,
				Interval: secondsToDuration(opts.interval),
				Network:  opts.network(),
			}

			summary := prober.Run(ctx, args[0], port, func(result tcping.Result) {
				tcping.PrintResult(printer, result)
			})
			tcping.PrintSummary(printer, summary)

			if opts.verbose {
				tcping.PrintDetails(log.New(cmd.ErrOrStderr(), "", 0), summary)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.count, "count", "c", tcping.DefaultCount, "Number of connection attempts")
	cmd.Flags().Float64VarP(&opts.timeout, "timeout", "t", tcping.DefaultTimeout.Seconds(), "Connection timeout in seconds")
	cmd.Flags().Float64VarP(&opts.interval, "interval", "i", tcping.DefaultInterval.Seconds(), "Pause between attempts in seconds")
	cmd.Flags().BoolVarP(&opts.ip4, "ip4", "4", false, "Connect over IPv4 only")
	cmd.Flags().BoolVarP(&opts.ip6, "ip6", "6", false, "Connect over IPv6 only")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print failure reasons and spread statistics to stderr")

	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(2)
	}
}
