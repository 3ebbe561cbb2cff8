package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/makotom/netspeed/measure"
	"github.com/makotom/netspeed/server"
)

var (
	BuildName       = "\b"
	BuildAnnotation = "git"
)

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "netspeed %s (%s)\n", BuildName, BuildAnnotation)
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the /ping, /download and /upload endpoints",
		Args:  cobra.NoArgs,
	}

	flagged := server.RegisterFlags(cmd.Flags())
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := server.LoadConfig(configPath, os.LookupEnv)
		if err != nil {
			return err
		}
		server.ApplyFlags(cmd.Flags(), flagged, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true

		logger := server.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		s, err := server.New(cfg, logger, registry)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return s.Run(ctx)
	}

	return cmd
}

type measureOpts struct {
	url          string
	testIP4      bool
	testIP6      bool
	multiplicity int
}

func printTimestamp(printer *log.Logger) {
	printer.Println()
	printer.Printf("At: %s\n", time.Now().Format(time.RFC1123Z))
	printer.Println()
}

func newMeasureCmd() *cobra.Command {
	opts := &measureOpts{}

	cmd := &cobra.Command{
		Use:   "measure",
		Short: "Measure latency and throughput against a netspeed server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.multiplicity < 1 {
				return errors.Errorf("multiplicity must be at least 1, got %d", opts.multiplicity)
			}
			cmd.SilenceUsage = true

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			printer := log.New(cmd.OutOrStdout(), "", 0)
			printVersion(cmd.OutOrStdout())

			// if none specified, pick up a transport protocol automatically
			networks := []string{"tcp"}
			if opts.testIP4 || opts.testIP6 {
				networks = []string{}
			}
			// these options are not mutually exclusive
			if opts.testIP4 {
				networks = append(networks, "tcp4")
			}
			if opts.testIP6 {
				networks = append(networks, "tcp6")
			}

			plan := measure.DefaultPlan()
			plan.Multiplicity = opts.multiplicity

			for _, network := range networks {
				printTimestamp(printer)
				if err := measure.RunAndPrint(ctx, printer, opts.url, network, plan); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "http://localhost:8080", "Base URL of the netspeed server")
	cmd.Flags().BoolVarP(&opts.testIP4, "ip4", "4", false, "Ensure measurements over IPv4")
	cmd.Flags().BoolVarP(&opts.testIP6, "ip6", "6", false, "Ensure measurements over IPv6")
	cmd.Flags().IntVarP(&opts.multiplicity, "multiplicity", "m", 1, "Concurrent transfers per throughput sample")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "netspeed",
		Short: "HTTP speed-test server and measurement client",
	}

	cmd.AddCommand(newServeCmd(), newMeasureCmd(), newVersionCmd())

	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
