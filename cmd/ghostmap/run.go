package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/notargets/ghostmap/comm"
	"github.com/notargets/ghostmap/config"
	"github.com/notargets/ghostmap/metrics"
)

var (
	rankFlag    int
	peersFlag   []string
	metricsAddr string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a scenario and print the timing summary",
		Long: `Run builds the scenario's index maps, checks forward and reverse
scatters (and compression when the scenario selects indices) and prints the
slowest rank's timings.

With the local transport every rank runs in this process. With the tcp
transport each process runs the rank given by --rank.`,
		Args: cobra.NoArgs,
		RunE: runScenarioCmd,
	}
)

func init() {
	runCmd.Flags().IntVar(&rankFlag, "rank", -1, "rank to run with the tcp transport")
	runCmd.Flags().StringSliceVar(&peersFlag, "peers", nil, "listen address of every rank; selects the tcp transport")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
}

func runScenarioCmd(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadScenario()
	if err != nil {
		return err
	}
	if len(peersFlag) > 0 {
		cfg.Transport.Kind = config.TransportTCP
		cfg.Transport.Peers = peersFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	var reg prometheus.Registerer
	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		stop, err := serveMetrics(metricsAddr, registry, log)
		if err != nil {
			return err
		}
		defer stop()
		reg = registry
	}
	return runScenario(ctx, cfg, rankFlag, cmd.OutOrStdout(), log, reg)
}

// runScenario runs cfg on every rank of a local group, or as rank of a TCP
// group.
func runScenario(ctx context.Context, cfg config.Scenario, rank int, out io.Writer, log zerolog.Logger, reg prometheus.Registerer) error {
	switch cfg.Transport.Kind {
	case config.TransportLocal:
		return comm.RunLocal(ctx, cfg.NumRanks(), func(ctx context.Context, c comm.Comm) error {
			return runRank(ctx, c, cfg, out, log, reg)
		})
	case config.TransportTCP:
		if rank < 0 || rank >= cfg.NumRanks() {
			return fmt.Errorf("tcp transport needs --rank in [0, %d)", cfg.NumRanks())
		}
		c, err := comm.DialTCP(ctx, comm.TCPConfig{
			Rank:        rank,
			Addrs:       cfg.Transport.Peers,
			DialTimeout: cfg.Transport.DialTimeout,
			Compress:    cfg.Transport.Compress,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		runErr := runRank(ctx, c, cfg, out, log, reg)
		if runErr == nil {
			// Nobody closes while a peer may still be reading the summary.
			runErr = comm.Barrier(ctx, c)
		}
		return errors.Join(runErr, c.Close())
	}
	return fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
