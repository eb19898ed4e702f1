package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/notargets/ghostmap/comm"
	"github.com/notargets/ghostmap/config"
	"github.com/notargets/ghostmap/indexmap"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the rank communication graph of a scenario in DOT",
	Long: `Graph builds the scenario's index map on an in-process group and prints
the directed graph with an edge from every owner to each rank ghosting one of
its indices. Mesh scenarios also report partition statistics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadScenario()
		if err != nil {
			return err
		}
		return writeGraph(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func writeGraph(ctx context.Context, cfg config.Scenario, out io.Writer) error {
	graphs := make([]*simple.DirectedGraph, cfg.NumRanks())
	err := comm.RunLocal(ctx, cfg.NumRanks(), func(ctx context.Context, c comm.Comm) error {
		m, _, err := buildMap(ctx, c, cfg)
		if err != nil {
			return err
		}
		graphs[c.Rank()], err = indexmap.CommunicationGraph(ctx, m)
		return err
	})
	if err != nil {
		return err
	}

	b, err := dot.Marshal(graphs[0], cfg.Name, "", "  ")
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	if _, err := fmt.Fprintf(out, "%s\n", b); err != nil {
		return err
	}

	stats, err := meshStatistics(cfg)
	if err != nil || stats == nil {
		return err
	}
	_, err = fmt.Fprintf(out, "// partitions=%d elements=%d..%d imbalance=%.3f edge_cut=%d max_components=%d\n",
		stats.NumPartitions, stats.MinElements, stats.MaxElements, stats.Imbalance,
		stats.EdgeCut, stats.MaxComponents)
	return err
}
