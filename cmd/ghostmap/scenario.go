package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/notargets/ghostmap/comm"
	"github.com/notargets/ghostmap/config"
	"github.com/notargets/ghostmap/indexmap"
	"github.com/notargets/ghostmap/metrics"
	"github.com/notargets/ghostmap/partitions"
	"github.com/notargets/ghostmap/timing"
)

// rankInput is what one rank needs to build its map.
type rankInput struct {
	sizeLocal int
	ghosts    []int64
	owners    []int // nil when owners are derived from the numbering
	selected  []int32
}

func scenarioInput(cfg config.Scenario, rank int) (rankInput, error) {
	if cfg.Mesh == nil {
		r := cfg.Ranks[rank]
		return rankInput{sizeLocal: r.SizeLocal, ghosts: r.Ghosts, owners: r.Owners, selected: r.Select}, nil
	}
	layout, err := cfg.Mesh.Partition()
	if err != nil {
		return rankInput{}, err
	}
	rl, err := layout.GhostLayout(rank, cfg.Mesh.Connectivity())
	if err != nil {
		return rankInput{}, err
	}
	in := rankInput{sizeLocal: rl.SizeLocal, ghosts: rl.Ghosts, owners: rl.Owners}
	if every := cfg.Mesh.SelectEvery; every > 0 {
		for l := 0; l < rl.SizeLocal; l += every {
			in.selected = append(in.selected, int32(l))
		}
		for i := range rl.Ghosts {
			in.selected = append(in.selected, int32(rl.SizeLocal+i))
		}
	}
	return in, nil
}

// buildMap constructs this rank's map for the scenario.
func buildMap(ctx context.Context, c comm.Comm, cfg config.Scenario, opts ...indexmap.Option) (*indexmap.IndexMap, rankInput, error) {
	in, err := scenarioInput(cfg, c.Rank())
	if err != nil {
		return nil, rankInput{}, err
	}
	var m *indexmap.IndexMap
	if in.owners == nil {
		m, err = indexmap.NewFromGhosts(ctx, c, in.sizeLocal, in.ghosts, opts...)
	} else {
		m, err = indexmap.New(ctx, c, in.sizeLocal, in.ghosts, in.owners, opts...)
	}
	return m, in, err
}

// runRank executes the scenario on one rank: repeated forward and reverse
// scatters checked against the global numbering, an optional compression,
// and a group-wide timing summary written by rank 0.
func runRank(ctx context.Context, c comm.Comm, cfg config.Scenario, out io.Writer, log zerolog.Logger, reg prometheus.Registerer) error {
	log = log.With().Int("rank", c.Rank()).Logger()
	table := timing.NewTable()
	observer := indexmap.Observer(table)
	if reg != nil {
		observer = indexmap.Observers(table, metrics.NewCollector(reg, c.Rank()))
	}
	opts := []indexmap.Option{indexmap.WithLogger(log), indexmap.WithObserver(observer)}

	var m *indexmap.IndexMap
	var in rankInput
	err := table.Time("build", func() error {
		var err error
		m, in, err = buildMap(ctx, c, cfg, opts...)
		return err
	})
	if err != nil {
		return fmt.Errorf("build map: %w", err)
	}

	bs := cfg.BlockSize
	for it := 0; it < cfg.Iterations; it++ {
		if err := checkForward(ctx, m, bs); err != nil {
			return err
		}
		if err := checkReverseAdd(ctx, m, bs); err != nil {
			return err
		}
	}

	if cfg.Compresses() {
		var sub *indexmap.IndexMap
		var original []int64
		err := table.Time("compress_total", func() error {
			var err error
			sub, original, err = indexmap.Compress(ctx, m, in.selected)
			return err
		})
		if err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		if err := checkTranslation(ctx, sub, original); err != nil {
			return err
		}
		log.Info().
			Int("size_local", sub.SizeLocal()).
			Int("num_ghosts", sub.NumGhosts()).
			Int64("size_global", sub.SizeGlobal()).
			Msg("compressed")
	}

	summary, err := timing.Reduce(ctx, c, table, comm.Max)
	if err != nil {
		return err
	}
	log.Info().
		Int("size_local", m.SizeLocal()).
		Int("num_ghosts", m.NumGhosts()).
		Msg("scenario complete")
	if c.Rank() == 0 {
		title := fmt.Sprintf("%s: %d ranks, max over ranks", cfg.Name, c.Size())
		return timing.Write(out, title, summary)
	}
	return nil
}

// checkForward fills owned blocks with their global index and verifies that
// every ghost block receives its own global index.
func checkForward(ctx context.Context, m *indexmap.IndexMap, bs int) error {
	globals := m.GlobalIndices()
	buf := make([]float64, len(globals)*bs)
	for l := 0; l < m.SizeLocal(); l++ {
		for j := 0; j < bs; j++ {
			buf[l*bs+j] = float64(globals[l])
		}
	}
	if err := indexmap.ScatterForward(ctx, m, buf, bs); err != nil {
		return err
	}
	for l := m.SizeLocal(); l < len(globals); l++ {
		for j := 0; j < bs; j++ {
			if buf[l*bs+j] != float64(globals[l]) {
				return fmt.Errorf("forward scatter: local %d holds %v, want %d", l, buf[l*bs+j], globals[l])
			}
		}
	}
	return nil
}

// checkReverseAdd sends a one from every ghost and verifies that the owned
// totals add up to the number of ghosts across the group.
func checkReverseAdd(ctx context.Context, m *indexmap.IndexMap, bs int) error {
	n := m.SizeLocal() + m.NumGhosts()
	buf := make([]int64, n*bs)
	for i := m.SizeLocal() * bs; i < len(buf); i++ {
		buf[i] = 1
	}
	if err := indexmap.ScatterReverse(ctx, m, buf, bs, indexmap.Add); err != nil {
		return err
	}
	var received int64
	for i := 0; i < m.SizeLocal()*bs; i++ {
		received += buf[i]
	}
	c := m.Comm()
	totalReceived, err := comm.Allreduce(ctx, c, received, comm.Sum)
	if err != nil {
		return err
	}
	totalGhosts, err := comm.Allreduce(ctx, c, int64(m.NumGhosts()*bs), comm.Sum)
	if err != nil {
		return err
	}
	if totalReceived != totalGhosts {
		return fmt.Errorf("reverse scatter: owners received %d contributions, group has %d ghost values",
			totalReceived, totalGhosts)
	}
	return nil
}

// checkTranslation scatters the original global indices over the compressed
// map and verifies that the ghosts agree with the translation table.
func checkTranslation(ctx context.Context, sub *indexmap.IndexMap, original []int64) error {
	buf := make([]int64, len(original))
	copy(buf, original[:sub.SizeLocal()])
	if err := indexmap.ScatterForward(ctx, sub, buf, 1); err != nil {
		return err
	}
	for i := sub.SizeLocal(); i < len(buf); i++ {
		if buf[i] != original[i] {
			return fmt.Errorf("compressed ghost %d maps to %d, owner says %d", i, original[i], buf[i])
		}
	}
	return nil
}

// meshStatistics reports the partition quality of a mesh scenario.
func meshStatistics(cfg config.Scenario) (*partitions.PartitionStats, error) {
	if cfg.Mesh == nil {
		return nil, nil
	}
	layout, err := cfg.Mesh.Partition()
	if err != nil {
		return nil, err
	}
	stats := layout.PartitionStatistics(cfg.Mesh.Connectivity())
	return &stats, nil
}
