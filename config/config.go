// Package config loads ghostmap scenario files.
//
// A scenario either lists every rank's owned size and ghosts explicitly
// ([[ranks]] tables) or describes a mesh that is partitioned into ranks
// ([mesh] table). Transport settings choose between an in-process group and
// a TCP group with one process per rank.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/notargets/ghostmap/partitions"
)

const (
	TransportLocal = "local"
	TransportTCP   = "tcp"
)

type Scenario struct {
	Name       string
	LogLevel   string
	BlockSize  int
	Iterations int
	Transport  Transport
	Ranks      []RankSpec
	Mesh       *MeshSpec
}

type Transport struct {
	Kind        string
	Peers       []string
	DialTimeout time.Duration
	Compress    bool
}

// RankSpec is the construction input of one rank. Owners may be left out, in
// which case they are derived from the global numbering. Select lists the
// local indices kept when the scenario compresses the map.
type RankSpec struct {
	SizeLocal int     `toml:"size_local"`
	Ghosts    []int64 `toml:"ghosts"`
	Owners    []int   `toml:"owners"`
	Select    []int32 `toml:"select"`
}

// MeshSpec describes a mesh given either as a structured grid or as an
// explicit element-to-element table.
type MeshSpec struct {
	Grid     []int   `toml:"grid"`
	EToE     [][]int `toml:"eto_e"`
	Ranks    int     `toml:"ranks"`
	Strategy string  `toml:"strategy"`
	// Every SelectEvery-th owned element plus all ghosts are kept when
	// compressing; 0 disables compression.
	SelectEvery int `toml:"select_every"`
}

type fileConfig struct {
	Name       string        `toml:"name"`
	LogLevel   string        `toml:"log_level"`
	BlockSize  int           `toml:"block_size"`
	Iterations int           `toml:"iterations"`
	Transport  fileTransport `toml:"transport"`
	Ranks      []RankSpec    `toml:"ranks"`
	Mesh       *MeshSpec     `toml:"mesh"`
}

type fileTransport struct {
	Kind        string   `toml:"kind"`
	Peers       []string `toml:"peers"`
	DialTimeout string   `toml:"dial_timeout"`
	Compress    bool     `toml:"compress"`
}

func DefaultScenario() Scenario {
	return Scenario{
		Name:       "ghostmap",
		LogLevel:   "info",
		BlockSize:  1,
		Iterations: 1,
		Transport: Transport{
			Kind:        TransportLocal,
			DialTimeout: 30 * time.Second,
		},
	}
}

// Load reads and validates a scenario file. Keys that are absent keep their
// defaults.
func Load(path string) (Scenario, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Scenario{}, fmt.Errorf("load scenario: %w", err)
	}
	return fromFile(raw, meta)
}

// Decode is Load for an in-memory document.
func Decode(data string) (Scenario, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Scenario{}, fmt.Errorf("decode scenario: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Scenario, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Scenario{}, fmt.Errorf("unknown scenario key %q", undecoded[0].String())
	}
	cfg := DefaultScenario()

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("block_size") {
		cfg.BlockSize = raw.BlockSize
	}
	if meta.IsDefined("iterations") {
		cfg.Iterations = raw.Iterations
	}
	if meta.IsDefined("transport", "kind") {
		cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(raw.Transport.Kind))
	}
	if meta.IsDefined("transport", "peers") {
		cfg.Transport.Peers = normalizePeers(raw.Transport.Peers)
	}
	if meta.IsDefined("transport", "dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Transport.DialTimeout))
		if err != nil {
			return Scenario{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.Transport.DialTimeout = d
	}
	if meta.IsDefined("transport", "compress") {
		cfg.Transport.Compress = raw.Transport.Compress
	}
	cfg.Ranks = raw.Ranks
	cfg.Mesh = raw.Mesh

	if err := cfg.Validate(); err != nil {
		return Scenario{}, err
	}
	return cfg, nil
}

func normalizePeers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, peer := range in {
		if v := strings.TrimSpace(peer); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// NumRanks is the size of the process group the scenario needs.
func (s Scenario) NumRanks() int {
	if s.Mesh != nil {
		return s.Mesh.Ranks
	}
	return len(s.Ranks)
}

// Compresses reports whether the scenario runs a compression step.
func (s Scenario) Compresses() bool {
	if s.Mesh != nil {
		return s.Mesh.SelectEvery > 0
	}
	for _, r := range s.Ranks {
		if len(r.Select) > 0 {
			return true
		}
	}
	return false
}

func (s Scenario) Validate() error {
	if s.BlockSize < 1 {
		return fmt.Errorf("block_size must be at least 1, got %d", s.BlockSize)
	}
	if s.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", s.Iterations)
	}
	switch {
	case s.Mesh != nil && len(s.Ranks) > 0:
		return fmt.Errorf("scenario has both [mesh] and [[ranks]]")
	case s.Mesh != nil:
		if err := s.Mesh.validate(); err != nil {
			return fmt.Errorf("mesh invalid: %w", err)
		}
	case len(s.Ranks) == 0:
		return fmt.Errorf("scenario needs [mesh] or at least one [[ranks]] table")
	default:
		compress := s.Compresses()
		for i, r := range s.Ranks {
			if err := r.validate(compress); err != nil {
				return fmt.Errorf("ranks[%d] invalid: %w", i, err)
			}
		}
	}

	switch s.Transport.Kind {
	case TransportLocal:
	case TransportTCP:
		if len(s.Transport.Peers) != s.NumRanks() {
			return fmt.Errorf("tcp transport needs %d peers, got %d", s.NumRanks(), len(s.Transport.Peers))
		}
		if s.Transport.DialTimeout <= 0 {
			return fmt.Errorf("dial_timeout must be positive")
		}
	default:
		return fmt.Errorf("unknown transport %q", s.Transport.Kind)
	}
	return nil
}

func (r RankSpec) validate(compress bool) error {
	if r.SizeLocal < 0 {
		return fmt.Errorf("size_local is negative")
	}
	if r.Owners != nil && len(r.Owners) != len(r.Ghosts) {
		return fmt.Errorf("%d owners for %d ghosts", len(r.Owners), len(r.Ghosts))
	}
	if compress && len(r.Select) == 0 {
		return fmt.Errorf("select is required on every rank once any rank selects")
	}
	return nil
}

func (m *MeshSpec) validate() error {
	if m.Ranks < 1 {
		return fmt.Errorf("ranks must be at least 1")
	}
	if (len(m.Grid) > 0) == (len(m.EToE) > 0) {
		return fmt.Errorf("exactly one of grid and eto_e is required")
	}
	if len(m.Grid) > 0 && (len(m.Grid) != 2 || m.Grid[0] < 1 || m.Grid[1] < 1) {
		return fmt.Errorf("grid must be [nx, ny] with positive sizes, got %v", m.Grid)
	}
	if m.SelectEvery < 0 {
		return fmt.Errorf("select_every is negative")
	}
	if _, err := partitions.ParseStrategy(m.Strategy); err != nil {
		return err
	}
	return m.Connectivity().Validate()
}

// Connectivity returns the mesh's element-to-element table.
func (m *MeshSpec) Connectivity() *partitions.MeshConnectivity {
	if len(m.Grid) == 2 {
		return partitions.GridConnectivity(m.Grid[0], m.Grid[1])
	}
	return &partitions.MeshConnectivity{NumElements: len(m.EToE), EToE: m.EToE}
}

// Partition splits the mesh into Ranks partitions with the configured
// strategy.
func (m *MeshSpec) Partition() (*partitions.PartitionLayout, error) {
	strategy, err := partitions.ParseStrategy(m.Strategy)
	if err != nil {
		return nil, err
	}
	pb := &partitions.PartitionBuilder{
		Mesh:          m.Connectivity(),
		NumPartitions: m.Ranks,
		Strategy:      strategy,
	}
	return pb.BuildPartitions()
}

// WriteExample writes a minimal two-rank scenario in TOML.
func WriteExample(w io.Writer) error {
	example := struct {
		Name       string        `toml:"name"`
		LogLevel   string        `toml:"log_level"`
		BlockSize  int           `toml:"block_size"`
		Iterations int           `toml:"iterations"`
		Transport  fileTransport `toml:"transport"`
		Ranks      []RankSpec    `toml:"ranks"`
	}{
		Name:       "two-rank",
		LogLevel:   "info",
		BlockSize:  1,
		Iterations: 10,
		Transport:  fileTransport{Kind: TransportLocal, DialTimeout: "30s"},
		Ranks: []RankSpec{
			{SizeLocal: 3, Ghosts: []int64{3}, Owners: []int{1}, Select: []int32{3}},
			{SizeLocal: 3, Ghosts: []int64{2}, Owners: []int{0}, Select: []int32{0}},
		},
	}
	return toml.NewEncoder(w).Encode(example)
}
