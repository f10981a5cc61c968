package config

import (
	"fmt"

	"github.com/23skdu/longbow-caisson/internal/topology"
)

// Config describes one process of a run: where checkpoints live, the
// process's place in the parallelism topology, and how its optimizer state
// is sharded.
type Config struct {
	Root string // checkpoint root directory

	TPSize     int
	PPSize     int
	DPSize     int
	ExpertSize int

	TPRank     int
	PPRank     int
	DPRank     int
	ExpertRank int

	ZeroSharded bool

	LogLevel  string
	LogFormat string
}

func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("invalid root: empty (must be a checkpoint directory)")
	}
	if err := c.Topology().Validate(); err != nil {
		return err
	}
	if c.TPRank < 0 || c.TPRank >= c.TPSize {
		return fmt.Errorf("invalid tp_rank: %d (must be in [0, %d))", c.TPRank, c.TPSize)
	}
	if c.PPRank < 0 || c.PPRank >= c.PPSize {
		return fmt.Errorf("invalid pp_rank: %d (must be in [0, %d))", c.PPRank, c.PPSize)
	}
	if c.DPRank < 0 || c.DPRank >= c.DPSize {
		return fmt.Errorf("invalid dp_rank: %d (must be in [0, %d))", c.DPRank, c.DPSize)
	}
	if c.ExpertRank < 0 || c.ExpertRank >= c.ExpertSize {
		return fmt.Errorf("invalid expert_rank: %d (must be in [0, %d))", c.ExpertRank, c.ExpertSize)
	}
	return nil
}

// Topology returns the process topology described by the config.
func (c *Config) Topology() topology.Descriptor {
	kind := topology.Replicated
	if c.ZeroSharded {
		kind = topology.ZeroSharded
	}
	return topology.Descriptor{
		TPSize:     c.TPSize,
		PPSize:     c.PPSize,
		DPSize:     c.DPSize,
		ExpertSize: c.ExpertSize,
		Kind:       kind,
	}
}

// Rank returns the process coordinate described by the config.
func (c *Config) Rank() topology.Coord {
	return topology.Coord{PP: c.PPRank, TP: c.TPRank, DP: c.DPRank, Expert: c.ExpertRank}
}

func Default() Config {
	return Config{
		TPSize:     1,
		PPSize:     1,
		DPSize:     1,
		ExpertSize: 1,
		LogLevel:   "INFO",
		LogFormat:  "console",
	}
}
