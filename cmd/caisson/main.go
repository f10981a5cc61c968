package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/23skdu/longbow-caisson/internal/config"
	"github.com/23skdu/longbow-caisson/internal/logger"
	"github.com/23skdu/longbow-caisson/internal/store"
	"github.com/23skdu/longbow-caisson/internal/topology"
)

var (
	cfg      = config.Default()
	inspect  = flag.Bool("inspect", false, "Print the checkpoint manifest and shard inventory")
	validate = flag.Bool("validate", false, "Validate shard-file presence and ZeRO offset coverage")
)

func init() {
	flag.StringVar(&cfg.Root, "root", cfg.Root, "Path to checkpoint root directory")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console or json)")
}

func main() {
	flag.Parse()
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if !*inspect && !*validate {
		fmt.Println("Error: one of --inspect or --validate is required")
		flag.Usage()
		os.Exit(1)
	}

	st := store.New(cfg.Root)
	manifest, err := st.ReadManifest()
	if err != nil {
		logger.Log.Error("cannot read manifest", "error", err.Error())
		os.Exit(1)
	}

	if *inspect {
		printManifest(st, manifest)
	}
	if *validate {
		if err := validateCheckpoint(st, manifest); err != nil {
			logger.Log.Error("checkpoint validation failed", "error", err.Error())
			os.Exit(1)
		}
		fmt.Println("OK")
	}
}

func printManifest(st *store.Store, m *store.Manifest) {
	t := m.Topology
	fmt.Printf("optimizer: %s\n", t.Kind)
	fmt.Printf("topology:  tp=%d pp=%d dp=%d exp=%d (world=%d)\n",
		t.TPSize, t.PPSize, t.DPSize, t.ExpertSize, t.WorldSize())

	paths, err := st.GlobShards(t)
	if err != nil {
		logger.Log.Error("cannot enumerate shards", "error", err.Error())
		return
	}
	fmt.Printf("shards:    %d files\n", len(paths))
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}

	if m.Offsets != nil {
		names := make([]string, 0, len(m.Offsets))
		for name := range m.Offsets {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("zero offset table (%d parameters):\n", len(names))
		for _, name := range names {
			ranges := m.Offsets[name]
			dps := make([]int, 0, len(ranges))
			for dp := range ranges {
				dps = append(dps, dp)
			}
			sort.Ints(dps)
			fmt.Printf("  %s:", name)
			for _, dp := range dps {
				r := ranges[dp]
				fmt.Printf(" dp%d=[%d,%d)", dp, r.Start, r.End)
			}
			fmt.Println()
		}
	}
}

func validateCheckpoint(st *store.Store, m *store.Manifest) error {
	t := m.Topology
	paths, err := st.GlobShards(t)
	if err != nil {
		return err
	}

	// Every coordinate the topology implies must have exactly one file.
	want := make(map[topology.Coord]bool)
	for pp := 0; pp < t.PPSize; pp++ {
		for tp := 0; tp < t.TPSize; tp++ {
			for exp := 0; exp < t.ExpertSize; exp++ {
				if t.Kind == topology.ZeroSharded {
					for dp := 0; dp < t.DPSize; dp++ {
						want[topology.Coord{PP: pp, TP: tp, DP: dp, Expert: exp}] = true
					}
				} else {
					want[topology.Coord{PP: pp, TP: tp, Expert: exp}] = true
				}
			}
		}
	}
	for _, p := range paths {
		coord, err := store.ParseShardPath(p, t)
		if err != nil {
			return err
		}
		delete(want, coord)
	}
	if len(want) > 0 {
		for coord := range want {
			return store.ErrShardFileNotFound{Path: st.ShardPath(coord, t)}
		}
	}

	if t.Kind == topology.ZeroSharded {
		sizes := make(map[string]int, len(m.ParamShapes))
		for name, shape := range m.ParamShapes {
			n := 1
			for _, d := range shape {
				n *= d
			}
			sizes[name] = n
		}
		if err := m.Offsets.Validate(sizes); err != nil {
			return err
		}
	}
	return nil
}
