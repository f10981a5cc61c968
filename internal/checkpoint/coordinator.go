package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-caisson/internal/barrier"
	"github.com/23skdu/longbow-caisson/internal/logger"
	"github.com/23skdu/longbow-caisson/internal/metrics"
	"github.com/23skdu/longbow-caisson/internal/param"
	"github.com/23skdu/longbow-caisson/internal/reshard"
	"github.com/23skdu/longbow-caisson/internal/shardmeta"
	"github.com/23skdu/longbow-caisson/internal/store"
	"github.com/23skdu/longbow-caisson/internal/topology"
)

// State tracks a coordinator through one save or load operation. Complete
// and Failed are terminal; a failed coordinator is never retried, the
// caller builds a fresh one.
type State int

const (
	Idle State = iota
	ManifestLoaded
	DirectLoad
	TPReshardLoad
	ZeroReshardLoad
	Writing
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ManifestLoaded:
		return "ManifestLoaded"
	case DirectLoad:
		return "DirectLoad"
	case TPReshardLoad:
		return "TPReshardLoad"
	case ZeroReshardLoad:
		return "ZeroReshardLoad"
	case Writing:
		return "Writing"
	case Complete:
		return "Complete"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("UNKNOWN_STATE_%d", int(s))
	}
}

// Coordinator orchestrates optimizer-state checkpointing for one process:
// it decides which load path applies by comparing the manifest topology
// against the current one, drives the reshard engines, and owns the on-disk
// layout through the store.
type Coordinator struct {
	st       *store.Store
	topo     topology.Descriptor
	rank     topology.Coord
	provider param.Provider
	tied     *param.TiedRegistry

	currentMeta *shardmeta.Metadata
	savedMeta   *shardmeta.Metadata // layout at save time; required for TP reshard loads

	// offsets, when set, overrides the default balanced partition as this
	// run's dp-rank offset assignment.
	offsets shardmeta.OffsetTable

	bar   barrier.Barrier
	state State
	log   *logger.Logger
}

// New builds a coordinator in the Idle state. savedMeta may be nil when the
// caller knows the topology did not change; a TP reshard load without it
// fails with a missing-metadata error.
func New(root string, topo topology.Descriptor, rank topology.Coord, provider param.Provider,
	currentMeta, savedMeta *shardmeta.Metadata, bar barrier.Barrier) (*Coordinator, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if !topo.Contains(rank) {
		return nil, fmt.Errorf("rank %v outside topology", rank)
	}
	tied, err := param.NewTiedRegistry(provider.Parameters())
	if err != nil {
		return nil, err
	}
	if bar == nil {
		bar = barrier.Noop{}
	}
	return &Coordinator{
		st:          store.New(root),
		topo:        topo,
		rank:        rank,
		provider:    provider,
		tied:        tied,
		currentMeta: currentMeta,
		savedMeta:   savedMeta,
		bar:         bar,
		state:       Idle,
		log:         logger.Log.WithRank(rank.PP, rank.TP, rank.DP, rank.Expert),
	}, nil
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State { return c.state }

func (c *Coordinator) fail(err error) error {
	c.state = Failed
	c.log.Error("checkpoint operation failed", "error", err.Error())
	return err
}

// localShapes returns, per storage name, the shape of the state this
// process holds locally: the slice extent for sharded parameters, the full
// shape otherwise. Tied duplicates collapse onto their canonical name.
func (c *Coordinator) localShapes() (map[string][]int, error) {
	shapes := make(map[string][]int)
	for _, p := range c.provider.Parameters() {
		base, err := c.tied.CanonicalName(p.Name)
		if err != nil {
			return nil, err
		}
		if _, ok := shapes[base]; ok {
			continue
		}
		if !p.Sharded {
			shapes[base] = append([]int(nil), p.Shape...)
			continue
		}
		slice, err := c.currentMeta.SliceFor(base, c.rank)
		if err != nil {
			return nil, err
		}
		shape := append([]int(nil), p.Shape...)
		for _, r := range slice.Ranges {
			shape[r.Dim] = r.End - r.Start
		}
		shapes[base] = shape
	}
	return shapes, nil
}

func numels(shapes map[string][]int) map[string]int {
	sizes := make(map[string]int, len(shapes))
	for name, shape := range shapes {
		n := 1
		for _, d := range shape {
			n *= d
		}
		sizes[name] = n
	}
	return sizes
}

// SetOffsetTable installs the offset table produced by the caller's
// partition policy. The coordinator records it in the manifest on save and
// slices by it on load; without it the default balanced contiguous
// partition applies. Only meaningful for ZeRO-sharded optimizers, and only
// before the first operation.
func (c *Coordinator) SetOffsetTable(t shardmeta.OffsetTable) {
	c.offsets = t
}

// currentOffsets returns this run's dp-rank offset assignment: the
// caller-supplied table when one was installed, the default balanced
// partition otherwise. Only meaningful for ZeRO-sharded optimizers.
func (c *Coordinator) currentOffsets() (shardmeta.OffsetTable, map[string][]int, error) {
	shapes, err := c.localShapes()
	if err != nil {
		return nil, nil, err
	}
	if c.offsets != nil {
		if err := c.offsets.Validate(numels(shapes)); err != nil {
			return nil, nil, err
		}
		return c.offsets, shapes, nil
	}
	return shardmeta.PartitionTable(numels(shapes), c.topo.DPSize), shapes, nil
}

// Save persists this process's optimizer state. When the optimizer is
// replicated across data parallelism only dp rank 0 writes; under ZeRO
// every dp rank owns a disjoint partition and writes its own shard. All
// ranks synchronize before the operation completes, so no rank starts
// overwriting the next checkpoint while others still write this one.
func (c *Coordinator) Save(ctx context.Context, state *store.ShardState) error {
	if c.state != Idle {
		return c.fail(fmt.Errorf("save: coordinator is %s, want Idle", c.state))
	}
	c.state = Writing
	start := time.Now()

	writer := c.topo.Kind == topology.ZeroSharded || c.rank.DP == 0
	if writer {
		if err := c.st.WriteShard(c.rank, c.topo, state); err != nil {
			return c.fail(err)
		}
	}

	// World rank zero owns the manifest.
	if (c.rank == topology.Coord{}) {
		var m *store.Manifest
		var err error
		if c.topo.Kind == topology.ZeroSharded {
			offsets, shapes, oerr := c.currentOffsets()
			if oerr != nil {
				return c.fail(oerr)
			}
			m, err = store.NewManifest(c.topo, offsets, shapes)
		} else {
			m, err = store.NewManifest(c.topo, nil, nil)
		}
		if err != nil {
			return c.fail(err)
		}
		if err := c.st.WriteManifest(m); err != nil {
			return c.fail(err)
		}
	}

	if err := c.bar.Wait(ctx, "save-complete"); err != nil {
		return c.fail(err)
	}
	c.state = Complete
	metrics.CheckpointSaveDuration.Observe(time.Since(start).Seconds())
	c.log.Info("optimizer checkpoint saved", "root", c.st.Root(), "wrote_shard", writer)
	return nil
}

// Load reads the checkpoint under the coordinator's root and returns this
// process's optimizer state, resharding when the saved topology differs
// from the current one.
func (c *Coordinator) Load(ctx context.Context) (*store.ShardState, error) {
	if c.state != Idle {
		return nil, c.fail(fmt.Errorf("load: coordinator is %s, want Idle", c.state))
	}
	start := time.Now()

	manifest, err := c.st.ReadManifest()
	if err != nil {
		return nil, c.fail(err)
	}
	c.state = ManifestLoaded
	saved := manifest.Topology

	if saved.Kind != c.topo.Kind {
		return nil, c.fail(reshard.ErrUnsupportedTopologyTransition{
			Reason: fmt.Sprintf("checkpoint optimizer is %s but the running optimizer is %s", saved.Kind, c.topo.Kind),
		})
	}

	var state *store.ShardState
	var path string
	switch {
	case saved.Equal(c.topo):
		c.state = DirectLoad
		path = "direct"
		state, err = c.st.ReadShard(c.rank, saved)

	case !saved.SameModelParallelism(c.topo):
		if saved.ExpertSize != c.topo.ExpertSize {
			return nil, c.fail(reshard.ErrUnsupportedTopologyTransition{
				Reason: fmt.Sprintf("expert-parallel width changed from %d to %d", saved.ExpertSize, c.topo.ExpertSize),
			})
		}
		if saved.Kind == topology.ZeroSharded && saved.DPSize != c.topo.DPSize {
			return nil, c.fail(reshard.ErrUnsupportedTopologyTransition{
				Reason: fmt.Sprintf("simultaneous tensor/pipeline and data-parallel change under ZeRO (tp %d->%d, dp %d->%d)",
					saved.TPSize, c.topo.TPSize, saved.DPSize, c.topo.DPSize),
			})
		}
		c.state = TPReshardLoad
		path = "tp_reshard"
		state, err = c.tpReshardLoad(manifest)

	case saved.DPSize != c.topo.DPSize && saved.Kind == topology.ZeroSharded:
		c.state = ZeroReshardLoad
		path = "zero_reshard"
		state, err = c.zeroReshardLoad(manifest)

	default:
		// Replicated optimizer with only the data-parallel width changed:
		// every dp rank holds the same state and shard files carry no dp
		// segment, so the current (pp, tp, expert) file is authoritative.
		c.state = DirectLoad
		path = "direct"
		state, err = c.st.ReadShard(c.rank, saved)
	}
	if err != nil {
		return nil, c.fail(err)
	}

	if err := c.bar.Wait(ctx, "load-complete"); err != nil {
		return nil, c.fail(err)
	}
	c.state = Complete
	metrics.CheckpointLoadDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	c.log.Info("optimizer checkpoint loaded", "root", c.st.Root(), "path", path)
	return state, nil
}

func (c *Coordinator) reshardContext(manifest *store.Manifest) (*reshard.Context, error) {
	rc := &reshard.Context{
		Saved:        manifest.Topology,
		Current:      c.topo,
		Rank:         c.rank,
		Params:       c.provider.Parameters(),
		Tied:         c.tied,
		SavedMeta:    c.savedMeta,
		CurrentMeta:  c.currentMeta,
		SavedShapes:  manifest.ParamShapes,
		SavedOffsets: manifest.Offsets,
	}
	if c.topo.Kind == topology.ZeroSharded {
		offsets, _, err := c.currentOffsets()
		if err != nil {
			return nil, err
		}
		rc.CurrentOffsets = offsets
	}
	return rc, nil
}

func (c *Coordinator) tpReshardLoad(manifest *store.Manifest) (*store.ShardState, error) {
	if c.savedMeta == nil {
		return nil, shardmeta.ErrMissingShardMetadata{Name: "(all)", PP: c.rank.PP, TP: c.rank.TP}
	}
	rc, err := c.reshardContext(manifest)
	if err != nil {
		return nil, err
	}
	saved := manifest.Topology

	paths, err := c.st.GlobShards(saved)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, store.ErrShardFileNotFound{Path: store.ShardGlobPattern(saved)}
	}

	if saved.Kind == topology.ZeroSharded {
		byDP := make(map[reshard.PPTP]map[int]*store.ShardState)
		for _, p := range paths {
			coord, err := store.ParseShardPath(p, saved)
			if err != nil {
				return nil, err
			}
			if coord.Expert != c.rank.Expert {
				continue
			}
			sh, err := c.st.ReadShardFile(p)
			if err != nil {
				return nil, err
			}
			key := reshard.PPTP{PP: coord.PP, TP: coord.TP}
			if byDP[key] == nil {
				byDP[key] = make(map[int]*store.ShardState)
			}
			byDP[key][coord.DP] = sh
		}
		shards, err := reshard.MergeDPShards(rc, byDP)
		if err != nil {
			return nil, err
		}
		return (&reshard.TPEngine{}).Load(rc, shards)
	}

	shards := make(map[reshard.PPTP]*store.ShardState)
	for _, p := range paths {
		coord, err := store.ParseShardPath(p, saved)
		if err != nil {
			return nil, err
		}
		if coord.Expert != c.rank.Expert {
			continue
		}
		sh, err := c.st.ReadShardFile(p)
		if err != nil {
			return nil, err
		}
		shards[reshard.PPTP{PP: coord.PP, TP: coord.TP}] = sh
	}
	return (&reshard.TPEngine{}).Load(rc, shards)
}

func (c *Coordinator) zeroReshardLoad(manifest *store.Manifest) (*store.ShardState, error) {
	rc, err := c.reshardContext(manifest)
	if err != nil {
		return nil, err
	}
	saved := manifest.Topology

	paths, err := c.st.GlobShards(saved)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, store.ErrShardFileNotFound{Path: store.ShardGlobPattern(saved)}
	}

	shards := make(map[reshard.TPDP]*store.ShardState)
	for _, p := range paths {
		coord, err := store.ParseShardPath(p, saved)
		if err != nil {
			return nil, err
		}
		// Only the current pipeline stage and expert group hold this
		// process's parameters.
		if coord.PP != c.rank.PP || coord.Expert != c.rank.Expert {
			continue
		}
		sh, err := c.st.ReadShardFile(p)
		if err != nil {
			return nil, err
		}
		shards[reshard.TPDP{TP: coord.TP, DP: coord.DP}] = sh
	}
	return (&reshard.ZeroEngine{}).Load(rc, shards)
}
