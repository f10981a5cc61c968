package reshard

import (
	"errors"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-caisson/internal/logger"
	"github.com/23skdu/longbow-caisson/internal/metrics"
	"github.com/23skdu/longbow-caisson/internal/param"
	"github.com/23skdu/longbow-caisson/internal/shardmeta"
	"github.com/23skdu/longbow-caisson/internal/store"
	"github.com/23skdu/longbow-caisson/internal/tensor"
	"github.com/23skdu/longbow-caisson/internal/topology"
)

// TPEngine reconciles a change in tensor-parallel and/or pipeline-parallel
// width: it merges the saved shards of each parameter into an unsharded
// buffer using the saved metadata, then keeps only the slice the current
// process owns.
type TPEngine struct{}

func sortedPPTP(shards map[PPTP]*store.ShardState) []PPTP {
	keys := make([]PPTP, 0, len(shards))
	for k := range shards {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].PP != keys[j].PP {
			return keys[i].PP < keys[j].PP
		}
		return keys[i].TP < keys[j].TP
	})
	return keys
}

// stateKeys returns the union of mergeable state keys across all shards.
func stateKeys(shards map[PPTP]*store.ShardState) []store.StateKey {
	seen := make(map[store.StateKey]bool)
	for _, sh := range shards {
		for _, k := range sh.MergeableKeys() {
			seen[k] = true
		}
	}
	keys := make([]store.StateKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// recordStep folds one shard's step scalar into the running value, requiring
// every contributing shard to agree. The step counter is replicated across
// shards; disagreement means the checkpoint is corrupt.
func recordStep(name string, current *tensor.Tensor, ps store.ParamState) (*tensor.Tensor, error) {
	step, ok := ps[store.Step]
	if !ok {
		return current, nil
	}
	if current == nil {
		return step.Clone(), nil
	}
	if !current.Equal(step) {
		return nil, fmt.Errorf("parameter %q: contributing shards disagree on step value", name)
	}
	return current, nil
}

// savedSliceFor resolves the saved slice descriptor for a parameter at a
// given saved tensor-parallel rank. Tied parameters can have their metadata
// recorded under the logical name on a pipeline rank other than the one
// holding the data, so the lookup tries the logical name first and always
// uses the metadata-owning pipeline rank.
func savedSliceFor(rc *Context, p param.Parameter, base string, tp int) (shardmeta.SliceDescriptor, error) {
	name := p.Name
	pm, err := rc.SavedMeta.Lookup(name)
	if err != nil {
		name = base
		pm, err = rc.SavedMeta.Lookup(name)
	}
	if err != nil {
		return shardmeta.SliceDescriptor{}, err
	}
	return rc.SavedMeta.SliceFor(name, topology.Coord{PP: pm.MetaPP, TP: tp})
}

// postProcess flattens a freshly resharded state tensor and keeps only the
// current dp rank's partition when the running optimizer is ZeRO-sharded.
func postProcess(rc *Context, base string, t *tensor.Tensor) (*tensor.Tensor, error) {
	if rc.Current.Kind != topology.ZeroSharded {
		return t, nil
	}
	ranges, ok := rc.CurrentOffsets[base]
	if !ok {
		return nil, fmt.Errorf("no current dp offset assignment for parameter %q", base)
	}
	r, ok := ranges[rc.Rank.DP]
	if !ok {
		return nil, fmt.Errorf("no current dp offset assignment for parameter %q at dp rank %d", base, rc.Rank.DP)
	}
	return SliceFlat(t.Flatten(), r)
}

// Load rebuilds the current process's optimizer state from checkpoint
// shards keyed by saved (pipeline, tensor-parallel) rank. ZeRO checkpoints
// must already have their data-parallel shards merged (see MergeDPShards),
// so every tensor here is either in its saved shard shape or flat.
//
// The gradient accumulator is not carried across a tensor-parallel reshard.
func (e *TPEngine) Load(rc *Context, shards map[PPTP]*store.ShardState) (*store.ShardState, error) {
	if len(shards) == 0 {
		return nil, errors.New("no checkpoint shards to load")
	}
	zeroCkpt := rc.Saved.Kind == topology.ZeroSharded
	keys := stateKeys(shards)
	order := sortedPPTP(shards)

	out := store.NewShardState()
	loaded := make(map[string]bool)

	for paramIndex, p := range rc.Params {
		base, err := rc.Tied.CanonicalName(p.Name)
		if err != nil {
			return nil, err
		}
		if loaded[base] {
			// another name for this storage already loaded the state
			continue
		}
		loaded[base] = true
		out.Names[paramIndex] = base
		ps := make(store.ParamState)
		var step *tensor.Tensor

		if p.Sharded {
			cpm, err := rc.CurrentMeta.Lookup(base)
			if err != nil {
				return nil, err
			}
			curSlice, err := rc.CurrentMeta.SliceFor(base, rc.Rank)
			if err != nil {
				return nil, err
			}
			for _, key := range keys {
				var contribs []TPContribution
				for _, pptp := range order {
					sh := shards[pptp]
					oldIdx, ok := sh.IndexOf(base)
					if !ok {
						continue // parameter not in this pipeline stage
					}
					data, ok := sh.State[oldIdx][key]
					if !ok {
						return nil, fmt.Errorf("parameter %q: shard pp=%d tp=%d is missing state %q",
							base, pptp.PP, pptp.TP, key)
					}
					if zeroCkpt {
						shape, err := rc.savedShape(base, p.Name)
						if err != nil {
							return nil, err
						}
						if data, err = data.Reshape(shape...); err != nil {
							return nil, fmt.Errorf("parameter %q: %w", base, err)
						}
					}
					slice, err := savedSliceFor(rc, p, base, pptp.TP)
					if err != nil {
						return nil, err
					}
					contribs = append(contribs, TPContribution{
						Coord: topology.Coord{PP: pptp.PP, TP: pptp.TP},
						Slice: slice,
						Data:  data,
					})
					if step, err = recordStep(base, step, sh.State[oldIdx]); err != nil {
						return nil, err
					}
				}
				merged, err := MergeTP(base, cpm.UnshardedShape, contribs)
				if err != nil {
					var covErr shardmeta.ErrIncompleteShardCoverage
					if errors.As(err, &covErr) {
						metrics.CoverageErrors.Inc()
					}
					return nil, err
				}
				r := curSlice.Ranges[0]
				local, err := merged.SliceDim(r.Dim, r.Start, r.End)
				if err != nil {
					return nil, fmt.Errorf("parameter %q: %w", base, err)
				}
				if ps[key], err = postProcess(rc, base, local); err != nil {
					return nil, err
				}
			}
		} else {
			// Replicated across tensor-parallel ranks: any one saved copy is
			// authoritative.
			found := false
			for _, pptp := range order {
				sh := shards[pptp]
				oldIdx, ok := sh.IndexOf(base)
				if !ok {
					continue
				}
				for _, key := range keys {
					data, ok := sh.State[oldIdx][key]
					if !ok {
						return nil, fmt.Errorf("parameter %q: shard pp=%d tp=%d is missing state %q",
							base, pptp.PP, pptp.TP, key)
					}
					if ps[key], err = postProcess(rc, base, data.Clone()); err != nil {
						return nil, err
					}
				}
				if step, err = recordStep(base, step, sh.State[oldIdx]); err != nil {
					return nil, err
				}
				found = true
				break
			}
			if !found {
				return nil, shardmeta.ErrMissingShardMetadata{Name: base, PP: rc.Rank.PP, TP: rc.Rank.TP}
			}
		}

		if step != nil {
			ps[store.Step] = step
		}
		out.State[paramIndex] = ps
		metrics.ReshardParams.WithLabelValues("tp").Inc()
	}

	metrics.ReshardOperations.WithLabelValues("tp").Inc()
	logger.Log.Info("tensor-parallel reshard complete",
		"params", len(out.State),
		"saved_tp", rc.Saved.TPSize, "saved_pp", rc.Saved.PPSize,
		"tp", rc.Current.TPSize, "pp", rc.Current.PPSize)
	return out, nil
}
