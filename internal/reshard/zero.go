package reshard

import (
	"errors"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-caisson/internal/logger"
	"github.com/23skdu/longbow-caisson/internal/metrics"
	"github.com/23skdu/longbow-caisson/internal/shardmeta"
	"github.com/23skdu/longbow-caisson/internal/store"
	"github.com/23skdu/longbow-caisson/internal/tensor"
)

// ZeroEngine reconciles a change in data-parallel width under ZeRO-sharded
// optimizer state. Each saved dp rank owns a contiguous flat range of every
// parameter's state; the engine merges those ranges into full flat buffers
// and keeps the range assigned to the current dp rank under the new dp
// size. Tensor-parallel, pipeline-parallel and expert widths must not
// change at the same time.
type ZeroEngine struct{}

func checkFixedModelParallelism(rc *Context) error {
	if !rc.Saved.SameModelParallelism(rc.Current) {
		return ErrUnsupportedTopologyTransition{
			Reason: fmt.Sprintf(
				"ZeRO data-parallel reshard requires fixed tensor/pipeline/expert topology (saved tp=%d pp=%d exp=%d, current tp=%d pp=%d exp=%d)",
				rc.Saved.TPSize, rc.Saved.PPSize, rc.Saved.ExpertSize,
				rc.Current.TPSize, rc.Current.PPSize, rc.Current.ExpertSize),
		}
	}
	return nil
}

// stateParts collects, per saved dp rank, one parameter's state tensor for
// a given key from the current tp rank's shards.
func stateParts(shards map[TPDP]*store.ShardState, tp int, base string, key store.StateKey) map[int]*tensor.Tensor {
	parts := make(map[int]*tensor.Tensor)
	for k, sh := range shards {
		if k.TP != tp {
			continue
		}
		idx, ok := sh.IndexOf(base)
		if !ok {
			continue
		}
		if t, ok := sh.State[idx][key]; ok {
			parts[k.DP] = t
		}
	}
	return parts
}

// Load rebuilds the current dp rank's ZeRO partition from checkpoint shards
// keyed by saved (tensor-parallel, data-parallel) rank, all belonging to
// the current pipeline stage. Both optimizer state and the gradient
// accumulator are merged and re-sliced.
func (e *ZeroEngine) Load(rc *Context, shards map[TPDP]*store.ShardState) (*store.ShardState, error) {
	if err := checkFixedModelParallelism(rc); err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, errors.New("no checkpoint shards to load")
	}

	myTP := rc.Rank.TP
	myDP := rc.Rank.DP
	out := store.NewShardState()
	loaded := make(map[string]bool)

	keySet := make(map[store.StateKey]bool)
	for _, sh := range shards {
		for _, k := range sh.MergeableKeys() {
			keySet[k] = true
		}
	}
	keys := make([]store.StateKey, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for paramIndex, p := range rc.Params {
		base, err := rc.Tied.CanonicalName(p.Name)
		if err != nil {
			return nil, err
		}
		if loaded[base] {
			continue
		}
		loaded[base] = true
		out.Names[paramIndex] = base

		shape, err := rc.savedShape(base, p.Name)
		if err != nil {
			return nil, err
		}
		numel := 1
		for _, d := range shape {
			numel *= d
		}
		savedRanges, ok := rc.SavedOffsets[base]
		if !ok {
			return nil, shardmeta.ErrIncompleteShardCoverage{Name: base, Detail: "no offset ranges recorded"}
		}
		curRanges, ok := rc.CurrentOffsets[base]
		if !ok {
			return nil, fmt.Errorf("no current dp offset assignment for parameter %q", base)
		}
		cur, ok := curRanges[myDP]
		if !ok {
			return nil, fmt.Errorf("no current dp offset assignment for parameter %q at dp rank %d", base, myDP)
		}

		ps := make(store.ParamState)
		var step *tensor.Tensor
		for _, key := range keys {
			parts := stateParts(shards, myTP, base, key)
			merged, err := MergeZeroFlat(base, numel, parts, savedRanges)
			if err != nil {
				var covErr shardmeta.ErrIncompleteShardCoverage
				if errors.As(err, &covErr) {
					metrics.CoverageErrors.Inc()
				}
				return nil, err
			}
			if ps[key], err = SliceFlat(merged, cur); err != nil {
				return nil, fmt.Errorf("parameter %q: %w", base, err)
			}
		}
		for k, sh := range shards {
			if k.TP != myTP {
				continue
			}
			idx, ok := sh.IndexOf(base)
			if !ok {
				continue
			}
			if step, err = recordStep(base, step, sh.State[idx]); err != nil {
				return nil, err
			}
		}
		if step != nil {
			ps[store.Step] = step
		}
		out.State[paramIndex] = ps

		// Gradient accumulator partitions follow the same offset tables.
		gradParts := make(map[int]*tensor.Tensor)
		for k, sh := range shards {
			if k.TP != myTP {
				continue
			}
			if t, ok := sh.GradAccumulator[base]; ok {
				gradParts[k.DP] = t
			}
		}
		if len(gradParts) > 0 {
			merged, err := MergeZeroFlat(base, numel, gradParts, savedRanges)
			if err != nil {
				var covErr shardmeta.ErrIncompleteShardCoverage
				if errors.As(err, &covErr) {
					metrics.CoverageErrors.Inc()
				}
				return nil, err
			}
			if out.GradAccumulator[base], err = SliceFlat(merged, cur); err != nil {
				return nil, fmt.Errorf("parameter %q: %w", base, err)
			}
		}
		metrics.ReshardParams.WithLabelValues("zero").Inc()
	}

	metrics.ReshardOperations.WithLabelValues("zero").Inc()
	logger.Log.Info("ZeRO data-parallel reshard complete",
		"params", len(out.State),
		"saved_dp", rc.Saved.DPSize, "dp", rc.Current.DPSize)
	return out, nil
}

// MergeDPShards collapses a ZeRO checkpoint's data-parallel axis, producing
// one full flat ShardState per (pipeline, tensor-parallel) pair. This is
// the preliminary step of a tensor-parallel reshard of a ZeRO checkpoint:
// the offset partitions must be reconstituted before slice metadata means
// anything.
func MergeDPShards(rc *Context, shards map[PPTP]map[int]*store.ShardState) (map[PPTP]*store.ShardState, error) {
	out := make(map[PPTP]*store.ShardState, len(shards))
	for pptp, byDP := range shards {
		merged := store.NewShardState()
		paramIdx := make(map[string]int)
		for _, sh := range byDP {
			for idx, name := range sh.Names {
				paramIdx[name] = idx
			}
		}
		for name, idx := range paramIdx {
			shape, err := rc.savedShape(name, name)
			if err != nil {
				return nil, err
			}
			numel := 1
			for _, d := range shape {
				numel *= d
			}
			ranges, ok := rc.SavedOffsets[name]
			if !ok {
				return nil, shardmeta.ErrIncompleteShardCoverage{Name: name, Detail: "no offset ranges recorded"}
			}

			keySet := make(map[store.StateKey]bool)
			for _, sh := range byDP {
				if i, ok := sh.IndexOf(name); ok {
					for k := range sh.State[i] {
						if k != store.Step {
							keySet[k] = true
						}
					}
				}
			}
			ps := make(store.ParamState)
			var step *tensor.Tensor
			for key := range keySet {
				parts := make(map[int]*tensor.Tensor)
				for dp, sh := range byDP {
					if i, ok := sh.IndexOf(name); ok {
						if t, ok := sh.State[i][key]; ok {
							parts[dp] = t
						}
					}
				}
				m, err := MergeZeroFlat(name, numel, parts, ranges)
				if err != nil {
					return nil, err
				}
				ps[key] = m
			}
			for _, sh := range byDP {
				if i, ok := sh.IndexOf(name); ok {
					if step, err = recordStep(name, step, sh.State[i]); err != nil {
						return nil, err
					}
				}
			}
			if step != nil {
				ps[store.Step] = step
			}
			merged.State[idx] = ps
			merged.Names[idx] = name
		}
		out[pptp] = merged
	}
	return out, nil
}
