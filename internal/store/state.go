package store

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-caisson/internal/tensor"
)

// StateKey enumerates the optimizer state tensors attached to a parameter.
// The set is closed; unknown names in a shard file are rejected at read time
// rather than carried through as open-ended strings.
type StateKey int

const (
	MomentOne StateKey = iota // first moment estimate
	MomentTwo                 // second moment estimate
	Step                      // scalar step counter, replicated across shards
)

// wire names match the original checkpoint format
const (
	wireMomentOne = "exp_avg"
	wireMomentTwo = "exp_avg_sq"
	wireStep      = "step"
)

func (k StateKey) String() string {
	switch k {
	case MomentOne:
		return wireMomentOne
	case MomentTwo:
		return wireMomentTwo
	case Step:
		return wireStep
	default:
		return fmt.Sprintf("UNKNOWN_STATE_%d", int(k))
	}
}

// ParseStateKey maps a wire name back to a StateKey.
func ParseStateKey(s string) (StateKey, error) {
	switch s {
	case wireMomentOne:
		return MomentOne, nil
	case wireMomentTwo:
		return MomentTwo, nil
	case wireStep:
		return Step, nil
	default:
		return 0, fmt.Errorf("unknown optimizer state name: %q", s)
	}
}

// ParamState holds the named state tensors of one parameter.
type ParamState map[StateKey]*tensor.Tensor

// ShardState is the full optimizer state held by one rank coordinate: per
// parameter-index state tensors, the index-to-storage-name table, and the
// gradient accumulator buffers keyed by parameter name.
type ShardState struct {
	State           map[int]ParamState
	Names           map[int]string
	GradAccumulator map[string]*tensor.Tensor
}

// NewShardState returns an empty state.
func NewShardState() *ShardState {
	return &ShardState{
		State:           make(map[int]ParamState),
		Names:           make(map[int]string),
		GradAccumulator: make(map[string]*tensor.Tensor),
	}
}

// IndexOf looks up the parameter index recorded for a storage name.
func (s *ShardState) IndexOf(name string) (int, bool) {
	for idx, n := range s.Names {
		if n == name {
			return idx, true
		}
	}
	return 0, false
}

// MergeableKeys returns the sorted state keys present in the shard excluding
// Step, which is a replicated scalar and is never merged element-wise.
func (s *ShardState) MergeableKeys() []StateKey {
	seen := make(map[StateKey]bool)
	for _, ps := range s.State {
		for k := range ps {
			if k != Step {
				seen[k] = true
			}
		}
	}
	keys := make([]StateKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
