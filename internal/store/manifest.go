package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/23skdu/longbow-caisson/internal/shardmeta"
	"github.com/23skdu/longbow-caisson/internal/topology"
)

// ManifestFileName is the manifest file inside the optimizer directory.
const ManifestFileName = "optimizer_config.json"

const (
	optimizerTypeReplicated  = "ReplicatedOptimizer"
	optimizerTypeZeroSharded = "ZeroShardedOptimizer"
)

// ErrManifestParse reports an unreadable or inconsistent manifest.
type ErrManifestParse struct {
	Path   string
	Reason string
}

func (e ErrManifestParse) Error() string {
	return fmt.Sprintf("cannot parse checkpoint manifest %q: %s", e.Path, e.Reason)
}

// manifestJSON is the wire form. Every leaf value is serialized as a string
// for portability, matching the original checkpoint format.
type manifestJSON struct {
	Type        string `json:"type"`
	Parallelism struct {
		TPSize     string `json:"tp_size"`
		DPSize     string `json:"dp_size"`
		PPSize     string `json:"pp_size"`
		ExpertSize string `json:"expert_parallel_size"`
	} `json:"parallelism"`
	Configs struct {
		ParamNameToDPRankOffsets map[string]map[string][]string `json:"param_name_to_dp_rank_offsets,omitempty"`
		OrigParamShapes          map[string][]string            `json:"orig_param_shapes,omitempty"`
	} `json:"configs"`
}

// Manifest is the decoded checkpoint manifest: the topology at save time
// and, for ZeRO checkpoints, the per-(parameter, dp-rank) offset table and
// the original (pre-flatten) parameter shapes.
type Manifest struct {
	Topology topology.Descriptor

	// ZeRO only; nil otherwise.
	Offsets     shardmeta.OffsetTable
	ParamShapes map[string][]int
}

// NewManifest builds a manifest for a save at the given topology. offsets
// and shapes are required for ZeRO checkpoints and ignored otherwise.
func NewManifest(topo topology.Descriptor, offsets shardmeta.OffsetTable, shapes map[string][]int) (*Manifest, error) {
	m := &Manifest{Topology: topo}
	if topo.Kind == topology.ZeroSharded {
		if offsets == nil {
			return nil, fmt.Errorf("ZeRO checkpoint manifest requires a dp-rank offset table")
		}
		if shapes == nil {
			return nil, fmt.Errorf("ZeRO checkpoint manifest requires original parameter shapes")
		}
		m.Offsets = offsets
		m.ParamShapes = shapes
	}
	return m, nil
}

func (m *Manifest) encode() *manifestJSON {
	j := &manifestJSON{}
	if m.Topology.Kind == topology.ZeroSharded {
		j.Type = optimizerTypeZeroSharded
	} else {
		j.Type = optimizerTypeReplicated
	}
	j.Parallelism.TPSize = strconv.Itoa(m.Topology.TPSize)
	j.Parallelism.DPSize = strconv.Itoa(m.Topology.DPSize)
	j.Parallelism.PPSize = strconv.Itoa(m.Topology.PPSize)
	j.Parallelism.ExpertSize = strconv.Itoa(m.Topology.ExpertSize)

	if m.Offsets != nil {
		j.Configs.ParamNameToDPRankOffsets = make(map[string]map[string][]string, len(m.Offsets))
		for name, ranges := range m.Offsets {
			enc := make(map[string][]string, len(ranges))
			dps := make([]int, 0, len(ranges))
			for dp := range ranges {
				dps = append(dps, dp)
			}
			sort.Ints(dps)
			for _, dp := range dps {
				r := ranges[dp]
				enc[strconv.Itoa(dp)] = []string{strconv.Itoa(r.Start), strconv.Itoa(r.End)}
			}
			j.Configs.ParamNameToDPRankOffsets[name] = enc
		}
	}
	if m.ParamShapes != nil {
		j.Configs.OrigParamShapes = make(map[string][]string, len(m.ParamShapes))
		for name, shape := range m.ParamShapes {
			dims := make([]string, len(shape))
			for i, d := range shape {
				dims[i] = strconv.Itoa(d)
			}
			j.Configs.OrigParamShapes[name] = dims
		}
	}
	return j
}

func decodeManifest(path string, j *manifestJSON) (*Manifest, error) {
	atoi := func(field, s string) (int, error) {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, ErrManifestParse{Path: path, Reason: fmt.Sprintf("%s: %q is not an integer", field, s)}
		}
		return v, nil
	}

	m := &Manifest{}
	var err error
	if m.Topology.TPSize, err = atoi("tp_size", j.Parallelism.TPSize); err != nil {
		return nil, err
	}
	if m.Topology.DPSize, err = atoi("dp_size", j.Parallelism.DPSize); err != nil {
		return nil, err
	}
	if m.Topology.PPSize, err = atoi("pp_size", j.Parallelism.PPSize); err != nil {
		return nil, err
	}
	if m.Topology.ExpertSize, err = atoi("expert_parallel_size", j.Parallelism.ExpertSize); err != nil {
		return nil, err
	}

	switch j.Type {
	case optimizerTypeZeroSharded:
		m.Topology.Kind = topology.ZeroSharded
	case optimizerTypeReplicated:
		m.Topology.Kind = topology.Replicated
	default:
		return nil, ErrManifestParse{Path: path, Reason: fmt.Sprintf("unknown optimizer type %q", j.Type)}
	}
	if err := m.Topology.Validate(); err != nil {
		return nil, ErrManifestParse{Path: path, Reason: err.Error()}
	}

	if j.Configs.ParamNameToDPRankOffsets != nil {
		m.Offsets = make(shardmeta.OffsetTable, len(j.Configs.ParamNameToDPRankOffsets))
		for name, ranges := range j.Configs.ParamNameToDPRankOffsets {
			m.Offsets[name] = make(map[int]shardmeta.OffsetRange, len(ranges))
			for dpStr, pair := range ranges {
				dp, err := atoi("dp rank", dpStr)
				if err != nil {
					return nil, err
				}
				if len(pair) != 2 {
					return nil, ErrManifestParse{Path: path,
						Reason: fmt.Sprintf("offset range for %q dp %d has %d entries, want 2", name, dp, len(pair))}
				}
				start, err := atoi("offset start", pair[0])
				if err != nil {
					return nil, err
				}
				end, err := atoi("offset end", pair[1])
				if err != nil {
					return nil, err
				}
				m.Offsets[name][dp] = shardmeta.OffsetRange{Start: start, End: end}
			}
		}
	}
	if j.Configs.OrigParamShapes != nil {
		m.ParamShapes = make(map[string][]int, len(j.Configs.OrigParamShapes))
		for name, dims := range j.Configs.OrigParamShapes {
			shape := make([]int, len(dims))
			for i, s := range dims {
				d, err := atoi("orig shape dim", s)
				if err != nil {
					return nil, err
				}
				shape[i] = d
			}
			m.ParamShapes[name] = shape
		}
	}

	if m.Topology.Kind == topology.ZeroSharded && (m.Offsets == nil || m.ParamShapes == nil) {
		return nil, ErrManifestParse{Path: path, Reason: "ZeRO manifest missing offset table or original shapes"}
	}
	return m, nil
}

// WriteManifest writes the manifest into the store's optimizer directory.
func (s *Store) WriteManifest(m *Manifest) error {
	if err := s.EnsureDir(); err != nil {
		return err
	}
	data, err := json.Marshal(m.encode())
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	path := s.manifestPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadManifest reads and decodes the manifest of a checkpoint directory.
func (s *Store) ReadManifest() (*Manifest, error) {
	path := s.manifestPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrManifestParse{Path: path, Reason: err.Error()}
	}
	var j manifestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, ErrManifestParse{Path: path, Reason: err.Error()}
	}
	return decodeManifest(path, &j)
}
