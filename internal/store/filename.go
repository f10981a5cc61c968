package store

import (
	"fmt"
	"path/filepath"

	"github.com/23skdu/longbow-caisson/internal/topology"
)

const (
	shardPrefix = "optimizer"
	shardExt    = ".arrow"
)

// ShardFileName encodes a rank coordinate and the topology sizes into a
// deterministic file name. ZeRO checkpoints carry a data-parallel segment
// because each DP rank owns a distinct partition; replicated checkpoints
// omit it.
func ShardFileName(coord topology.Coord, topo topology.Descriptor) string {
	if topo.Kind == topology.ZeroSharded {
		return fmt.Sprintf("%s_pp-%d-of-%d_dp-%d-of-%d_tp-%d-of-%d_exp-%d-of-%d%s",
			shardPrefix, coord.PP, topo.PPSize, coord.DP, topo.DPSize,
			coord.TP, topo.TPSize, coord.Expert, topo.ExpertSize, shardExt)
	}
	return fmt.Sprintf("%s_pp-%d-of-%d_tp-%d-of-%d_exp-%d-of-%d%s",
		shardPrefix, coord.PP, topo.PPSize, coord.TP, topo.TPSize,
		coord.Expert, topo.ExpertSize, shardExt)
}

// ShardGlobPattern returns the glob matching every shard file of a
// checkpoint topology. A loading process rarely maps one-to-one onto the
// saving processes, so enumeration always goes through the manifest sizes.
func ShardGlobPattern(topo topology.Descriptor) string {
	if topo.Kind == topology.ZeroSharded {
		return fmt.Sprintf("%s_pp-*-of-%d_dp-*-of-%d_tp-*-of-%d_exp-*-of-%d%s",
			shardPrefix, topo.PPSize, topo.DPSize, topo.TPSize, topo.ExpertSize, shardExt)
	}
	return fmt.Sprintf("%s_pp-*-of-%d_tp-*-of-%d_exp-*-of-%d%s",
		shardPrefix, topo.PPSize, topo.TPSize, topo.ExpertSize, shardExt)
}

// ParseShardPath recovers the rank coordinate from a shard file path written
// for the given topology.
func ParseShardPath(path string, topo topology.Descriptor) (topology.Coord, error) {
	base := filepath.Base(path)
	var c topology.Coord
	var ppSize, dpSize, tpSize, expSize int
	if topo.Kind == topology.ZeroSharded {
		n, err := fmt.Sscanf(base, shardPrefix+"_pp-%d-of-%d_dp-%d-of-%d_tp-%d-of-%d_exp-%d-of-%d"+shardExt,
			&c.PP, &ppSize, &c.DP, &dpSize, &c.TP, &tpSize, &c.Expert, &expSize)
		if err != nil || n != 8 {
			return topology.Coord{}, fmt.Errorf("cannot parse shard file name %q: %v", base, err)
		}
	} else {
		n, err := fmt.Sscanf(base, shardPrefix+"_pp-%d-of-%d_tp-%d-of-%d_exp-%d-of-%d"+shardExt,
			&c.PP, &ppSize, &c.TP, &tpSize, &c.Expert, &expSize)
		if err != nil || n != 6 {
			return topology.Coord{}, fmt.Errorf("cannot parse shard file name %q: %v", base, err)
		}
	}
	if !topo.Contains(c) {
		return topology.Coord{}, fmt.Errorf("shard file %q coordinate %v outside topology", base, c)
	}
	return c, nil
}
