package reshard

import (
	"fmt"

	"github.com/23skdu/longbow-caisson/internal/param"
	"github.com/23skdu/longbow-caisson/internal/shardmeta"
	"github.com/23skdu/longbow-caisson/internal/topology"
)

// ErrUnsupportedTopologyTransition reports a saved-to-current topology pair
// the engines refuse to reshard across.
type ErrUnsupportedTopologyTransition struct{ Reason string }

func (e ErrUnsupportedTopologyTransition) Error() string {
	return fmt.Sprintf("unsupported topology transition: %s", e.Reason)
}

// Context carries everything a reshard needs as an explicit value: the saved
// and current topologies, the current process's coordinate and visible
// parameters, the tied-name registry, the shard metadata of both layouts,
// and the ZeRO tables from the manifest. Nothing is read from ambient
// globals.
type Context struct {
	Saved   topology.Descriptor
	Current topology.Descriptor
	Rank    topology.Coord

	// Parameters visible to this process; slice order defines the new
	// parameter index.
	Params []param.Parameter
	Tied   *param.TiedRegistry

	SavedMeta   *shardmeta.Metadata
	CurrentMeta *shardmeta.Metadata

	// ZeRO checkpoints only: the flattened per-parameter shapes and the
	// saved dp-rank offset table, both from the manifest.
	SavedShapes  map[string][]int
	SavedOffsets shardmeta.OffsetTable

	// Current process's offset assignment when the running optimizer is
	// ZeRO-sharded, computed by the external partition policy under the
	// current dp size.
	CurrentOffsets shardmeta.OffsetTable
}

// savedShape returns the pre-flatten shape recorded in the manifest for a
// parameter, trying the storage name first and the logical name second (a
// tied parameter's shape can be recorded under either).
func (c *Context) savedShape(storageName, logicalName string) ([]int, error) {
	if shape, ok := c.SavedShapes[storageName]; ok {
		return shape, nil
	}
	if shape, ok := c.SavedShapes[logicalName]; ok {
		return shape, nil
	}
	return nil, fmt.Errorf("manifest has no original shape for parameter %q", storageName)
}

// PPTP keys shards of a replicated checkpoint (or of a ZeRO checkpoint after
// its data-parallel shards have been merged).
type PPTP struct {
	PP int
	TP int
}

// TPDP keys shards of a ZeRO checkpoint within one pipeline stage.
type TPDP struct {
	TP int
	DP int
}
