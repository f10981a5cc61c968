package shardmeta

import (
	"fmt"

	"github.com/23skdu/longbow-caisson/internal/param"
	"github.com/23skdu/longbow-caisson/internal/topology"
)

// DimRange is a half-open slice [Start, End) of one dimension of an
// unsharded tensor.
type DimRange struct {
	Dim   int
	Start int
	End   int
}

// SliceDescriptor says which part of a logical tensor a shard holds. For
// tensor-parallel sharding it is a list of dimension ranges; for ZeRO
// sharding it is a single flat element range over the flattened tensor.
type SliceDescriptor struct {
	Ranges []DimRange

	Flat      bool
	FlatStart int
	FlatEnd   int
}

// Error types

type ErrCoordinateOutOfRange struct {
	Coord  topology.Coord
	Bounds topology.Descriptor
}

func (e ErrCoordinateOutOfRange) Error() string {
	return fmt.Sprintf("rank coordinate %v outside topology pp=%d tp=%d dp=%d exp=%d",
		e.Coord, e.Bounds.PPSize, e.Bounds.TPSize, e.Bounds.DPSize, e.Bounds.ExpertSize)
}

type ErrMissingShardMetadata struct {
	Name string
	PP   int
	TP   int
}

func (e ErrMissingShardMetadata) Error() string {
	return fmt.Sprintf("missing shard metadata for parameter %q at pp=%d tp=%d", e.Name, e.PP, e.TP)
}

type ErrIncompleteShardCoverage struct {
	Name   string
	Detail string
}

func (e ErrIncompleteShardCoverage) Error() string {
	return fmt.Sprintf("incomplete shard coverage for parameter %q: %s", e.Name, e.Detail)
}

// ParamMeta records how one parameter was laid out at a given topology: its
// unsharded shape, the pipeline rank that recorded the metadata (which can
// differ from the rank holding a tied parameter's data), and the per
// tensor-parallel-rank slices if the parameter is sharded.
type ParamMeta struct {
	UnshardedShape []int
	Sharded        bool
	ShardDim       int
	MetaPP         int // pipeline rank that owns this parameter's metadata

	slices []SliceDescriptor // indexed by tp rank, nil if not sharded
}

// Metadata maps parameter storage names to their layout at one topology.
type Metadata struct {
	topo   topology.Descriptor
	params map[string]*ParamMeta
}

// New returns empty metadata bound to a topology.
func New(topo topology.Descriptor) *Metadata {
	return &Metadata{topo: topo, params: make(map[string]*ParamMeta)}
}

// Topology returns the topology the metadata was built for.
func (m *Metadata) Topology() topology.Descriptor { return m.topo }

// AddUnsharded records a replicated (non-sharded) parameter.
func (m *Metadata) AddUnsharded(name string, shape []int, metaPP int) {
	m.params[name] = &ParamMeta{
		UnshardedShape: append([]int(nil), shape...),
		MetaPP:         metaPP,
	}
}

// AddContiguousSplit records a parameter split along dim into tpSize equal
// contiguous chunks. A non-divisible dimension is an error, never a silent
// truncation.
func (m *Metadata) AddContiguousSplit(name string, shape []int, dim, metaPP int) error {
	slices, err := ContiguousSplit(shape, dim, m.topo.TPSize)
	if err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}
	m.params[name] = &ParamMeta{
		UnshardedShape: append([]int(nil), shape...),
		Sharded:        true,
		ShardDim:       dim,
		MetaPP:         metaPP,
		slices:         slices,
	}
	return nil
}

// Lookup returns the recorded layout for a storage name. A name with no
// entry at all is an unknown parameter, not a missing-rank condition.
func (m *Metadata) Lookup(name string) (*ParamMeta, error) {
	pm, ok := m.params[name]
	if !ok {
		return nil, param.ErrUnknownParameter{Name: name}
	}
	return pm, nil
}

// SliceFor returns the slice of the unsharded tensor held by the shard at
// coord. Non-sharded parameters yield a descriptor covering the full shape.
func (m *Metadata) SliceFor(name string, coord topology.Coord) (SliceDescriptor, error) {
	pm, ok := m.params[name]
	if !ok {
		return SliceDescriptor{}, param.ErrUnknownParameter{Name: name}
	}
	if !m.topo.Contains(coord) {
		return SliceDescriptor{}, ErrCoordinateOutOfRange{Coord: coord, Bounds: m.topo}
	}
	if !pm.Sharded {
		full := make([]DimRange, len(pm.UnshardedShape))
		for i, d := range pm.UnshardedShape {
			full[i] = DimRange{Dim: i, Start: 0, End: d}
		}
		return SliceDescriptor{Ranges: full}, nil
	}
	return pm.slices[coord.TP], nil
}

// ContiguousSplit computes the tensor-parallel slice descriptors for a shape
// split along dim into tpSize equal chunks.
func ContiguousSplit(shape []int, dim, tpSize int) ([]SliceDescriptor, error) {
	if dim < 0 || dim >= len(shape) {
		return nil, fmt.Errorf("shard dim %d out of range for shape %v", dim, shape)
	}
	if tpSize <= 0 {
		return nil, fmt.Errorf("invalid tp_size: %d (must be positive)", tpSize)
	}
	if shape[dim]%tpSize != 0 {
		return nil, fmt.Errorf("dim %d of shape %v not divisible by tp_size %d", dim, shape, tpSize)
	}
	chunk := shape[dim] / tpSize
	out := make([]SliceDescriptor, tpSize)
	for tp := 0; tp < tpSize; tp++ {
		out[tp] = SliceDescriptor{Ranges: []DimRange{{Dim: dim, Start: tp * chunk, End: (tp + 1) * chunk}}}
	}
	return out, nil
}
