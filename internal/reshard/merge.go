package reshard

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-caisson/internal/shardmeta"
	"github.com/23skdu/longbow-caisson/internal/tensor"
	"github.com/23skdu/longbow-caisson/internal/topology"
)

// TPContribution is one saved shard's slice of a parameter, tagged with the
// coordinate it came from.
type TPContribution struct {
	Coord topology.Coord
	Slice shardmeta.SliceDescriptor
	Data  *tensor.Tensor
}

func sliceExtent(s shardmeta.SliceDescriptor, shape []int) ([]int, int, int, int, error) {
	if len(s.Ranges) != 1 {
		return nil, 0, 0, 0, fmt.Errorf("expected a single-dimension slice, got %d ranges", len(s.Ranges))
	}
	r := s.Ranges[0]
	if r.Dim < 0 || r.Dim >= len(shape) {
		return nil, 0, 0, 0, fmt.Errorf("slice dim %d out of range for shape %v", r.Dim, shape)
	}
	extent := append([]int(nil), shape...)
	extent[r.Dim] = r.End - r.Start
	return extent, r.Dim, r.Start, r.End, nil
}

// MergeTP assembles an unsharded buffer of the given shape from saved
// tensor-parallel slices. It is a pure function: contributions in, merged
// value or error out. Every element must be written exactly once; a
// duplicate of an identical range is tolerated only if it carries identical
// data (a tied parameter replicated across pipeline stages), anything else
// is incomplete or overlapping coverage.
func MergeTP(name string, shape []int, contribs []TPContribution) (*tensor.Tensor, error) {
	out := tensor.New(shape...)
	type rangeKey struct{ dim, start, end int }
	seen := make(map[rangeKey]*tensor.Tensor)
	covered := 0

	sorted := append([]TPContribution(nil), contribs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Slice.Ranges[0].Start != sorted[j].Slice.Ranges[0].Start {
			return sorted[i].Slice.Ranges[0].Start < sorted[j].Slice.Ranges[0].Start
		}
		return sorted[i].Coord.PP < sorted[j].Coord.PP
	})

	for _, c := range sorted {
		extent, dim, start, end, err := sliceExtent(c.Slice, shape)
		if err != nil {
			return nil, fmt.Errorf("parameter %q shard %v: %w", name, c.Coord, err)
		}
		if len(c.Data.Shape) != len(extent) {
			return nil, fmt.Errorf("parameter %q shard %v: tensor shape %v does not match declared slice extent %v",
				name, c.Coord, c.Data.Shape, extent)
		}
		for i := range extent {
			if c.Data.Shape[i] != extent[i] {
				return nil, fmt.Errorf("parameter %q shard %v: tensor shape %v does not match declared slice extent %v",
					name, c.Coord, c.Data.Shape, extent)
			}
		}

		key := rangeKey{dim, start, end}
		if prev, ok := seen[key]; ok {
			if !prev.Equal(c.Data) {
				return nil, shardmeta.ErrIncompleteShardCoverage{
					Name:   name,
					Detail: fmt.Sprintf("replicas of range [%d:%d) on dim %d disagree", start, end, dim),
				}
			}
			continue
		}
		for k := range seen {
			if k.dim == dim && start < k.end && k.start < end {
				return nil, shardmeta.ErrIncompleteShardCoverage{
					Name:   name,
					Detail: fmt.Sprintf("range [%d:%d) overlaps [%d:%d) on dim %d", start, end, k.start, k.end, dim),
				}
			}
		}
		if err := out.SetSliceDim(dim, start, c.Data); err != nil {
			return nil, fmt.Errorf("parameter %q shard %v: %w", name, c.Coord, err)
		}
		seen[key] = c.Data
		covered += c.Data.NumElements()
	}

	if covered != out.NumElements() {
		return nil, shardmeta.ErrIncompleteShardCoverage{
			Name:   name,
			Detail: fmt.Sprintf("shards cover %d of %d elements", covered, out.NumElements()),
		}
	}
	return out, nil
}

// MergeZeroFlat assembles a full flat buffer of numel elements from per
// data-parallel-rank partitions. The offset ranges must partition [0,
// numel) exactly and each listed rank must contribute a tensor of exactly
// its range's length.
func MergeZeroFlat(name string, numel int, parts map[int]*tensor.Tensor, offsets map[int]shardmeta.OffsetRange) (*tensor.Tensor, error) {
	if err := (shardmeta.OffsetTable{name: offsets}).Validate(map[string]int{name: numel}); err != nil {
		return nil, err
	}
	out := tensor.New(numel)
	for dp, r := range offsets {
		part, ok := parts[dp]
		if !ok {
			return nil, shardmeta.ErrIncompleteShardCoverage{
				Name:   name,
				Detail: fmt.Sprintf("no shard holds dp rank %d's range [%d,%d)", dp, r.Start, r.End),
			}
		}
		if part.NumElements() != r.Len() {
			return nil, fmt.Errorf("parameter %q dp rank %d: tensor holds %d elements but range [%d,%d) declares %d",
				name, dp, part.NumElements(), r.Start, r.End, r.Len())
		}
		copy(out.Data[r.Start:r.End], part.Data)
	}
	return out, nil
}

// SliceFlat copies out [r.Start, r.End) of a flat buffer.
func SliceFlat(t *tensor.Tensor, r shardmeta.OffsetRange) (*tensor.Tensor, error) {
	if r.Start < 0 || r.End > t.NumElements() || r.Start >= r.End {
		return nil, fmt.Errorf("flat slice [%d,%d) out of range for %d elements", r.Start, r.End, t.NumElements())
	}
	data := make([]float32, r.Len())
	copy(data, t.Data[r.Start:r.End])
	return &tensor.Tensor{Shape: []int{r.Len()}, Data: data}, nil
}
