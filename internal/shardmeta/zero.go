package shardmeta

import (
	"fmt"
	"sort"
)

// OffsetRange is a half-open [Start, End) element range of a flattened
// parameter's optimizer state owned by one data-parallel rank.
type OffsetRange struct {
	Start int
	End   int
}

func (r OffsetRange) Len() int { return r.End - r.Start }

// OffsetTable maps parameter name -> data-parallel rank -> owned flat range.
// The partition policy that produces it is external; the table is consumed
// as-is.
type OffsetTable map[string]map[int]OffsetRange

// Validate checks that, for every parameter with a known element count, the
// ranges across all data-parallel ranks partition [0, numel) exactly: no
// gap, no overlap.
func (t OffsetTable) Validate(sizes map[string]int) error {
	for name, numel := range sizes {
		ranges, ok := t[name]
		if !ok {
			return ErrIncompleteShardCoverage{Name: name, Detail: "no offset ranges recorded"}
		}
		flat := make([]OffsetRange, 0, len(ranges))
		for _, r := range ranges {
			if r.Start < 0 || r.End > numel || r.Start > r.End {
				return ErrIncompleteShardCoverage{
					Name:   name,
					Detail: fmt.Sprintf("range [%d,%d) outside [0,%d)", r.Start, r.End, numel),
				}
			}
			flat = append(flat, r)
		}
		sort.Slice(flat, func(i, j int) bool { return flat[i].Start < flat[j].Start })
		pos := 0
		for _, r := range flat {
			if r.Start > pos {
				return ErrIncompleteShardCoverage{
					Name:   name,
					Detail: fmt.Sprintf("gap [%d,%d)", pos, r.Start),
				}
			}
			if r.Start < pos {
				return ErrIncompleteShardCoverage{
					Name:   name,
					Detail: fmt.Sprintf("overlap at %d (range [%d,%d))", r.Start, r.Start, r.End),
				}
			}
			pos = r.End
		}
		if pos != numel {
			return ErrIncompleteShardCoverage{
				Name:   name,
				Detail: fmt.Sprintf("gap [%d,%d)", pos, numel),
			}
		}
	}
	return nil
}

// Partition splits [0, numel) into dpSize contiguous balanced ranges, the
// first numel%dpSize ranges one element longer. This is the default
// partition policy used to compute the current process's offsets when the
// checkpoint does not dictate them.
func Partition(numel, dpSize int) []OffsetRange {
	out := make([]OffsetRange, dpSize)
	base := numel / dpSize
	rem := numel % dpSize
	pos := 0
	for dp := 0; dp < dpSize; dp++ {
		n := base
		if dp < rem {
			n++
		}
		out[dp] = OffsetRange{Start: pos, End: pos + n}
		pos += n
	}
	return out
}

// PartitionTable builds a full OffsetTable for a parameter-size map under
// dpSize data-parallel ranks using Partition.
func PartitionTable(sizes map[string]int, dpSize int) OffsetTable {
	t := make(OffsetTable, len(sizes))
	for name, numel := range sizes {
		ranges := Partition(numel, dpSize)
		t[name] = make(map[int]OffsetRange, dpSize)
		for dp, r := range ranges {
			t[name][dp] = r
		}
	}
	return t
}
