package topology

import "fmt"

// OptimizerKind distinguishes replicated optimizer state from ZeRO-1
// partitioned state. Dispatch is always on this tag, never on runtime type
// probing.
type OptimizerKind int

const (
	Replicated OptimizerKind = iota
	ZeroSharded
)

func (k OptimizerKind) String() string {
	switch k {
	case Replicated:
		return "Replicated"
	case ZeroSharded:
		return "ZeroSharded"
	default:
		return fmt.Sprintf("UNKNOWN_KIND_%d", int(k))
	}
}

// Descriptor is the parallelism topology of a checkpoint or a running
// process: tensor-parallel, pipeline-parallel, data-parallel and expert
// sizes, plus the optimizer sharding mode.
type Descriptor struct {
	TPSize     int
	PPSize     int
	DPSize     int
	ExpertSize int
	Kind       OptimizerKind
}

// Coord identifies one process within a Descriptor.
type Coord struct {
	PP     int
	TP     int
	DP     int
	Expert int
}

func (c Coord) String() string {
	return fmt.Sprintf("(pp=%d tp=%d dp=%d exp=%d)", c.PP, c.TP, c.DP, c.Expert)
}

// WorldSize returns the total process count.
func (d Descriptor) WorldSize() int {
	return d.TPSize * d.PPSize * d.DPSize * d.ExpertSize
}

func (d Descriptor) Validate() error {
	if d.TPSize <= 0 {
		return fmt.Errorf("invalid tp_size: %d (must be positive)", d.TPSize)
	}
	if d.PPSize <= 0 {
		return fmt.Errorf("invalid pp_size: %d (must be positive)", d.PPSize)
	}
	if d.DPSize <= 0 {
		return fmt.Errorf("invalid dp_size: %d (must be positive)", d.DPSize)
	}
	if d.ExpertSize <= 0 {
		return fmt.Errorf("invalid expert_parallel_size: %d (must be positive)", d.ExpertSize)
	}
	return nil
}

// Contains reports whether c is a valid coordinate within d.
func (d Descriptor) Contains(c Coord) bool {
	return c.PP >= 0 && c.PP < d.PPSize &&
		c.TP >= 0 && c.TP < d.TPSize &&
		c.DP >= 0 && c.DP < d.DPSize &&
		c.Expert >= 0 && c.Expert < d.ExpertSize
}

// SameModelParallelism reports whether the TP, PP and expert axes match.
func (d Descriptor) SameModelParallelism(o Descriptor) bool {
	return d.TPSize == o.TPSize && d.PPSize == o.PPSize && d.ExpertSize == o.ExpertSize
}

// Equal reports whether every axis and the optimizer kind match.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.SameModelParallelism(o) && d.DPSize == o.DPSize && d.Kind == o.Kind
}
