package param

import "fmt"

// Parameter describes one logical model parameter as seen by the checkpoint
// engine: its unsharded shape, whether it is split across tensor-parallel
// ranks (and along which dimension), and whether its storage is tied to
// another parameter.
type Parameter struct {
	Name  string
	Shape []int

	Sharded  bool
	ShardDim int // split dimension, meaningful only when Sharded

	Tied   bool
	TiedTo string // canonical storage name, meaningful only when Tied
}

// NumElements returns the unsharded element count.
func (p Parameter) NumElements() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Provider exposes the parameters visible to the current process. The order
// of the returned slice defines the parameter index used in shard files, so
// it must be deterministic across processes of the same pipeline rank.
type Provider interface {
	Parameters() []Parameter
}

// ErrUnknownParameter reports a lookup for a name no parameter carries.
type ErrUnknownParameter struct{ Name string }

func (e ErrUnknownParameter) Error() string {
	return fmt.Sprintf("unknown parameter: %q", e.Name)
}

// TiedRegistry resolves parameter names to the canonical name that owns
// their physical storage. Resolution reaches a fixed point in at most one
// hop: a tied parameter points directly at its canonical owner, never at
// another tied parameter.
type TiedRegistry struct {
	canonical map[string]string
}

// NewTiedRegistry builds a registry from a parameter set. A tied parameter
// whose target is itself tied (a chain) is rejected, as is a tie to a name
// absent from the set.
func NewTiedRegistry(params []Parameter) (*TiedRegistry, error) {
	byName := make(map[string]Parameter, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	canonical := make(map[string]string, len(params))
	for _, p := range params {
		if !p.Tied || p.TiedTo == p.Name {
			canonical[p.Name] = p.Name
			continue
		}
		target, ok := byName[p.TiedTo]
		if !ok {
			return nil, fmt.Errorf("parameter %q tied to %w", p.Name, ErrUnknownParameter{Name: p.TiedTo})
		}
		if target.Tied && target.TiedTo != target.Name {
			return nil, fmt.Errorf("parameter %q tied to %q which is itself tied to %q (chains are not allowed)",
				p.Name, p.TiedTo, target.TiedTo)
		}
		canonical[p.Name] = p.TiedTo
	}
	return &TiedRegistry{canonical: canonical}, nil
}

// CanonicalName returns the storage name for any parameter name: the tied
// target for tied parameters, the name itself otherwise.
func (r *TiedRegistry) CanonicalName(name string) (string, error) {
	c, ok := r.canonical[name]
	if !ok {
		return "", ErrUnknownParameter{Name: name}
	}
	return c, nil
}

// StaticProvider is a Provider backed by a fixed slice.
type StaticProvider []Parameter

func (s StaticProvider) Parameters() []Parameter { return s }
