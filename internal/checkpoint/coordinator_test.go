package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/23skdu/longbow-caisson/internal/param"
	"github.com/23skdu/longbow-caisson/internal/reshard"
	"github.com/23skdu/longbow-caisson/internal/shardmeta"
	"github.com/23skdu/longbow-caisson/internal/store"
	"github.com/23skdu/longbow-caisson/internal/tensor"
	"github.com/23skdu/longbow-caisson/internal/topology"
)

func seq(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func buildMeta(t *testing.T, topo topology.Descriptor, params []param.Parameter) *shardmeta.Metadata {
	t.Helper()
	m := shardmeta.New(topo)
	for _, p := range params {
		if p.Tied {
			continue
		}
		if p.Sharded {
			if err := m.AddContiguousSplit(p.Name, p.Shape, p.ShardDim, 0); err != nil {
				t.Fatalf("metadata for %q: %v", p.Name, err)
			}
		} else {
			m.AddUnsharded(p.Name, p.Shape, 0)
		}
	}
	return m
}

// localState builds the optimizer state one rank of a replicated run holds.
func localState(t *testing.T, topo topology.Descriptor, rank topology.Coord, full map[string]*tensor.Tensor, params []param.Parameter, step float32) *store.ShardState {
	t.Helper()
	sh := store.NewShardState()
	for idx, p := range params {
		src := full[p.Name]
		local := src.Clone()
		if p.Sharded {
			chunk := p.Shape[p.ShardDim] / topo.TPSize
			var err error
			local, err = src.SliceDim(p.ShardDim, rank.TP*chunk, (rank.TP+1)*chunk)
			if err != nil {
				t.Fatalf("slice %q: %v", p.Name, err)
			}
		}
		sh.Names[idx] = p.Name
		sh.State[idx] = store.ParamState{
			store.MomentOne: local,
			store.MomentTwo: local.Clone(),
			store.Step:      tensor.Scalar(step),
		}
	}
	return sh
}

func newCoord(t *testing.T, root string, topo topology.Descriptor, rank topology.Coord, params []param.Parameter, currentMeta, savedMeta *shardmeta.Metadata) *Coordinator {
	t.Helper()
	c, err := New(root, topo, rank, param.StaticProvider(params), currentMeta, savedMeta, nil)
	if err != nil {
		t.Fatalf("coordinator pp=%d tp=%d dp=%d: %v", rank.PP, rank.TP, rank.DP, err)
	}
	return c
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	topo := topology.Descriptor{TPSize: 2, PPSize: 1, DPSize: 1, ExpertSize: 1}
	params := []param.Parameter{
		{Name: "attn.qkv_proj.weight", Shape: []int{768, 256}, Sharded: true, ShardDim: 0},
		{Name: "ln.bias", Shape: []int{256}},
	}
	full := map[string]*tensor.Tensor{
		"attn.qkv_proj.weight": seq(768, 256),
		"ln.bias":              seq(256),
	}
	meta := buildMeta(t, topo, params)
	ctx := context.Background()

	saved := make(map[int]*store.ShardState, topo.TPSize)
	for tp := 0; tp < topo.TPSize; tp++ {
		rank := topology.Coord{TP: tp}
		st := localState(t, topo, rank, full, params, 100)
		saved[tp] = st
		c := newCoord(t, root, topo, rank, params, meta, nil)
		if err := c.Save(ctx, st); err != nil {
			t.Fatalf("save tp %d: %v", tp, err)
		}
		if c.State() != Complete {
			t.Fatalf("save tp %d: state %s, want Complete", tp, c.State())
		}
	}

	for tp := 0; tp < topo.TPSize; tp++ {
		c := newCoord(t, root, topo, topology.Coord{TP: tp}, params, meta, nil)
		got, err := c.Load(ctx)
		if err != nil {
			t.Fatalf("load tp %d: %v", tp, err)
		}
		if c.State() != Complete {
			t.Fatalf("load tp %d: state %s, want Complete", tp, c.State())
		}
		want := saved[tp]
		for idx := range want.State {
			for key, tn := range want.State[idx] {
				if !got.State[idx][key].Equal(tn) {
					t.Errorf("tp %d param %d state %v changed across save/load", tp, idx, key)
				}
			}
		}
	}
}

func TestLoadTensorParallelWiden(t *testing.T) {
	root := t.TempDir()
	savedTopo := topology.Descriptor{TPSize: 2, PPSize: 1, DPSize: 1, ExpertSize: 1}
	curTopo := topology.Descriptor{TPSize: 4, PPSize: 1, DPSize: 1, ExpertSize: 1}
	params := []param.Parameter{
		{Name: "attn.qkv_proj.weight", Shape: []int{768, 256}, Sharded: true, ShardDim: 0},
		{Name: "ln.bias", Shape: []int{256}},
	}
	full := map[string]*tensor.Tensor{
		"attn.qkv_proj.weight": seq(768, 256),
		"ln.bias":              seq(256),
	}
	savedMeta := buildMeta(t, savedTopo, params)
	curMeta := buildMeta(t, curTopo, params)
	ctx := context.Background()

	for tp := 0; tp < savedTopo.TPSize; tp++ {
		rank := topology.Coord{TP: tp}
		c := newCoord(t, root, savedTopo, rank, params, savedMeta, nil)
		if err := c.Save(ctx, localState(t, savedTopo, rank, full, params, 77)); err != nil {
			t.Fatalf("save tp %d: %v", tp, err)
		}
	}

	for tp := 0; tp < curTopo.TPSize; tp++ {
		c := newCoord(t, root, curTopo, topology.Coord{TP: tp}, params, curMeta, savedMeta)
		got, err := c.Load(ctx)
		if err != nil {
			t.Fatalf("load tp %d: %v", tp, err)
		}
		want, err := full["attn.qkv_proj.weight"].SliceDim(0, tp*192, (tp+1)*192)
		if err != nil {
			t.Fatalf("want slice: %v", err)
		}
		if !got.State[0][store.MomentOne].Equal(want) {
			t.Errorf("tp %d: resharded first moment is wrong", tp)
		}
		if !got.State[0][store.Step].Equal(tensor.Scalar(77)) {
			t.Errorf("tp %d: step not carried", tp)
		}
		if !got.State[1][store.MomentOne].Equal(full["ln.bias"]) {
			t.Errorf("tp %d: replicated bias is wrong", tp)
		}
	}
}

func TestLoadZeroDataParallelNarrow(t *testing.T) {
	root := t.TempDir()
	savedTopo := topology.Descriptor{TPSize: 1, PPSize: 1, DPSize: 4, ExpertSize: 1, Kind: topology.ZeroSharded}
	curTopo := topology.Descriptor{TPSize: 1, PPSize: 1, DPSize: 2, ExpertSize: 1, Kind: topology.ZeroSharded}
	params := []param.Parameter{{Name: "w", Shape: []int{100, 4}, Sharded: true, ShardDim: 0}}
	meta := buildMeta(t, savedTopo, params)
	full := seq(400)
	ctx := context.Background()

	// Each saved dp rank holds its flat quarter of the 400-element state.
	for dp := 0; dp < savedTopo.DPSize; dp++ {
		rank := topology.Coord{DP: dp}
		part, err := reshard.SliceFlat(full, shardmeta.OffsetRange{Start: dp * 100, End: (dp + 1) * 100})
		if err != nil {
			t.Fatalf("part dp %d: %v", dp, err)
		}
		sh := store.NewShardState()
		sh.Names[0] = "w"
		sh.State[0] = store.ParamState{
			store.MomentOne: part,
			store.MomentTwo: part.Clone(),
			store.Step:      tensor.Scalar(12),
		}
		c := newCoord(t, root, savedTopo, rank, params, meta, nil)
		if err := c.Save(ctx, sh); err != nil {
			t.Fatalf("save dp %d: %v", dp, err)
		}
	}

	for dp := 0; dp < curTopo.DPSize; dp++ {
		c := newCoord(t, root, curTopo, topology.Coord{DP: dp}, params, meta, meta)
		got, err := c.Load(ctx)
		if err != nil {
			t.Fatalf("load dp %d: %v", dp, err)
		}
		want, err := reshard.SliceFlat(full, shardmeta.OffsetRange{Start: dp * 200, End: (dp + 1) * 200})
		if err != nil {
			t.Fatalf("want slice: %v", err)
		}
		if !got.State[0][store.MomentOne].Equal(want) {
			t.Errorf("dp %d: first moment partition is wrong", dp)
		}
		if !got.State[0][store.Step].Equal(tensor.Scalar(12)) {
			t.Errorf("dp %d: step not carried", dp)
		}
	}
}

func TestSaveRecordsCallerOffsetTable(t *testing.T) {
	root := t.TempDir()
	savedTopo := topology.Descriptor{TPSize: 1, PPSize: 1, DPSize: 2, ExpertSize: 1, Kind: topology.ZeroSharded}
	curTopo := topology.Descriptor{TPSize: 1, PPSize: 1, DPSize: 1, ExpertSize: 1, Kind: topology.ZeroSharded}
	params := []param.Parameter{{Name: "w", Shape: []int{100, 4}, Sharded: true, ShardDim: 0}}
	meta := buildMeta(t, savedTopo, params)
	full := seq(400)
	ctx := context.Background()

	// An uneven partition from an external policy.
	custom := shardmeta.OffsetTable{"w": {0: {Start: 0, End: 150}, 1: {Start: 150, End: 400}}}
	for dp := 0; dp < savedTopo.DPSize; dp++ {
		r := custom["w"][dp]
		part, err := reshard.SliceFlat(full, r)
		if err != nil {
			t.Fatalf("part dp %d: %v", dp, err)
		}
		sh := store.NewShardState()
		sh.Names[0] = "w"
		sh.State[0] = store.ParamState{store.MomentOne: part, store.MomentTwo: part.Clone()}
		c := newCoord(t, root, savedTopo, topology.Coord{DP: dp}, params, meta, nil)
		c.SetOffsetTable(custom)
		if err := c.Save(ctx, sh); err != nil {
			t.Fatalf("save dp %d: %v", dp, err)
		}
	}

	m, err := store.New(root).ReadManifest()
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	for dp, want := range custom["w"] {
		if got := m.Offsets["w"][dp]; got != want {
			t.Errorf("manifest offset dp %d = %v, want %v", dp, got, want)
		}
	}

	// The uneven saved partition merges back correctly on load.
	c := newCoord(t, root, curTopo, topology.Coord{}, params, meta, meta)
	got, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.State[0][store.MomentOne].Equal(full) {
		t.Error("merged state differs from the original buffer")
	}
}

func TestSaveRejectsBadOffsetTable(t *testing.T) {
	root := t.TempDir()
	topo := topology.Descriptor{TPSize: 1, PPSize: 1, DPSize: 2, ExpertSize: 1, Kind: topology.ZeroSharded}
	params := []param.Parameter{{Name: "w", Shape: []int{100, 4}, Sharded: true, ShardDim: 0}}
	meta := buildMeta(t, topo, params)

	c := newCoord(t, root, topo, topology.Coord{}, params, meta, nil)
	// Gap [150,200): does not cover the 400 elements.
	c.SetOffsetTable(shardmeta.OffsetTable{"w": {0: {Start: 0, End: 150}, 1: {Start: 200, End: 400}}})
	sh := store.NewShardState()
	sh.Names[0] = "w"
	sh.State[0] = store.ParamState{store.MomentOne: seq(150)}
	err := c.Save(context.Background(), sh)
	var covErr shardmeta.ErrIncompleteShardCoverage
	if !errors.As(err, &covErr) {
		t.Fatalf("expected ErrIncompleteShardCoverage, got %v", err)
	}
	if c.State() != Failed {
		t.Errorf("state %s, want Failed", c.State())
	}
}

func TestLoadOptimizerKindMismatch(t *testing.T) {
	root := t.TempDir()
	savedTopo := topology.Descriptor{TPSize: 1, PPSize: 1, DPSize: 1, ExpertSize: 1}
	params := []param.Parameter{{Name: "ln.bias", Shape: []int{8}}}
	meta := buildMeta(t, savedTopo, params)
	ctx := context.Background()

	c := newCoord(t, root, savedTopo, topology.Coord{}, params, meta, nil)
	if err := c.Save(ctx, localState(t, savedTopo, topology.Coord{}, map[string]*tensor.Tensor{"ln.bias": seq(8)}, params, 1)); err != nil {
		t.Fatalf("save: %v", err)
	}

	zeroTopo := savedTopo
	zeroTopo.Kind = topology.ZeroSharded
	c2 := newCoord(t, root, zeroTopo, topology.Coord{}, params, meta, nil)
	_, err := c2.Load(ctx)
	var transErr reshard.ErrUnsupportedTopologyTransition
	if !errors.As(err, &transErr) {
		t.Fatalf("expected ErrUnsupportedTopologyTransition, got %v", err)
	}
	if c2.State() != Failed {
		t.Errorf("state %s, want Failed", c2.State())
	}
}

func TestLoadSimultaneousTPAndDPChangeUnderZero(t *testing.T) {
	root := t.TempDir()
	savedTopo := topology.Descriptor{TPSize: 1, PPSize: 1, DPSize: 4, ExpertSize: 1, Kind: topology.ZeroSharded}
	curTopo := topology.Descriptor{TPSize: 2, PPSize: 1, DPSize: 2, ExpertSize: 1, Kind: topology.ZeroSharded}
	params := []param.Parameter{{Name: "w", Shape: []int{100, 4}, Sharded: true, ShardDim: 0}}
	meta := buildMeta(t, savedTopo, params)
	full := seq(400)
	ctx := context.Background()

	for dp := 0; dp < savedTopo.DPSize; dp++ {
		part, err := reshard.SliceFlat(full, shardmeta.OffsetRange{Start: dp * 100, End: (dp + 1) * 100})
		if err != nil {
			t.Fatalf("part dp %d: %v", dp, err)
		}
		sh := store.NewShardState()
		sh.Names[0] = "w"
		sh.State[0] = store.ParamState{store.MomentOne: part, store.MomentTwo: part.Clone()}
		c := newCoord(t, root, savedTopo, topology.Coord{DP: dp}, params, meta, nil)
		if err := c.Save(ctx, sh); err != nil {
			t.Fatalf("save dp %d: %v", dp, err)
		}
	}

	curMeta := buildMeta(t, curTopo, params)
	c := newCoord(t, root, curTopo, topology.Coord{}, params, curMeta, meta)
	_, err := c.Load(ctx)
	var transErr reshard.ErrUnsupportedTopologyTransition
	if !errors.As(err, &transErr) {
		t.Fatalf("expected ErrUnsupportedTopologyTransition, got %v", err)
	}
	if c.State() != Failed {
		t.Errorf("state %s, want Failed", c.State())
	}
}

func TestCoordinatorIsSingleUse(t *testing.T) {
	root := t.TempDir()
	topo := topology.Descriptor{TPSize: 1, PPSize: 1, DPSize: 1, ExpertSize: 1}
	params := []param.Parameter{{Name: "ln.bias", Shape: []int{8}}}
	meta := buildMeta(t, topo, params)
	full := map[string]*tensor.Tensor{"ln.bias": seq(8)}
	ctx := context.Background()

	c := newCoord(t, root, topo, topology.Coord{}, params, meta, nil)
	st := localState(t, topo, topology.Coord{}, full, params, 1)
	if err := c.Save(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.Save(ctx, st); err == nil {
		t.Fatal("expected second save on a Complete coordinator to fail")
	}
	if c.State() != Failed {
		t.Errorf("state %s, want Failed", c.State())
	}
	// Failed is terminal.
	if _, err := c.Load(ctx); err == nil {
		t.Fatal("expected load on a Failed coordinator to fail")
	}
	if c.State() != Failed {
		t.Errorf("state %s, want Failed to latch", c.State())
	}
}

func TestLoadMissingManifest(t *testing.T) {
	topo := topology.Descriptor{TPSize: 1, PPSize: 1, DPSize: 1, ExpertSize: 1}
	params := []param.Parameter{{Name: "ln.bias", Shape: []int{8}}}
	meta := buildMeta(t, topo, params)

	c := newCoord(t, t.TempDir(), topo, topology.Coord{}, params, meta, nil)
	_, err := c.Load(context.Background())
	var parse store.ErrManifestParse
	if !errors.As(err, &parse) {
		t.Fatalf("expected ErrManifestParse, got %v", err)
	}
	if c.State() != Failed {
		t.Errorf("state %s, want Failed", c.State())
	}
}
