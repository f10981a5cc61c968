package barrier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNoop(t *testing.T) {
	if err := (Noop{}).Wait(context.Background(), "anything"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFileBarrierReleasesAllRanks(t *testing.T) {
	dir := t.TempDir()
	const world = 4

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, world)
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			b := &FileBarrier{Dir: dir, Rank: rank, WorldSize: world, PollInterval: 5 * time.Millisecond}
			// Stagger arrivals so early ranks actually wait.
			time.Sleep(time.Duration(rank) * 10 * time.Millisecond)
			errs[rank] = b.Wait(ctx, "save-complete")
		}(r)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
	}
}

func TestFileBarrierContextCancellation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// World size 2 but only one process ever arrives.
	b := &FileBarrier{Dir: dir, Rank: 0, WorldSize: 2, PollInterval: 5 * time.Millisecond}
	err := b.Wait(ctx, "load-complete")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestFileBarrierNameReuse(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	const world = 2

	b0 := &FileBarrier{Dir: dir, Rank: 0, WorldSize: world, PollInterval: 5 * time.Millisecond}
	b1 := &FileBarrier{Dir: dir, Rank: 1, WorldSize: world, PollInterval: 5 * time.Millisecond}

	var wg sync.WaitGroup
	for _, b := range []*FileBarrier{b0, b1} {
		wg.Add(1)
		go func(b *FileBarrier) {
			defer wg.Done()
			if err := b.Wait(ctx, "save-complete"); err != nil {
				t.Errorf("rank %d: %v", b.Rank, err)
			}
		}(b)
	}
	wg.Wait()

	// The same name on a later checkpoint must block until both ranks
	// arrive again; sentinels from the first pass do not count.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := b0.Wait(short, "save-complete"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the reused barrier to block, got %v", err)
	}
}

func TestFileBarrierNamesAreIndependent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// A completed barrier must not satisfy a differently named one.
	a := &FileBarrier{Dir: dir, Rank: 0, WorldSize: 1}
	if err := a.Wait(ctx, "first"); err != nil {
		t.Fatalf("first: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	b := &FileBarrier{Dir: dir, Rank: 0, WorldSize: 2, PollInterval: 5 * time.Millisecond}
	if err := b.Wait(short, "second"); err == nil {
		t.Fatal("second barrier completed without its other rank")
	}
}
