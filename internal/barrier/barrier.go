package barrier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/23skdu/longbow-caisson/internal/metrics"
)

// Barrier is an opaque blocking synchronization point across the processes
// of a run. The checkpoint coordinator needs exactly two of these: one
// before shard files are overwritten during a save, one after a
// reshard-load before training resumes. The collective transport behind it
// is not this package's concern.
type Barrier interface {
	// Wait blocks until every process of the run has reached the barrier
	// named name, or until ctx is done.
	Wait(ctx context.Context, name string) error
}

// Noop is a Barrier for single-process runs and tests.
type Noop struct{}

func (Noop) Wait(context.Context, string) error { return nil }

// FileBarrier synchronizes the processes of a single-host run through
// sentinel files in a shared directory: each process creates
// <dir>/<name>.<round>/rank-<rank> and polls until all world files exist.
// The round counter increments on every Wait for a given name, so a name
// may repeat across checkpoints without stale sentinels releasing the next
// barrier early. Every process of the run must issue the same sequence of
// barrier names, which the coordinator guarantees (one named barrier per
// save or load). Dir must be fresh per run.
type FileBarrier struct {
	Dir       string
	Rank      int
	WorldSize int

	// PollInterval defaults to 50ms when zero.
	PollInterval time.Duration

	mu     sync.Mutex
	rounds map[string]int
}

func (b *FileBarrier) nextRound(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rounds == nil {
		b.rounds = make(map[string]int)
	}
	round := b.rounds[name]
	b.rounds[name] = round + 1
	return round
}

func (b *FileBarrier) Wait(ctx context.Context, name string) error {
	start := time.Now()
	defer func() {
		metrics.BarrierWaitDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	dir := filepath.Join(b.Dir, fmt.Sprintf("%s.%d", name, b.nextRound(name)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("barrier %q: %w", name, err)
	}
	own := filepath.Join(dir, fmt.Sprintf("rank-%d", b.Rank))
	if err := os.WriteFile(own, nil, 0o644); err != nil {
		return fmt.Errorf("barrier %q: %w", name, err)
	}

	interval := b.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		arrived := 0
		for r := 0; r < b.WorldSize; r++ {
			if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("rank-%d", r))); err == nil {
				arrived++
			}
		}
		if arrived == b.WorldSize {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("barrier %q: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}
