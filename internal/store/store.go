package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/23skdu/longbow-caisson/internal/metrics"
	"github.com/23skdu/longbow-caisson/internal/topology"
)

const optimizerDirName = "optimizer"

// ErrShardFileNotFound reports a missing shard file.
type ErrShardFileNotFound struct{ Path string }

func (e ErrShardFileNotFound) Error() string {
	return fmt.Sprintf("shard file not found: %q", e.Path)
}

// Store performs all physical checkpoint I/O for one checkpoint root
// directory. File handles are held only for the duration of a single read
// or write call. Shard files are never mutated in place: a write lands in a
// temporary file and is renamed over the target, so readers of a previous
// checkpoint version never observe a partial write.
type Store struct {
	root string
}

// New returns a store rooted at a checkpoint directory.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the checkpoint root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the optimizer subdirectory.
func (s *Store) Dir() string { return filepath.Join(s.root, optimizerDirName) }

func (s *Store) manifestPath() string { return filepath.Join(s.Dir(), ManifestFileName) }

// EnsureDir creates the optimizer directory. Existing directories are fine.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		return fmt.Errorf("create optimizer directory: %w", err)
	}
	return nil
}

// ShardPath returns the path of the shard file for a coordinate under a
// topology.
func (s *Store) ShardPath(coord topology.Coord, topo topology.Descriptor) string {
	return filepath.Join(s.Dir(), ShardFileName(coord, topo))
}

// WriteShard serializes one rank's optimizer state to its shard file.
func (s *Store) WriteShard(coord topology.Coord, topo topology.Descriptor, st *ShardState) error {
	if !topo.Contains(coord) {
		return fmt.Errorf("write shard: coordinate %v outside topology", coord)
	}
	if err := s.EnsureDir(); err != nil {
		return err
	}
	path := s.ShardPath(coord, topo)
	tmp := path + ".tmp"
	n, err := writeShardFile(tmp, st)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write shard %q: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write shard %q: %w", path, err)
	}
	metrics.ShardBytesWritten.Add(float64(n))
	metrics.ShardFilesWritten.Inc()
	return nil
}

// ReadShard loads the shard file for a coordinate under a topology.
func (s *Store) ReadShard(coord topology.Coord, topo topology.Descriptor) (*ShardState, error) {
	return s.ReadShardFile(s.ShardPath(coord, topo))
}

// ReadShardFile loads one shard file by path.
func (s *Store) ReadShardFile(path string) (*ShardState, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrShardFileNotFound{Path: path}
		}
		return nil, fmt.Errorf("stat shard %q: %w", path, err)
	}
	st, err := readShardFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shard %q: %w", path, err)
	}
	metrics.ShardFilesRead.Inc()
	return st, nil
}

// GlobShards enumerates every shard file written for a checkpoint topology,
// sorted by path. This walks the manifest sizes rather than the current
// process's coordinates: a loader rarely maps one-to-one onto the savers.
func (s *Store) GlobShards(topo topology.Descriptor) ([]string, error) {
	pattern := filepath.Join(s.Dir(), ShardGlobPattern(topo))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob shards %q: %w", pattern, err)
	}
	sort.Strings(paths)
	return paths, nil
}
