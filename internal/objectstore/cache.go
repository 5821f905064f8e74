package objectstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
)

// fileCache holds local copies of remote objects for GetFilename. Entries
// evicted from the LRU are removed from disk.
type fileCache struct {
	dir     string
	entries *lru.Cache
}

func newFileCache(dir string, size int) (*fileCache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if size <= 0 {
		size = 1024
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	entries, err := lru.NewWithEvict(size, func(_, value interface{}) {
		_ = os.Remove(value.(string))
	})
	if err != nil {
		return nil, err
	}
	return &fileCache{dir: dir, entries: entries}, nil
}

func (c *fileCache) path(ref string) string {
	return filepath.Join(c.dir, ref[:min(3, len(ref))], ref)
}

// get returns the cached path for ref if the file is still on disk.
func (c *fileCache) get(ref string) (string, bool) {
	v, ok := c.entries.Get(ref)
	if !ok {
		return "", false
	}
	path := v.(string)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		c.entries.Remove(ref)
		return "", false
	}
	return path, true
}

// fill writes ref into the cache through fetch and returns its path.
func (c *fileCache) fill(ref string, fetch func(w io.Writer) error) (string, error) {
	path := c.path(ref)
	if err := writeAtomic(path, fetch); err != nil {
		return "", err
	}
	c.entries.Add(ref, path)
	return path, nil
}

func (c *fileCache) evict(ref string) {
	if !c.entries.Remove(ref) {
		_ = os.Remove(c.path(ref))
	}
}
