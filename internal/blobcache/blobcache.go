// Package blobcache keeps raw upstream files on the local filesystem, keyed
// like an object store with slash-separated names, so ingest runs can skip
// downloads that are still fresh.
package blobcache

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
)

// DefaultMaxAge is how long a cached blob counts as fresh.
const DefaultMaxAge = 168 * time.Hour

// Cache is a directory of raw upstream files.
type Cache struct {
	dir    string
	maxAge time.Duration
	clock  clockwork.Clock
}

// Option adjusts a Cache.
type Option func(*Cache)

// WithClock swaps the time source used for freshness checks.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// New opens a cache rooted at dir, creating the directory if needed. A
// non-positive maxAge falls back to DefaultMaxAge.
func New(dir string, maxAge time.Duration, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, eris.New("blobcache: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blobcache: create %s", dir)
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	c := &Cache{dir: dir, maxAge: maxAge, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Path resolves a key to its on-disk location, rejecting keys that would
// escape the cache directory.
func (c *Cache) Path(key string) (string, error) {
	dest := filepath.Join(c.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(filepath.Clean(dest), filepath.Clean(c.dir)+string(os.PathSeparator)) {
		return "", eris.Errorf("blobcache: illegal key %q", key)
	}
	return dest, nil
}

// Fresh reports whether the blob exists and is younger than the max age.
func (c *Cache) Fresh(key string) bool {
	age, ok := c.Age(key)
	return ok && age < c.maxAge
}

// Age returns how old the blob is, or false when it does not exist.
func (c *Cache) Age(key string) (time.Duration, bool) {
	path, err := c.Path(key)
	if err != nil {
		return 0, false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return c.clock.Now().Sub(info.ModTime()), true
}

// Put streams a blob into the cache, replacing any previous content, and
// returns the number of bytes written.
func (c *Cache) Put(key string, r io.Reader) (int64, error) {
	path, err := c.Path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrapf(err, "blobcache: create parent for %s", key)
	}

	out, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrapf(err, "blobcache: create %s", key)
	}
	defer out.Close() //nolint:errcheck

	n, err := io.Copy(out, r)
	if err != nil {
		return 0, eris.Wrapf(err, "blobcache: write %s", key)
	}
	return n, nil
}

// PutBytes stores a small blob.
func (c *Cache) PutBytes(key string, data []byte) error {
	path, err := c.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "blobcache: create parent for %s", key)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "blobcache: write %s", key)
	}
	return nil
}

// Get reads a whole blob into memory.
func (c *Cache) Get(key string) ([]byte, error) {
	path, err := c.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "blobcache: read %s", key)
	}
	return data, nil
}

// Open returns a reader over a blob. The caller closes it.
func (c *Cache) Open(key string) (*os.File, error) {
	path, err := c.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "blobcache: open %s", key)
	}
	return f, nil
}

// Entry describes one cached blob.
type Entry struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Fresh   bool      `json:"fresh"`
}

// Entries lists every blob in the cache, sorted by key.
func (c *Cache) Entries() ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		out = append(out, Entry{
			Key:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Fresh:   c.clock.Now().Sub(info.ModTime()) < c.maxAge,
		})
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "blobcache: walk %s", c.dir)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
