// Package cache stores proxied responses on disk, keyed by a stable
// fingerprint of the request identity. Entries are published with an
// atomic rename, so a reader never observes a torn file.
package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/renameio/v2"
	"go.uber.org/atomic"

	"github.com/zep-us/cacheproxy/internal/metrics"
	"github.com/zep-us/cacheproxy/internal/wire"
	"github.com/zep-us/cacheproxy/pkg/logger"
)

// numMutexes fixes the size of the request-mutex pool. Distinct
// fingerprints may share a mutex; that costs throughput, never correctness.
const numMutexes = 997

// entryVersion tags the on-disk format. Entries carrying any other tag are
// treated as absent and lazily overwritten.
const entryVersion = "cacheproxy-cache v1"

// Cache is a filesystem-backed response store.
type Cache struct {
	root    string
	maxAge  atomic.Int64 // default freshness window, seconds
	mutexes [numMutexes]sync.Mutex

	now func() time.Time
}

// New opens (creating if needed) a cache rooted at dir with the given
// default freshness window in seconds.
func New(dir string, defaultMaxAge int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	c := &Cache{root: dir, now: time.Now}
	c.maxAge.Store(defaultMaxAge)
	return c, nil
}

// SetMaxAge replaces the default freshness window.
func (c *Cache) SetMaxAge(seconds int64) {
	c.maxAge.Store(seconds)
}

// Fingerprint computes the stable identity of a request for cache indexing.
// Two requests share a fingerprint iff they should share a cached response.
func Fingerprint(req *wire.Request) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(req.Method)
	_, _ = d.WriteString("\n")
	_, _ = d.WriteString(strings.ToLower(req.Server))
	_, _ = d.WriteString("\n")
	_, _ = d.WriteString(strconv.Itoa(req.Port))
	_, _ = d.WriteString("\n")
	_, _ = d.WriteString(req.Path)
	_, _ = d.WriteString("\n")
	_, _ = d.Write(req.Payload)
	return d.Sum64()
}

// RequestMutex returns the mutex guarding this request's fingerprint.
// Callers hold it across the lookup-fetch-store sequence so concurrent
// identical requests coalesce into a single upstream fetch.
func (c *Cache) RequestMutex(req *wire.Request) *sync.Mutex {
	return &c.mutexes[Fingerprint(req)%numMutexes]
}

// entryPath is <root>/<first two hex chars>/<sixteen hex chars>.
func (c *Cache) entryPath(fp uint64) string {
	name := fmt.Sprintf("%016x", fp)
	return filepath.Join(c.root, name[:2], name)
}

// Contains reports whether a fresh, readable entry exists for the request,
// returning the stored response on a hit.
func (c *Cache) Contains(req *wire.Request) (*wire.Response, bool) {
	path := c.entryPath(Fingerprint(req))
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			metrics.CacheIOErrors.Inc()
			logger.Warn("cache read failed for %s: %v", path, err)
		}
		return nil, false
	}

	ingested, maxAge, rest, err := parseEntry(data)
	if err != nil {
		logger.Warn("cache entry %s unreadable: %v", path, err)
		return nil, false
	}
	if c.now().Sub(ingested) >= time.Duration(maxAge)*time.Second {
		return nil, false
	}

	resp, err := wire.ReadResponse(bufio.NewReader(bytes.NewReader(rest)), req.Method)
	if err != nil {
		metrics.CacheIOErrors.Inc()
		logger.Warn("cache entry %s failed to parse: %v", path, err)
		return nil, false
	}
	resp.ReceivedAt = ingested
	return resp, true
}

// ShouldCache is the admission predicate: GET, 200, caching-permissive
// headers, and a definite payload length. Responses without Content-Length
// were read to EOF and may carry transfer framing, so they are passed
// through but never stored.
func (c *Cache) ShouldCache(req *wire.Request, resp *wire.Response) bool {
	if req.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	if resp.Header.Get("Content-Length") == "" {
		return false
	}
	return c.entryMaxAge(resp) > 0
}

// Put writes the entry for req. The file is written to a temporary sibling
// and renamed into place, so concurrent readers see the old entry or the
// new one, never a partial write.
func (c *Cache) Put(req *wire.Request, resp *wire.Response) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %d\n", entryVersion, resp.ReceivedAt.Unix(), c.entryMaxAge(resp))
	if err := resp.Write(&buf); err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}

	path := c.entryPath(Fingerprint(req))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache subdirectory: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to publish entry %s: %w", path, err)
	}
	metrics.CacheWrites.Inc()
	return nil
}

// Clear removes every on-disk entry, leaving the root in place.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("failed to list cache root: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	logger.Info("cache cleared: %s", c.root)
	return nil
}

// entryMaxAge prefers the response's explicit max-age over the default.
func (c *Cache) entryMaxAge(resp *wire.Response) int64 {
	if secs, ok := resp.MaxAge(); ok {
		return secs
	}
	return c.maxAge.Load()
}

// parseEntry splits an entry file into its metadata line and response bytes.
func parseEntry(data []byte) (ingested time.Time, maxAge int64, rest []byte, err error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return time.Time{}, 0, nil, fmt.Errorf("missing metadata line")
	}
	line := string(data[:i])
	rest = data[i+1:]

	suffix, found := strings.CutPrefix(line, entryVersion+" ")
	if !found {
		return time.Time{}, 0, nil, fmt.Errorf("unrecognized version tag %q", line)
	}
	fields := strings.Fields(suffix)
	if len(fields) != 2 {
		return time.Time{}, 0, nil, fmt.Errorf("bad metadata line %q", line)
	}
	unix, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return time.Time{}, 0, nil, fmt.Errorf("bad ingestion time %q", fields[0])
	}
	maxAge, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, nil, fmt.Errorf("bad max-age %q", fields[1])
	}
	return time.Unix(unix, 0), maxAge, rest, nil
}
