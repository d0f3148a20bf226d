package yamlsrc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// httpCache fetches http(s) include targets to a SHA-256-keyed temp file,
// revalidating via ETag on subsequent fetches.
type httpCache struct {
	dir    string
	client *http.Client

	mu    sync.Mutex
	etags map[string]string
}

func newHTTPCache(dir string) *httpCache {
	return &httpCache{dir: dir, client: http.DefaultClient, etags: make(map[string]string)}
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Fetch returns the local path to the cached content for url, re-fetching
// only when the ETag indicates the remote changed (or on first fetch).
func (c *httpCache) Fetch(url string) (string, error) {
	path := filepath.Join(c.dir, cacheKey(url)+".yaml")

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", url, err)
	}

	c.mu.Lock()
	etag := c.etags[url]
	c.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return path, nil
		}
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return path, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create cache file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("write cache file: %w", err)
	}

	if newETag := resp.Header.Get("ETag"); newETag != "" {
		c.mu.Lock()
		c.etags[url] = newETag
		c.mu.Unlock()
	}

	return path, nil
}
