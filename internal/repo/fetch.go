package repo

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"starbash/internal/errs"
)

// fetcher resolves the "remote" scheme: fetched once with a
// conditional-request cache, served from the cache when offline
// (spec §4.2), grounded on sells-group-research-cli's
// internal/fetcher.HTTPFetcher's client/limiter shape.
type fetcher struct {
	client  *http.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]*fetchCacheEntry

	cacheDir string
	staleTTL time.Duration
}

func newFetcher(cacheDir string) *fetcher {
	return &fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(2), 4),
		cache:    map[string]*fetchCacheEntry{},
		cacheDir: cacheDir,
		staleTTL: 7 * 24 * time.Hour,
	}
}

// Resolve returns the local directory holding rawURL's fetched content,
// performing a conditional GET and falling back to the cached copy on
// any failure (spec §4.2's "cache stale-if-error with a bounded TTL").
func (f *fetcher) Resolve(ctx context.Context, rawURL string) (string, error) {
	dest := filepath.Join(f.cacheDir, cacheKey(rawURL))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	docPath := filepath.Join(dest, "doc.hcl")

	f.mu.Lock()
	entry := f.cache[rawURL]
	f.mu.Unlock()

	if err := f.limiter.Wait(ctx); err != nil {
		return f.fallback(docPath, dest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return f.fallback(docPath, dest, err)
	}
	if entry != nil && entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return f.fallback(docPath, dest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return dest, nil
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return f.fallback(docPath, dest, err)
		}
		if err := os.WriteFile(docPath, data, 0o644); err != nil {
			return "", err
		}
		f.mu.Lock()
		f.cache[rawURL] = &fetchCacheEntry{ETag: resp.Header.Get("ETag"), FetchedAt: timeNow(), CachePath: dest}
		f.mu.Unlock()
		return dest, nil
	default:
		return f.fallback(docPath, dest, errs.Wrap(errs.ErrRemoteUnavailable, rawURL))
	}
}

func (f *fetcher) fallback(docPath, dest string, cause error) (string, error) {
	if info, err := os.Stat(docPath); err == nil && timeNow().Sub(info.ModTime()) <= f.staleTTL {
		return dest, nil
	}
	return "", errs.Wrap(errs.ErrRemoteUnavailable, cause.Error())
}

func cacheKey(rawURL string) string {
	h := uint64(14695981039346656037)
	for i := 0; i < len(rawURL); i++ {
		h ^= uint64(rawURL[i])
		h *= 1099511628211
	}
	return itoaHex(h)
}

func itoaHex(n uint64) string {
	const hex = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = hex[n&0xf]
		n >>= 4
	}
	return string(buf[i:])
}

// timeNow is split out so tests can stub it.
var timeNow = time.Now
