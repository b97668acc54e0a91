package github

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for the short-TTL response cache.
const (
	DefaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 1024
)

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// cacheTransport serves identical GET requests from memory for a fixed TTL,
// keyed by path and query. Only 200 responses are stored. Freshness is
// bounded by the TTL alone; nothing invalidates entries early.
type cacheTransport struct {
	entries *expirable.LRU[string, cachedResponse]
	next    http.RoundTripper
}

func newCacheTransport(next http.RoundTripper, size int, ttl time.Duration) *cacheTransport {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &cacheTransport{
		entries: expirable.NewLRU[string, cachedResponse](size, nil, ttl),
		next:    next,
	}
}

func (t *cacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.next.RoundTrip(req)
	}

	key := req.URL.RequestURI()
	if hit, ok := t.entries.Get(key); ok {
		slog.Debug("github response served from cache", "path", key)
		return hit.response(req), nil
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	t.entries.Add(key, cachedResponse{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   body,
	})

	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func (c cachedResponse) response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
		StatusCode:    c.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        c.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Request:       req,
	}
}
