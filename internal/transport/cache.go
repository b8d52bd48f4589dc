package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bradypod/internal/logger"
	"bradypod/internal/storage"
)

// CacheStore 磁盘缓存存储
type CacheStore interface {
	Get(ctx context.Context, key string) (*storage.CacheEntry, error)
	Put(ctx context.Context, e *storage.CacheEntry) error
}

// Cached 为 GET 请求提供磁盘缓存的 RoundTripper
type Cached struct {
	next  http.RoundTripper
	store CacheStore
	log   logger.Logger
	now   func() time.Time
}

// NewCached 包装下游传输层
func NewCached(next http.RoundTripper, store CacheStore, l logger.Logger) *Cached {
	if l == nil {
		l = logger.NewNop()
	}
	return &Cached{next: next, store: store, log: l, now: time.Now}
}

func (c *Cached) RoundTrip(req *http.Request) (*http.Response, error) {
	if !cacheableRequest(req) {
		return c.next.RoundTrip(req)
	}
	key := cacheKey(req)
	ctx := req.Context()

	e, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Err(err, "读取磁盘缓存失败", "url", req.URL.String())
	}
	if e != nil {
		c.log.Debug("命中磁盘缓存", "url", e.URL)
		return fromEntry(req, e), nil
	}

	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	ttl := freshness(resp, c.now())
	if ttl <= 0 {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &storage.CacheEntry{
		Key:     key,
		URL:     req.URL.String(),
		Status:  resp.StatusCode,
		Body:    body,
		Expires: c.now().Add(ttl),
	}
	entry.SetHTTPHeader(resp.Header)
	if err := c.store.Put(ctx, entry); err != nil {
		c.log.Err(err, "写入磁盘缓存失败", "url", entry.URL)
	}
	return resp, nil
}

func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func cacheableRequest(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.Header.Get("Authorization") != "" || req.Header.Get("Range") != "" {
		return false
	}
	cc := strings.ToLower(req.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

// freshness 只缓存 200 且给出正的有效期的响应
func freshness(resp *http.Response, now time.Time) time.Duration {
	if resp.StatusCode != http.StatusOK || len(resp.Header.Values("Set-Cookie")) > 0 {
		return 0
	}
	for _, d := range strings.Split(resp.Header.Get("Cache-Control"), ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		switch {
		case d == "no-store", d == "no-cache", d == "private":
			return 0
		case strings.HasPrefix(d, "max-age="):
			n, err := strconv.Atoi(strings.TrimPrefix(d, "max-age="))
			if err != nil || n <= 0 {
				return 0
			}
			return time.Duration(n) * time.Second
		}
	}
	if exp := resp.Header.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			return t.Sub(now)
		}
	}
	return 0
}

func fromEntry(req *http.Request, e *storage.CacheEntry) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.HTTPHeader(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
