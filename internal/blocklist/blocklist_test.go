package blocklist

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	mu    sync.Mutex
	hosts map[string][]string
	calls map[string]int
	// failures 指定主机在成功前先失败的次数
	failures map[string]int
}

func newFakeResolver(hosts map[string][]string) *fakeResolver {
	return &fakeResolver{hosts: hosts, calls: make(map[string]int), failures: make(map[string]int)}
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[host]++
	if f.failures[host] > 0 {
		f.failures[host]--
		return nil, errors.New("temporary failure in name resolution")
	}
	ips, ok := f.hosts[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return ips, nil
}

func (f *fakeResolver) count(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

func TestIsBlockedByHostname(t *testing.T) {
	res := newFakeResolver(nil)
	b := New([]string{"*.Example.com", "*.gov"}, NewDNSCache(res), nil)

	assert.True(t, b.IsBlocked(context.Background(), "api.example.com"))
	assert.True(t, b.IsBlocked(context.Background(), "API.EXAMPLE.COM"))
	assert.True(t, b.IsBlocked(context.Background(), "www.state.gov"))
	assert.Equal(t, 0, res.count("api.example.com"), "direct match must not resolve")
}

func TestIsBlockedByResolvedIP(t *testing.T) {
	res := newFakeResolver(map[string][]string{
		"api.example.com": {"10.1.2.3"},
		"cdn.other.net":   {"192.168.0.7", "10.1.2.4"},
		"safe.other.net":  {"172.16.0.1"},
	})
	b := New([]string{"*.example.com", "10.1.2.*"}, NewDNSCache(res), nil)

	assert.True(t, b.IsBlocked(context.Background(), "api.example.com"))
	assert.True(t, b.IsBlocked(context.Background(), "10.1.2.3"), "raw ip covered by ip rule")
	assert.True(t, b.IsBlocked(context.Background(), "cdn.other.net"))
	assert.False(t, b.IsBlocked(context.Background(), "safe.other.net"))
	assert.False(t, b.IsBlocked(context.Background(), "unknown.host"))
}

func TestEmptyRulesNeverResolve(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a.com": {"1.1.1.1"}})
	b := New(nil, NewDNSCache(res), nil)

	assert.True(t, b.Empty())
	assert.False(t, b.IsBlocked(context.Background(), "a.com"))
	assert.Equal(t, 0, res.count("a.com"))
}

func TestDNSCacheResolvesOncePerHost(t *testing.T) {
	res := newFakeResolver(map[string][]string{"a.com": {"1.1.1.1"}})
	cache := NewDNSCache(res)
	b := New([]string{"9.9.9.9"}, cache, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.IsBlocked(context.Background(), "a.com")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, res.count("a.com"))
	assert.Equal(t, 1, cache.Lookups())

	ips, ok := cache.Lookup("A.COM")
	require.True(t, ok)
	assert.Equal(t, []string{"1.1.1.1"}, ips)

	cache.Clear()
	_, ok = cache.Lookup("a.com")
	assert.False(t, ok)
}

func TestFailedLookupRetriedLater(t *testing.T) {
	res := newFakeResolver(map[string][]string{"evil.test": {"10.0.0.5"}})
	res.failures["evil.test"] = 1
	cache := NewDNSCache(res)
	b := New([]string{"10.0.0.*"}, cache, nil)

	assert.False(t, b.IsBlocked(context.Background(), "evil.test"))
	_, ok := cache.Lookup("evil.test")
	assert.False(t, ok)

	assert.True(t, b.IsBlocked(context.Background(), "evil.test"))
	assert.True(t, b.IsBlocked(context.Background(), "evil.test"))
	assert.Equal(t, 2, res.count("evil.test"))
}

func TestCanceledCallerStillResolves(t *testing.T) {
	res := newFakeResolver(map[string][]string{"evil.test": {"10.0.0.5"}})
	b := New([]string{"10.0.0.*"}, NewDNSCache(res), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, b.IsBlocked(ctx, "evil.test"))
	assert.True(t, b.IsBlocked(context.Background(), "evil.test"))
	assert.Equal(t, 1, res.count("evil.test"))
}
