package blocklist

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// LookupTimeout 单次解析的超时时间
const LookupTimeout = 5 * time.Second

// Resolver 主机名解析接口，*net.Resolver 满足该接口
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSCache 页面加载范围内的解析缓存，只增不删，会话结束时清空
type DNSCache struct {
	mu       sync.RWMutex
	entries  map[string][]string
	group    singleflight.Group
	resolver Resolver
	lookups  int
}

// NewDNSCache 创建解析缓存，resolver 为空时使用系统解析器
func NewDNSCache(r Resolver) *DNSCache {
	if r == nil {
		r = net.DefaultResolver
	}
	return &DNSCache{entries: make(map[string][]string), resolver: r}
}

// Lookup 只读查询缓存
func (c *DNSCache) Lookup(host string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ips, ok := c.entries[strings.ToLower(host)]
	return ips, ok
}

// Resolve 返回主机的解析结果；成功结果在页面加载期间缓存，失败不缓存，下次重新解析。
// 并发调用共享同一次解析，解析不随单个调用方的 ctx 取消
func (c *DNSCache) Resolve(ctx context.Context, host string) []string {
	host = strings.ToLower(host)
	if ips, ok := c.Lookup(host); ok {
		return ips
	}
	v, _, _ := c.group.Do(host, func() (any, error) {
		if ips, ok := c.Lookup(host); ok {
			return ips, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), LookupTimeout)
		defer cancel()
		ips, err := c.resolver.LookupHost(lctx, host)
		c.mu.Lock()
		c.lookups++
		if err == nil {
			c.entries[host] = ips
		}
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return ips, nil
	})
	ips, _ := v.([]string)
	return ips
}

// Lookups 实际发生的解析次数
func (c *DNSCache) Lookups() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookups
}

// Clear 清空缓存
func (c *DNSCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]string)
}
