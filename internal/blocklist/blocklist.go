package blocklist

import (
	"context"
	"net"
	"strings"

	"bradypod/internal/logger"

	"github.com/tidwall/match"
)

// Blocklist 域名/IP 通配规则黑名单
type Blocklist struct {
	rules []string
	cache *DNSCache
	log   logger.Logger
}

// New 创建黑名单，规则统一转为小写
func New(rules []string, cache *DNSCache, l logger.Logger) *Blocklist {
	if l == nil {
		l = logger.NewNop()
	}
	if cache == nil {
		cache = NewDNSCache(nil)
	}
	rs := make([]string, 0, len(rules))
	for _, r := range rules {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			rs = append(rs, r)
		}
	}
	return &Blocklist{rules: rs, cache: cache, log: l}
}

// Empty 是否未配置任何规则
func (b *Blocklist) Empty() bool { return len(b.rules) == 0 }

// Match 返回命中的规则
func (b *Blocklist) Match(s string) (string, bool) {
	s = strings.ToLower(s)
	for _, r := range b.rules {
		if match.Match(s, r) {
			return r, true
		}
	}
	return "", false
}

// IsBlocked 判断主机是否被屏蔽：先匹配主机名，再匹配其解析出的任一 IP
func (b *Blocklist) IsBlocked(ctx context.Context, host string) bool {
	if b.Empty() || host == "" {
		return false
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if rule, ok := b.Match(host); ok {
		b.log.Debug("主机命中屏蔽规则", "host", host, "rule", rule)
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	for _, ip := range b.cache.Resolve(ctx, host) {
		if rule, ok := b.Match(ip); ok {
			b.log.Debug("解析地址命中屏蔽规则", "host", host, "ip", ip, "rule", rule)
			return true
		}
	}
	return false
}
