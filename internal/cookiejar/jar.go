package cookiejar

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"bradypod/internal/logger"
	"bradypod/pkg/model"

	"golang.org/x/net/publicsuffix"
)

// Sink Cookie 持久化接口
type Sink interface {
	Load(ctx context.Context) ([]model.Cookie, error)
	Save(ctx context.Context, cookies []model.Cookie) error
}

// Jar 进程级 Cookie 存储，跨页面加载共享
type Jar struct {
	mu      sync.RWMutex
	cookies []model.Cookie
	enabled bool
	sink    Sink
	log     logger.Logger
	now     func() time.Time
}

// Option Jar 选项
type Option func(*Jar)

// WithClock 替换时钟，测试中使用
func WithClock(now func() time.Time) Option {
	return func(j *Jar) { j.now = now }
}

// New 创建 Cookie 存储；sink 为空时仅保存在内存
func New(sink Sink, l logger.Logger, opts ...Option) *Jar {
	if l == nil {
		l = logger.NewNop()
	}
	j := &Jar{enabled: true, sink: sink, log: l, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Enable 启用
func (j *Jar) Enable() {
	j.mu.Lock()
	j.enabled = true
	j.mu.Unlock()
}

// Disable 禁用：读取返回空，写入被忽略
func (j *Jar) Disable() {
	j.mu.Lock()
	j.enabled = false
	j.mu.Unlock()
}

// Enabled 是否启用
func (j *Jar) Enabled() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.enabled
}

// CookiesFor 返回对 URL 可见的 Cookie；同名 Cookie 只保留路径最长者
func (j *Jar) CookiesFor(u *url.URL) []model.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if !j.enabled || u == nil {
		return nil
	}
	return j.visible(u)
}

// Header 生成 Cookie 请求头的值
func (j *Jar) Header(u *url.URL) string {
	cs := j.CookiesFor(u)
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Cookies url 为空时返回全部 Cookie，否则返回对该 URL 可见的 Cookie
func (j *Jar) Cookies(rawURL string) []model.Cookie {
	if rawURL == "" {
		return j.All()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return j.CookiesFor(u)
}

// All 返回全部 Cookie 的副本
func (j *Jar) All() []model.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if !j.enabled {
		return nil
	}
	out := make([]model.Cookie, len(j.cookies))
	copy(out, j.cookies)
	return out
}

// SetAll 以 URL 为作用域写入一组 Cookie，至少写入一条时返回 true
func (j *Jar) SetAll(list []model.Cookie, u *url.URL) bool {
	if u == nil {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.enabled {
		return false
	}
	added := false
	for _, c := range list {
		nc, ok := j.normalize(c, u)
		if !ok {
			j.log.Debug("拒绝 Cookie", "name", c.Name, "domain", c.Domain, "url", u.String())
			continue
		}
		if nc.Expires != nil && !nc.Expires.After(j.now()) {
			j.remove(nc.Key())
			added = true
			continue
		}
		j.upsert(nc)
		added = true
	}
	return added
}

// SetFromResponse 根据响应的 Set-Cookie 更新存储
func (j *Jar) SetFromResponse(u *url.URL, cookies []*http.Cookie) bool {
	if len(cookies) == 0 {
		return false
	}
	now := j.now()
	list := make([]model.Cookie, 0, len(cookies))
	for _, hc := range cookies {
		list = append(list, FromHTTP(hc, now))
	}
	return j.SetAll(list, u)
}

// Add 添加单个 Cookie；url 为空时由 Cookie 的域与路径构造作用域
func (j *Jar) Add(c model.Cookie, rawURL string) bool {
	if !j.Enabled() || (rawURL == "" && c.Domain == "") {
		j.log.Debug("拒绝 Cookie", "name", c.Name)
		return false
	}
	if rawURL == "" {
		rawURL = mockURL(c)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		j.log.Debug("拒绝 Cookie，URL 无效", "name", c.Name, "url", rawURL)
		return false
	}
	return j.SetAll([]model.Cookie{c}, u)
}

// Delete 删除 Cookie
// url 为空：name 为空时清空全部，否则删除所有同名 Cookie；
// url 非空：在该 URL 可见的 Cookie 中删除同名的一条，name 为空时删除全部可见 Cookie
func (j *Jar) Delete(name, rawURL string) bool {
	if !j.Enabled() {
		return false
	}
	if rawURL == "" && name == "" {
		j.Clear()
		return true
	}
	var visible []model.Cookie
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return false
		}
		visible = j.CookiesFor(u)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	deleted := false
	for i := len(j.cookies) - 1; i >= 0; i-- {
		c := j.cookies[i]
		if rawURL == "" {
			if c.Name != name {
				continue
			}
		} else if !containsKey(visible, c.Key()) || (name != "" && c.Name != name) {
			continue
		}
		j.log.Debug("删除 Cookie", "name", c.Name, "domain", c.Domain, "path", c.Path)
		j.cookies = append(j.cookies[:i], j.cookies[i+1:]...)
		deleted = true
		if rawURL != "" && name != "" {
			break
		}
	}
	return deleted
}

// DeleteAll url 为空时清空全部，否则删除该 URL 可见的全部 Cookie
func (j *Jar) DeleteAll(rawURL string) bool {
	if !j.Enabled() {
		return false
	}
	if rawURL == "" {
		j.Clear()
		return true
	}
	return j.Delete("", rawURL)
}

// Clear 清空全部 Cookie
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enabled {
		j.cookies = nil
	}
}

// Load 从持久化存储加载，并清理已过期的 Cookie
func (j *Jar) Load(ctx context.Context) error {
	if j.sink == nil || !j.Enabled() {
		return nil
	}
	list, err := j.sink.Load(ctx)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.cookies = append(j.cookies[:0], list...)
	purged := j.purgeExpired()
	j.mu.Unlock()
	j.log.Debug("加载 Cookie", "count", len(list), "purged", purged)
	if purged > 0 {
		return j.Save(ctx)
	}
	return nil
}

// Save 清理过期 Cookie 后写入持久化存储
func (j *Jar) Save(ctx context.Context) error {
	j.mu.Lock()
	if !j.enabled {
		j.mu.Unlock()
		return nil
	}
	j.purgeExpired()
	snapshot := make([]model.Cookie, len(j.cookies))
	copy(snapshot, j.cookies)
	j.mu.Unlock()

	if j.sink == nil {
		return nil
	}
	return j.sink.Save(ctx, snapshot)
}

// Close 清理会话 Cookie 后持久化，只有持久 Cookie 跨页面加载保留
func (j *Jar) Close(ctx context.Context) error {
	j.mu.Lock()
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if !c.IsSession() {
			kept = append(kept, c)
		}
	}
	j.cookies = kept
	j.mu.Unlock()
	return j.Save(ctx)
}

func (j *Jar) purgeExpired() int {
	now := j.now()
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if c.Expires != nil && c.Expires.Before(now) {
			j.log.Debug("清理过期 Cookie", "name", c.Name, "domain", c.Domain)
			continue
		}
		kept = append(kept, c)
	}
	n := len(j.cookies) - len(kept)
	j.cookies = kept
	return n
}

func (j *Jar) visible(u *url.URL) []model.Cookie {
	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	secure := u.Scheme == "https" || u.Scheme == "wss"
	now := j.now()

	var matched []model.Cookie
	for _, c := range j.cookies {
		if c.Secure && !secure {
			continue
		}
		if c.Expires != nil && !c.Expires.After(now) {
			continue
		}
		if !domainMatch(host, c.Domain) || !pathMatch(path, c.Path) {
			continue
		}
		matched = append(matched, c)
	}
	sort.SliceStable(matched, func(a, b int) bool {
		return len(matched[a].Path) > len(matched[b].Path)
	})

	longest := make(map[string]int, len(matched))
	for _, c := range matched {
		if l, ok := longest[c.Name]; !ok || len(c.Path) > l {
			longest[c.Name] = len(c.Path)
		}
	}
	out := matched[:0]
	for _, c := range matched {
		if len(c.Path) == longest[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

// normalize 按 URL 补全域与路径，并校验域的合法性
func (j *Jar) normalize(c model.Cookie, u *url.URL) (model.Cookie, bool) {
	if c.Name == "" {
		return c, false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return c, false
	}
	domain := strings.ToLower(strings.TrimSpace(c.Domain))
	switch {
	case domain == "":
		c.Domain = host
	default:
		bare := strings.TrimPrefix(domain, ".")
		if net.ParseIP(host) != nil || net.ParseIP(bare) != nil {
			if bare != host {
				return c, false
			}
			c.Domain = host
			break
		}
		if host != bare && !strings.HasSuffix(host, "."+bare) {
			return c, false
		}
		if bare != host {
			if _, err := publicsuffix.EffectiveTLDPlusOne(bare); err != nil {
				return c, false
			}
		}
		c.Domain = "." + bare
	}
	if c.Path == "" || c.Path[0] != '/' {
		c.Path = defaultPath(u.EscapedPath())
	}
	return c, true
}

func (j *Jar) upsert(c model.Cookie) {
	key := c.Key()
	for i := range j.cookies {
		if j.cookies[i].Key() == key {
			j.cookies[i] = c
			return
		}
	}
	j.cookies = append(j.cookies, c)
}

func (j *Jar) remove(key model.CookieKey) {
	for i := range j.cookies {
		if j.cookies[i].Key() == key {
			j.cookies = append(j.cookies[:i], j.cookies[i+1:]...)
			return
		}
	}
}

// FromHTTP 转换 net/http 解析出的 Set-Cookie
func FromHTTP(hc *http.Cookie, now time.Time) model.Cookie {
	c := model.Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   hc.Domain,
		Path:     hc.Path,
		HTTPOnly: hc.HttpOnly,
		Secure:   hc.Secure,
	}
	switch {
	case hc.MaxAge < 0:
		t := now.Add(-time.Second)
		c.Expires = &t
	case hc.MaxAge > 0:
		t := now.Add(time.Duration(hc.MaxAge) * time.Second)
		c.Expires = &t
	case !hc.Expires.IsZero():
		t := hc.Expires.UTC()
		c.Expires = &t
	}
	return c
}

func domainMatch(host, domain string) bool {
	if strings.HasPrefix(domain, ".") {
		return host == domain[1:] || strings.HasSuffix(host, domain)
	}
	return host == domain
}

func pathMatch(reqPath, cookiePath string) bool {
	if cookiePath == "" {
		cookiePath = "/"
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || len(reqPath) == len(cookiePath) || reqPath[len(cookiePath)] == '/'
}

func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func mockURL(c model.Cookie) string {
	scheme := "http://"
	if c.Secure {
		scheme = "https://"
	}
	host := c.Domain
	if strings.HasPrefix(host, ".") {
		host = "www" + host
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	return scheme + host + path
}

func containsKey(list []model.Cookie, key model.CookieKey) bool {
	for _, c := range list {
		if c.Key() == key {
			return true
		}
	}
	return false
}
