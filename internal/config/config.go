package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// MaxPostBodySize 请求体快照上限 10MB
const MaxPostBodySize = 10 * 1000 * 1000

var ErrNoURL = errors.New("config: resource url is empty")

// Config 配置文件结构体，Validate 之后视为只读
type Config struct {
	Version string `yaml:"version"`

	URL         string `yaml:"url"`
	DevToolsURL string `yaml:"devToolsURL"`
	Concurrency int    `yaml:"concurrency"`

	Sqlite Sqlite `yaml:"sqlite"`
	Log    Log    `yaml:"log"`

	DiskCache DiskCache `yaml:"diskCache"`
	TLS       TLS       `yaml:"tls"`
	Proxy     Proxy     `yaml:"proxy"`
	Auth      Auth      `yaml:"auth"`

	ResourceTimeoutSec float64 `yaml:"resourceTimeout"`
	WaitAfterOnloadMS  int     `yaml:"waitAfterOnload"`
	MaxRedirects       int     `yaml:"maxRedirects"`
	BodySnapshotLimit  int64   `yaml:"bodySnapshotLimit"`

	OnlyFirstRequest bool `yaml:"onlyFirstRequest"`
	LocalURLAccess   bool `yaml:"localUrlAccess"`

	CustomHeaders    CustomHeaders `yaml:"customHeaders"`
	BlockIPAndDomain string        `yaml:"blockIpAndDomain"`

	Cookies     string `yaml:"cookies"`
	CookieJar   string `yaml:"cookieJar"`
	CookiesFile string `yaml:"cookiesFile"`

	Operation Operation `yaml:"operation"`
	Output    Output    `yaml:"output"`

	// Warnings 解析过程中被跳过的配置项
	Warnings []string `yaml:"-"`
}

type Sqlite struct {
	Dsn    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

type Log struct {
	Level  string   `yaml:"level"`
	Writer []string `yaml:"writer"`
	File   string   `yaml:"file"`
}

type DiskCache struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	MaxSizeKB int64  `yaml:"maxSizeKB"`
}

type TLS struct {
	IgnoreErrors        bool   `yaml:"ignoreErrors"`
	Protocol            string `yaml:"protocol"`
	Ciphers             string `yaml:"ciphers"`
	CAPath              string `yaml:"caPath"`
	ClientCert          string `yaml:"clientCert"`
	ClientKey           string `yaml:"clientKey"`
	ClientKeyPassphrase string `yaml:"clientKeyPassphrase"`
}

type Proxy struct {
	URL  string `yaml:"url"`
	Type string `yaml:"type"`
	Auth string `yaml:"auth"`
}

// Credentials 拆分 user:pass，按最后一个冒号切分
func (p Proxy) Credentials() (user, pass string) {
	i := strings.LastIndex(p.Auth, ":")
	if i <= 0 {
		return strings.TrimSpace(p.Auth), ""
	}
	return strings.TrimSpace(p.Auth[:i]), strings.TrimSpace(p.Auth[i+1:])
}

type Auth struct {
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	MaxAttempts int    `yaml:"maxAttempts"`
}

// Operation 首次导航请求的形态
type Operation struct {
	Method                  string            `yaml:"method"`
	Body                    string            `yaml:"body"`
	BodyEncoding            string            `yaml:"bodyEncoding"`
	Headers                 map[string]string `yaml:"headers"`
	AttachHeadersPerRequest bool              `yaml:"attachHeadersPerRequest"`
}

type Output struct {
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version:     "1.0.0",
		DevToolsURL: "http://127.0.0.1:9222",
		Concurrency: 16,
		Sqlite: Sqlite{
			Dsn:    "db.sqlite3",
			Prefix: "bradypod_",
		},
		Log: Log{
			Level:  "info",
			Writer: []string{"console"},
			File:   "bradypod.log",
		},
		DiskCache:          DiskCache{MaxSizeKB: -1},
		TLS:                TLS{Protocol: "default"},
		Proxy:              Proxy{Type: "http"},
		Auth:               Auth{MaxAttempts: 3},
		ResourceTimeoutSec: 8,
		WaitAfterOnloadMS:  1200,
		MaxRedirects:       20,
		BodySnapshotLimit:  1 << 20,
		Operation:          Operation{Method: "GET", BodyEncoding: "utf-8"},
		Output:             Output{Format: "json"},
	}
}

// Load 读取 YAML 配置文件并校验
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		cfg.Validate()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Validate()
	return cfg, nil
}

// ResourceTimeout 单个资源请求超时，<=0 表示不限时
func (c *Config) ResourceTimeout() time.Duration {
	if c.ResourceTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(c.ResourceTimeoutSec * float64(time.Second))
}

// Validate 归一化配置，无法解析的项记录到 Warnings 并回退默认值
func (c *Config) Validate() {
	c.Warnings = c.Warnings[:0]
	def := NewConfig()

	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.WaitAfterOnloadMS < 200 {
		c.WaitAfterOnloadMS = 200
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = def.MaxRedirects
	}
	if c.BodySnapshotLimit <= 0 {
		c.BodySnapshotLimit = def.BodySnapshotLimit
	}
	if c.Auth.MaxAttempts <= 0 {
		c.Auth.MaxAttempts = def.Auth.MaxAttempts
	}

	c.Proxy.Type = strings.ToLower(strings.TrimSpace(c.Proxy.Type))
	switch c.Proxy.Type {
	case "http", "socks5", "none":
	case "":
		c.Proxy.Type = "http"
	default:
		c.warn("unknown proxy type %q, using http", c.Proxy.Type)
		c.Proxy.Type = "http"
	}

	c.TLS.Protocol = strings.ToLower(strings.TrimSpace(c.TLS.Protocol))
	if _, ok := tlsProtocols[c.TLS.Protocol]; !ok {
		c.warn("unknown tls protocol %q, using default", c.TLS.Protocol)
		c.TLS.Protocol = "default"
	}

	c.Operation.Method = strings.ToUpper(strings.TrimSpace(c.Operation.Method))
	if c.Operation.Method == "" {
		c.Operation.Method = "GET"
	}
	switch strings.ToLower(c.Operation.BodyEncoding) {
	case "", "utf-8", "utf8":
		c.Operation.BodyEncoding = "utf-8"
	case "base64":
		c.Operation.BodyEncoding = "base64"
	default:
		c.warn("unknown body encoding %q, using utf-8", c.Operation.BodyEncoding)
		c.Operation.BodyEncoding = "utf-8"
	}

	if s := strings.TrimSpace(c.CookieJar); s != "" {
		if !gjson.Valid(s) || !gjson.Parse(s).IsArray() {
			c.warn("cookie jar data is not a JSON array, skipped")
			c.CookieJar = ""
		}
	}

	rules, bad := parseBlockRules(c.BlockIPAndDomain)
	for _, p := range bad {
		c.warn("invalid block pattern %q, skipped", p)
	}
	c.BlockIPAndDomain = strings.Join(rules, ";")

	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	switch c.Output.Format {
	case "json", "pretty":
	case "":
		c.Output.Format = "json"
	default:
		c.warn("unsupported output format %q, using json", c.Output.Format)
		c.Output.Format = "json"
	}
}

// RequireURL 校验目标地址
func (c *Config) RequireURL() error {
	if strings.TrimSpace(c.URL) == "" {
		return ErrNoURL
	}
	return nil
}

// BlockRules 返回去重后的小写通配规则
func (c *Config) BlockRules() []string {
	rules, _ := parseBlockRules(c.BlockIPAndDomain)
	return rules
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

var tlsProtocols = map[string]struct{}{
	"default": {}, "tlsv1.3": {}, "tlsv1.2": {}, "tlsv1.1": {},
	"tlsv1.0": {}, "tlsv1": {}, "any": {},
}

func parseBlockRules(raw string) (rules, bad []string) {
	seen := make(map[string]struct{})
	for _, p := range strings.Split(raw, ";") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, " \t/") {
			bad = append(bad, p)
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		rules = append(rules, p)
	}
	return rules, bad
}
