package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bradypod/internal/config"
	"bradypod/internal/logger"

	"golang.org/x/net/proxy"
)

// DefaultProxyPort 代理地址未指定端口时使用
const DefaultProxyPort = "1080"

var ErrKeyPassphrase = errors.New("client key is encrypted but no passphrase configured")

// Set 严格校验证书的传输层，以及忽略证书错误时使用的传输层
type Set struct {
	Strict   *http.Transport
	Insecure *http.Transport
}

// CloseIdleConnections 关闭两套传输层的空闲连接
func (s *Set) CloseIdleConnections() {
	s.Strict.CloseIdleConnections()
	s.Insecure.CloseIdleConnections()
}

// Build 按配置创建传输层。传输层只转发单次往返，不跟随重定向
func Build(cfg *config.Config, l logger.Logger) (*Set, error) {
	if l == nil {
		l = logger.NewNop()
	}
	tlsCfg, err := TLSConfig(cfg.TLS, l)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := applyProxy(t, cfg.Proxy, dialer, l); err != nil {
		return nil, err
	}
	if cfg.LocalURLAccess {
		t.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
	}

	insecure := t.Clone()
	insecure.TLSClientConfig.InsecureSkipVerify = true
	return &Set{Strict: t, Insecure: insecure}, nil
}

// TLSConfig 协议版本、加密套件、CA 与客户端证书
func TLSConfig(c config.TLS, l logger.Logger) (*tls.Config, error) {
	if l == nil {
		l = logger.NewNop()
	}
	tc := &tls.Config{}
	switch c.Protocol {
	case "tlsv1.3":
		tc.MinVersion, tc.MaxVersion = tls.VersionTLS13, tls.VersionTLS13
	case "tlsv1.2":
		tc.MinVersion, tc.MaxVersion = tls.VersionTLS12, tls.VersionTLS12
	case "tlsv1.1":
		tc.MinVersion, tc.MaxVersion = tls.VersionTLS11, tls.VersionTLS11
	case "tlsv1.0", "tlsv1":
		tc.MinVersion, tc.MaxVersion = tls.VersionTLS10, tls.VersionTLS10
	case "any":
		tc.MinVersion = tls.VersionTLS10
	}

	if c.Ciphers != "" {
		suites, unknown := CipherSuites(c.Ciphers)
		for _, name := range unknown {
			l.Warn("未知的加密套件，已忽略", "cipher", name)
		}
		tc.CipherSuites = suites
	}

	if c.CAPath != "" {
		pool, err := loadCAPool(c.CAPath)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	}

	if c.ClientCert != "" {
		cert, err := loadClientCert(c.ClientCert, c.ClientKey, c.ClientKeyPassphrase)
		if err != nil {
			return nil, err
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// CipherSuites 解析冒号分隔的 IANA 套件名
func CipherSuites(list string) (ids []uint16, unknown []string) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}
	for _, name := range strings.Split(list, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := known[strings.ToUpper(name)]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		ids = append(ids, id)
	}
	return ids, unknown
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	files := []string{path}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		files = files[:0]
		for _, pattern := range []string{"*.pem", "*.crt"} {
			m, _ := filepath.Glob(filepath.Join(path, pattern))
			files = append(files, m...)
		}
	}
	added := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read ca %s: %w", f, err)
		}
		if pool.AppendCertsFromPEM(data) {
			added++
		}
	}
	if added == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func loadClientCert(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	if keyFile == "" {
		keyFile = certFile
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read client cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read client key: %w", err)
	}
	keyPEM, err = decryptKey(keyPEM, passphrase)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load client key pair: %w", err)
	}
	return cert, nil
}

// decryptKey 解密传统 PEM 加密的私钥，未加密的块原样返回
func decryptKey(data []byte, passphrase string) ([]byte, error) {
	var out []byte
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // 旧式加密私钥只能这样解
			if passphrase == "" {
				return nil, ErrKeyPassphrase
			}
			der, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
			if err != nil {
				return nil, fmt.Errorf("decrypt client key: %w", err)
			}
			block = &pem.Block{Type: block.Type, Bytes: der}
		}
		out = append(out, pem.EncodeToMemory(block)...)
	}
	if len(out) == 0 {
		return nil, errors.New("client key: no PEM data")
	}
	return out, nil
}

// applyProxy http 代理走 Transport.Proxy，socks5 替换拨号器，none 连环境变量也忽略
func applyProxy(t *http.Transport, p config.Proxy, direct *net.Dialer, l logger.Logger) error {
	if p.Type == "none" {
		t.Proxy = nil
		return nil
	}
	if strings.TrimSpace(p.URL) == "" {
		t.Proxy = http.ProxyFromEnvironment
		return nil
	}
	u, err := ProxyURL(p)
	if err != nil {
		return err
	}
	l.Info("使用代理", "type", p.Type, "host", u.Host)

	if p.Type != "socks5" {
		t.Proxy = http.ProxyURL(u)
		return nil
	}
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, direct)
	if err != nil {
		return fmt.Errorf("socks5 proxy: %w", err)
	}
	t.Proxy = nil
	if cd, ok := d.(proxy.ContextDialer); ok {
		t.DialContext = cd.DialContext
	} else {
		t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}
	}
	return nil
}

// ProxyURL 规范化代理地址：补全协议与默认端口，附加认证信息
func ProxyURL(p config.Proxy) (*url.URL, error) {
	raw := strings.TrimSpace(p.URL)
	if !strings.Contains(raw, "://") {
		scheme := "http"
		if p.Type == "socks5" {
			scheme = "socks5"
		}
		raw = scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", p.URL, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("parse proxy %q: missing host", p.URL)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultProxyPort)
	}
	if p.Auth != "" {
		user, pass := p.Credentials()
		u.User = url.UserPassword(user, pass)
	}
	return u, nil
}
