package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, cfg.ResourceTimeout())
	assert.Equal(t, 3, cfg.Auth.MaxAttempts)
	assert.Equal(t, 20, cfg.MaxRedirects)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.Empty(t, cfg.Warnings)
	assert.ErrorIs(t, cfg.RequireURL(), ErrNoURL)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
url: https://example.com/
resourceTimeout: 0.5
waitAfterOnload: 50
onlyFirstRequest: true
blockIpAndDomain: "*.ads.com; 10.0.0.* ;bad pattern;*.ads.com"
customHeaders:
  - Referer
  - X-Forced: "1"
  - Accept
proxy:
  type: SOCKS5
  url: 127.0.0.1
  auth: "u:p"
operation:
  method: post
  bodyEncoding: BASE64
output:
  format: Pretty
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.RequireURL())
	assert.Equal(t, 500*time.Millisecond, cfg.ResourceTimeout())
	assert.Equal(t, 200, cfg.WaitAfterOnloadMS)
	assert.True(t, cfg.OnlyFirstRequest)
	assert.Equal(t, []string{"*.ads.com", "10.0.0.*"}, cfg.BlockRules())
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "bad pattern")

	assert.Equal(t, CustomHeaders{
		{Name: "Referer"},
		{Name: "X-Forced", Value: "1", Force: true},
		{Name: "Accept"},
	}, cfg.CustomHeaders)

	assert.Equal(t, "socks5", cfg.Proxy.Type)
	user, pass := cfg.Proxy.Credentials()
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)
	assert.Equal(t, "POST", cfg.Operation.Method)
	assert.Equal(t, "base64", cfg.Operation.BodyEncoding)
	assert.Equal(t, "pretty", cfg.Output.Format)
}

func TestLoadCustomHeadersJSONString(t *testing.T) {
	path := writeConfig(t, `customHeaders: '["Referer", {"X-Test": "override"}]'`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, CustomHeaders{{Name: "Referer"}, {Name: "X-Test", Value: "override", Force: true}}, cfg.CustomHeaders)

	_, err = Load(writeConfig(t, `customHeaders: '[1, 2]'`))
	assert.Error(t, err)
}

func TestLoadCustomHeadersMapping(t *testing.T) {
	cfg, err := Load(writeConfig(t, `customHeaders: {X-Test: override, Accept: "text/html"}`))
	require.NoError(t, err)
	assert.Equal(t, CustomHeaders{
		{Name: "X-Test", Value: "override", Force: true},
		{Name: "Accept", Value: "text/html", Force: true},
	}, cfg.CustomHeaders)

	cfg, err = Load(writeConfig(t, "customHeaders:\n  X-Test: override\n"))
	require.NoError(t, err)
	assert.Equal(t, CustomHeaders{{Name: "X-Test", Value: "override", Force: true}}, cfg.CustomHeaders)
}

func TestValidateFallsBackWithWarnings(t *testing.T) {
	cfg := NewConfig()
	cfg.Proxy.Type = "ftp"
	cfg.TLS.Protocol = "sslv3"
	cfg.Operation.BodyEncoding = "latin1"
	cfg.Output.Format = "xml"
	cfg.CookieJar = `{"name":"a"}`
	cfg.Concurrency = -1
	cfg.Validate()

	assert.Equal(t, "http", cfg.Proxy.Type)
	assert.Equal(t, "default", cfg.TLS.Protocol)
	assert.Equal(t, "utf-8", cfg.Operation.BodyEncoding)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.Empty(t, cfg.CookieJar)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Len(t, cfg.Warnings, 5)

	cfg.Validate()
	assert.Empty(t, cfg.Warnings)
}

func TestResourceTimeoutDisabled(t *testing.T) {
	cfg := NewConfig()
	cfg.ResourceTimeoutSec = 0
	assert.Zero(t, cfg.ResourceTimeout())
}

func TestProxyCredentialsWithoutPassword(t *testing.T) {
	user, pass := Proxy{Auth: "alice"}.Credentials()
	assert.Equal(t, "alice", user)
	assert.Empty(t, pass)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
