package network

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bradypod/internal/config"
	"bradypod/pkg/model"
	"bradypod/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captured 服务端收到的请求
type captured struct {
	mu     sync.Mutex
	method []string
	header []http.Header
	body   []string
	path   []string
}

func (c *captured) handler(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.method = append(c.method, r.Method)
	c.header = append(c.header, r.Header.Clone())
	c.body = append(c.body, string(b))
	c.path = append(c.path, r.URL.Path)
}

func (c *captured) last() (string, http.Header, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.method) - 1
	return c.method[i], c.header[i], c.body[i], c.path[i]
}

func newCaptureServer(t *testing.T) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestForcedCustomHeader(t *testing.T) {
	srv, c := newCaptureServer(t)
	headers, err := config.ParseCustomHeaders(`{"X-Test":"override"}`)
	require.NoError(t, err)

	e, rec := newEngine(t, Options{CustomHeaders: headers}, nil)
	_, _, err = e.Do(context.Background(), get(srv.URL))
	require.NoError(t, err)

	_, h, _, _ := c.last()
	assert.Equal(t, "override", h.Get("X-Test"))
	assert.Equal(t, "override", traffic.Header(rec.requests[0].Headers).Get("X-Test"))

	req := get(srv.URL)
	req.Headers.Set("X-Test", "engine")
	_, _, err = e.Do(context.Background(), req)
	require.NoError(t, err)
	_, h, _, _ = c.last()
	assert.Equal(t, []string{"override"}, h.Values("X-Test"))
}

func TestPassThroughHeaderPolicy(t *testing.T) {
	srv, c := newCaptureServer(t)
	policy := config.CustomHeaders{
		{Name: "Referer"},
		{Name: "X-Missing"},
		{Name: "X-Forced", Value: "yes", Force: true},
	}
	e, rec := newEngine(t, Options{CustomHeaders: policy}, nil)

	req := get(srv.URL)
	req.Headers.Set("Accept", "text/html")
	req.Headers.Set("Referer", "http://origin/")
	_, _, err := e.Do(context.Background(), req)
	require.NoError(t, err)

	_, h, _, _ := c.last()
	assert.Equal(t, "http://origin/", h.Get("Referer"))
	assert.Equal(t, PreserveMarker, h.Get("X-Missing"))
	assert.Equal(t, "yes", h.Get("X-Forced"))
	assert.Equal(t, "text/html", h.Get("Accept"), "headers outside the policy pass through")

	names := make([]string, 0, len(rec.requests[0].Headers))
	for _, hd := range rec.requests[0].Headers {
		names = append(names, hd.Name)
	}
	assert.Equal(t, []string{"Referer", "X-Missing", "X-Forced", "Accept"}, names)
}

func TestPostDefaultsAndSnapshot(t *testing.T) {
	srv, c := newCaptureServer(t)
	e, rec := newEngine(t, Options{}, nil)

	req := traffic.NewRequest(http.MethodPost, srv.URL)
	req.Body = []byte("a=1&b=2")
	_, _, err := e.Do(context.Background(), req)
	require.NoError(t, err)

	method, h, body, _ := c.last()
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, DefaultContentType, h.Get("Content-Type"))
	assert.Equal(t, "a=1&b=2", body)
	require.NotNil(t, rec.requests[0].PostData)
	assert.Equal(t, "a=1&b=2", *rec.requests[0].PostData)

	req = traffic.NewRequest(http.MethodPost, srv.URL)
	req.Headers.Set("Content-Type", "application/json")
	req.Body = []byte(`{}`)
	_, _, err = e.Do(context.Background(), req)
	require.NoError(t, err)
	_, h, _, _ = c.last()
	assert.Equal(t, "application/json", h.Get("Content-Type"))

	_, _, err = e.Do(context.Background(), get(srv.URL))
	require.NoError(t, err)
	assert.Nil(t, rec.requests[2].PostData)
}

func TestPostSnapshotCapped(t *testing.T) {
	e, rec := newEngine(t, Options{}, &stubTransport{release: closedChan(), entered: make(chan struct{})})
	req := traffic.NewRequest(http.MethodPost, "http://stub.invalid/")
	req.Body = []byte(strings.Repeat("x", config.MaxPostBodySize+10))
	_, _, err := e.Do(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, rec.requests[0].PostData)
	assert.Len(t, *rec.requests[0].PostData, config.MaxPostBodySize)
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestOperationShapesFirstRequestOnly(t *testing.T) {
	srv, c := newCaptureServer(t)
	op := config.Operation{
		Method:       http.MethodPost,
		Body:         base64.StdEncoding.EncodeToString([]byte("q=go")),
		BodyEncoding: "base64",
		Headers:      map[string]string{"X-Op": "1"},
	}
	e, _ := newEngine(t, Options{Operation: op}, nil)

	_, _, err := e.Do(context.Background(), get(srv.URL+"/page"))
	require.NoError(t, err)
	method, h, body, _ := c.last()
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "q=go", body)
	assert.Equal(t, "1", h.Get("X-Op"))

	_, _, err = e.Do(context.Background(), get(srv.URL+"/style.css"))
	require.NoError(t, err)
	method, h, _, _ = c.last()
	assert.Equal(t, http.MethodGet, method)
	assert.Empty(t, h.Get("X-Op"))
}

func TestOperationHeadersPerRequest(t *testing.T) {
	srv, c := newCaptureServer(t)
	op := config.Operation{Headers: map[string]string{"X-Op": "1"}, AttachHeadersPerRequest: true}
	e, _ := newEngine(t, Options{Operation: op}, nil)

	for i := 0; i < 2; i++ {
		_, _, err := e.Do(context.Background(), get(srv.URL))
		require.NoError(t, err)
		_, h, _, _ := c.last()
		assert.Equal(t, "1", h.Get("X-Op"))
	}
}

func TestRequestHandleMutations(t *testing.T) {
	srv, c := newCaptureServer(t)
	e, rec := newEngine(t, Options{}, nil)
	rec.onRequest = func(r model.RequestRecord, h *RequestHandle) {
		switch {
		case strings.HasSuffix(r.URL, "/abort"):
			h.Abort()
		case strings.HasSuffix(r.URL, "/move"):
			require.NoError(t, h.ChangeURL(srv.URL+"/moved"))
			assert.Error(t, h.ChangeURL("relative/path"))
			assert.True(t, h.SetHeader("X-Added", "1"))
			assert.True(t, h.SetHeader("Accept", ""))
			assert.False(t, h.SetHeader(" ", "x"))
		}
	}

	_, ev, err := e.Do(context.Background(), get(srv.URL+"/abort"))
	require.NoError(t, err)
	assert.Equal(t, model.StageError, ev.Stage)
	assert.Equal(t, model.ErrCodeCanceled, ev.ErrorCode)
	assert.Empty(t, c.method, "aborted request never reaches the network")

	req := get(srv.URL + "/move")
	req.Headers.Set("Accept", "*/*")
	_, ev, err = e.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.StageFinish, ev.Stage)
	_, h, _, path := c.last()
	assert.Equal(t, "/moved", path)
	assert.Equal(t, "1", h.Get("X-Added"))
	assert.Empty(t, h.Get("Accept"))
	assert.Equal(t, srv.URL+"/move", rec.requests[1].URL, "emitted record is immutable")
}

func TestHandleExpiresAfterCallback(t *testing.T) {
	srv, _ := newCaptureServer(t)
	var kept *RequestHandle
	e, rec := newEngine(t, Options{}, nil)
	rec.onRequest = func(_ model.RequestRecord, h *RequestHandle) { kept = h }
	_, _, err := e.Do(context.Background(), get(srv.URL))
	require.NoError(t, err)

	require.NotNil(t, kept)
	assert.ErrorIs(t, kept.ChangeURL("http://example.com/"), ErrHandleExpired)
	assert.False(t, kept.SetHeader("X", "1"))
}

func TestHooksDispatchByStage(t *testing.T) {
	var got []model.Stage
	h := Hooks{
		OnResourceStart:    func(ev model.ResponseEvent) { got = append(got, ev.Stage) },
		OnResourceFinished: func(ev model.ResponseEvent) { got = append(got, ev.Stage) },
		OnResourceTimeout:  func(ev model.ResponseEvent) { got = append(got, ev.Stage) },
	}
	for _, s := range []model.Stage{model.StageStart, model.StageError, model.StageRedirect, model.StageTimeout, model.StageFinish} {
		h.ResourceEvent(model.ResponseEvent{Stage: s})
	}
	h.ResourceRequested(model.RequestRecord{}, nil)
	assert.Equal(t, []model.Stage{model.StageStart, model.StageTimeout, model.StageFinish}, got)
}
