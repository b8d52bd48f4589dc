package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"bradypod/pkg/model"
	"bradypod/pkg/traffic"
)

const (
	AuthRequired   = "Authorization Required"
	firstChunkSize = 32 * 1024
)

// track 发出请求并把传输层信号归一化为生命周期事件。
// 重定向时关闭当前请求并返回下一跳请求
func (e *Engine) track(x *exchange, hops int) (*traffic.Response, *traffic.Request) {
	resp, authExhausted, err := e.roundTrip(x)
	if err != nil {
		e.fail(x, err)
		return nil, nil
	}
	defer resp.Body.Close()

	u, _ := url.Parse(x.req.URL)
	// 已被超时或取消关闭的请求不得再改动 Cookie 存储
	setCookies := func() {
		if u != nil {
			e.jar.SetFromResponse(u, resp.Cookies())
		}
	}

	headers := traffic.FromHTTP(resp.Header)
	location := resp.Header.Get("Location")

	if authExhausted {
		ev := e.responseEvent(x, model.StageFinish, resp, headers, nil, 0)
		ev.StatusText = AuthRequired
		ev.ErrorCode = model.ErrCodeAuth
		if !e.close(x, ev, setCookies) {
			x.wait()
			return nil, nil
		}
		e.log.Warn("认证重试次数耗尽", "id", x.id, "url", x.req.URL, "attempts", e.opts.MaxAuthAttempts)
		return &traffic.Response{
			URL:        x.req.URL,
			StatusCode: http.StatusUnauthorized,
			StatusText: AuthRequired,
			Headers:    headers,
		}, nil
	}

	if isRedirect(resp.StatusCode) && location != "" && u != nil {
		return e.redirect(x, resp, headers, u, location, hops, setCookies)
	}

	first, eof, err := readFirst(resp.Body)
	if len(first) > 0 || err == nil {
		e.start(x, resp, headers, first)
	}
	if err != nil {
		e.fail(x, err)
		return nil, nil
	}
	body := first
	if !eof {
		if body, err = readRest(first, resp.Body); err != nil {
			e.fail(x, err)
			return nil, nil
		}
	}

	ev := e.responseEvent(x, model.StageFinish, resp, headers, body, int64(len(body)))
	if !e.close(x, ev, setCookies) {
		x.wait()
		return nil, nil
	}
	e.log.Debug("请求完成", "id", x.id, "status", resp.StatusCode, "size", len(body))
	return &traffic.Response{
		URL:        x.req.URL,
		StatusCode: resp.StatusCode,
		StatusText: ev.StatusText,
		Headers:    headers,
		Body:       body,
	}, nil
}

// roundTrip 执行请求；证书错误在允许时改用不校验的传输层重试，
// 401 时最多附带凭据重试 MaxAuthAttempts 次
func (e *Engine) roundTrip(x *exchange) (*http.Response, bool, error) {
	rt := e.transport
	attempts := 0
	for {
		hreq, err := x.httpRequest()
		if err != nil {
			return nil, false, err
		}
		if attempts > 0 {
			hreq.SetBasicAuth(e.opts.AuthUser, e.opts.AuthPassword)
		}
		resp, err := rt.RoundTrip(hreq)
		if err != nil {
			if isTLSError(err) && e.opts.IgnoreTLSErrors && e.insecure != nil && rt != e.insecure {
				e.log.Warn("证书校验失败，忽略并重试", "id", x.id, "url", x.req.URL, "error", err)
				rt = e.insecure
				continue
			}
			return nil, false, err
		}
		if resp.StatusCode != http.StatusUnauthorized || e.opts.AuthUser == "" {
			return resp, false, nil
		}
		if attempts >= e.opts.MaxAuthAttempts {
			return resp, true, nil
		}
		attempts++
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		e.log.Debug("收到认证质询，附带凭据重试", "id", x.id, "attempt", attempts)
	}
}

// redirect 以 redirect 终结当前请求，超过跳数上限时记录 redirect_loop
func (e *Engine) redirect(x *exchange, resp *http.Response, headers traffic.Header, base *url.URL, location string, hops int, setCookies func()) (*traffic.Response, *traffic.Request) {
	target, err := base.Parse(location)
	if err != nil {
		e.fail(x, err)
		return nil, nil
	}
	snap, _ := io.ReadAll(io.LimitReader(resp.Body, e.opts.SnapshotLimit))
	out := &traffic.Response{
		URL:        x.req.URL,
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    headers,
	}

	if hops >= e.opts.MaxRedirects {
		ev := model.ResponseEvent{
			ID:          x.id,
			Stage:       model.StageError,
			URL:         x.req.URL,
			Status:      resp.StatusCode,
			StatusText:  out.StatusText,
			RedirectURL: target.String(),
			ErrorCode:   model.ErrCodeRedirectLoop,
			ErrorString: "Too many redirects",
		}
		if !e.close(x, ev, setCookies) {
			x.wait()
			return nil, nil
		}
		e.log.Warn("重定向次数超过上限", "id", x.id, "url", x.req.URL, "max", e.opts.MaxRedirects)
		return out, nil
	}

	ev := e.responseEvent(x, model.StageRedirect, resp, headers, snap, int64(len(snap)))
	ev.RedirectURL = target.String()
	if !e.close(x, ev, setCookies) {
		x.wait()
		return nil, nil
	}
	e.log.Debug("请求重定向", "id", x.id, "from", x.req.URL, "to", ev.RedirectURL)

	next := traffic.NewRequest(http.MethodGet, target.String())
	next.ResourceType = x.req.ResourceType
	if ua := x.req.Headers.Get("User-Agent"); ua != "" {
		next.Headers.Set("User-Agent", ua)
	}
	return out, next
}

// start 首次读到数据时发出 start 事件，每个请求至多一次
func (e *Engine) start(x *exchange, resp *http.Response, headers traffic.Header, first []byte) {
	if x.latch.Closed() || !x.started.CompareAndSwap(false, true) {
		return
	}
	e.emit(e.responseEvent(x, model.StageStart, resp, headers, first, int64(len(first))))
}

// fail 以 error 终结请求
func (e *Engine) fail(x *exchange, err error) {
	code, text := classify(err)
	ev := model.ResponseEvent{
		ID:          x.id,
		Stage:       model.StageError,
		URL:         x.req.URL,
		ErrorCode:   code,
		ErrorString: text,
	}
	if !e.close(x, ev) {
		x.wait()
		return
	}
	e.log.Debug("请求失败", "id", x.id, "url", x.req.URL, "code", code, "error", err)
}

func (e *Engine) responseEvent(x *exchange, stage model.Stage, resp *http.Response, headers traffic.Header, body []byte, size int64) model.ResponseEvent {
	if int64(len(body)) > e.opts.SnapshotLimit {
		body = body[:e.opts.SnapshotLimit]
	}
	return model.ResponseEvent{
		ID:          x.id,
		Stage:       stage,
		URL:         x.req.URL,
		Status:      resp.StatusCode,
		StatusText:  statusText(resp),
		Headers:     slices.Clone([]model.Header(headers)),
		ContentType: resp.Header.Get("Content-Type"),
		BodySize:    size,
		RedirectURL: resp.Header.Get("Location"),
		Body:        string(body),
	}
}

func (x *exchange) httpRequest() (*http.Request, error) {
	var body io.Reader
	if len(x.req.Body) > 0 {
		body = bytes.NewReader(x.req.Body)
	}
	hreq, err := http.NewRequestWithContext(x.ctx, x.req.Method, x.req.URL, body)
	if err != nil {
		return nil, err
	}
	hreq.Header = x.req.Headers.ToHTTP()
	if host := hreq.Header.Get("Host"); host != "" {
		hreq.Host = host
		hreq.Header.Del("Host")
	}
	return hreq, nil
}

// readFirst 读到第一块数据即返回，eof 表示响应体已经读完
func readFirst(r io.Reader) (first []byte, eof bool, err error) {
	buf := make([]byte, firstChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n == 0 && rerr == nil {
			continue
		}
		if rerr == io.EOF {
			return buf[:n], true, nil
		}
		return buf[:n], false, rerr
	}
}

// readRest 读完剩余部分并与第一块拼接
func readRest(first []byte, r io.Reader) ([]byte, error) {
	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	all := make([]byte, 0, len(first)+len(rest))
	all = append(all, first...)
	return append(all, rest...), nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// classify 将传输层错误映射为错误码与描述
func classify(err error) (string, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return model.ErrCodeCanceled, "Operation canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrCodeTimeout, "Operation timed out"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.ErrCodeDNS, "Host " + dnsErr.Name + " not found"
	}
	if isTLSError(err) {
		return model.ErrCodeTLS, err.Error()
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return model.ErrCodeConnectionRefused, "Connection refused"
	case errors.Is(err, syscall.ECONNRESET):
		return model.ErrCodeConnectionReset, "Connection closed"
	}
	return model.ErrCodeNetwork, err.Error()
}

func isTLSError(err error) bool {
	var (
		verifyErr *tls.CertificateVerificationError
		recordErr tls.RecordHeaderError
		alertErr  tls.AlertError
		hostErr   x509.HostnameError
		authErr   x509.UnknownAuthorityError
		invErr    x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) || errors.As(err, &recordErr) || errors.As(err, &alertErr) ||
		errors.As(err, &hostErr) || errors.As(err, &authErr) || errors.As(err, &invErr)
}
