package network

import (
	"context"
	"encoding/base64"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"bradypod/internal/config"
	"bradypod/internal/timeout"
	"bradypod/pkg/model"
	"bradypod/pkg/traffic"
)

const (
	// PreserveMarker 沿用型请求头在原请求中不存在时发送的值
	PreserveMarker     = "preserve"
	DefaultContentType = "application/x-www-form-urlencoded"
	AccessDenied       = "access deny"
)

// intercept 分配标识、应用请求头策略、通知观察者并执行放行检查。
// 被拒绝时返回已记录的终结事件
func (e *Engine) intercept(ctx context.Context, req *traffic.Request) (*exchange, *model.ResponseEvent) {
	e.requests.Add(1)

	if e.shaped.CompareAndSwap(false, true) {
		e.applyOperation(req, true)
	} else if e.opts.Operation.AttachHeadersPerRequest {
		e.applyOperation(req, false)
	}

	var postData *string
	if hasBody(req.Method) {
		if !req.Headers.Has("Content-Type") {
			req.Headers.Set("Content-Type", DefaultContentType)
		}
		snap := req.Body
		if len(snap) > config.MaxPostBodySize {
			snap = snap[:config.MaxPostBodySize]
		}
		s := string(snap)
		postData = &s
	}

	e.applyHeaderPolicy(req)

	if !req.Headers.Has("Cookie") {
		if u, err := url.Parse(req.URL); err == nil {
			if c := e.jar.Header(u); c != "" {
				req.Headers.Set("Cookie", c)
			}
		}
	}

	id := model.CorrelationID(e.nextID.Add(1))
	rec := model.RequestRecord{
		ID:       id,
		URL:      req.URL,
		Method:   req.Method,
		Headers:  slices.Clone([]model.Header(req.Headers)),
		PostData: postData,
		Time:     time.Now(),
	}

	handle := newRequestHandle(req)
	e.observer.ResourceRequested(rec, handle)
	if handle.expire() {
		e.log.Debug("请求被观察者取消", "id", id, "url", req.URL)
		return nil, e.deny(id, req.URL, model.ErrCodeCanceled, "Operation canceled")
	}

	if reason, ok := e.admit(ctx, req); !ok {
		e.log.Info("请求被拒绝", "id", id, "url", req.URL, "reason", reason)
		return nil, e.deny(id, req.URL, model.ErrCodeAccessDenied, AccessDenied)
	}

	xctx, cancel := context.WithCancel(ctx)
	x := &exchange{
		id:     id,
		req:    req,
		record: rec,
		latch:  &timeout.Latch{},
		ctx:    xctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	x.sup = timeout.Arm(id, req.URL, e.opts.Timeout, x.latch, cancel, func(ev model.ResponseEvent) {
		e.log.Warn("请求超时", "id", id, "url", req.URL, "timeout", e.opts.Timeout)
		e.settle(x, ev)
	})
	e.register(x)
	e.lastAccess.Store(time.Now().UnixNano())
	return x, nil
}

// admit 依次检查本地地址、黑名单与全局网络开关
func (e *Engine) admit(ctx context.Context, req *traffic.Request) (string, bool) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "invalid url", false
	}
	scheme := strings.ToLower(u.Scheme)
	if !e.opts.LocalURLAccess && (scheme == "file" || scheme == "qrc") {
		return "local url access disabled", false
	}
	if e.blocklist.IsBlocked(ctx, u.Hostname()) {
		return "blocked domain or ip", false
	}
	if e.opts.OnlyFirstRequest {
		if !e.network.CompareAndSwap(true, false) {
			return "network access disabled", false
		}
		return "", true
	}
	if !e.network.Load() {
		return "network access disabled", false
	}
	return "", true
}

// deny 记录未产生网络访问的终结事件
func (e *Engine) deny(id model.CorrelationID, rawURL, code, reason string) *model.ResponseEvent {
	ev := model.ResponseEvent{
		ID:          id,
		Stage:       model.StageError,
		URL:         rawURL,
		ErrorCode:   code,
		ErrorString: reason,
		Time:        time.Now(),
	}
	e.emit(ev)
	return &ev
}

// applyOperation 首个请求使用配置的方法与请求体；请求头可按配置附加到每个请求
func (e *Engine) applyOperation(req *traffic.Request, first bool) {
	op := e.opts.Operation
	if first {
		if op.Method != "" && op.Method != req.Method {
			req.Method = op.Method
		}
		if op.Body != "" {
			body := []byte(op.Body)
			if op.BodyEncoding == "base64" {
				decoded, err := base64.StdEncoding.DecodeString(op.Body)
				if err != nil {
					e.log.Warn("请求体 base64 解码失败，按原文发送", "error", err)
				} else {
					body = decoded
				}
			}
			req.Body = body
		}
	}
	for _, k := range slices.Sorted(maps.Keys(op.Headers)) {
		req.Headers.Set(k, op.Headers[k])
	}
}

// applyHeaderPolicy 策略中的请求头按配置顺序排在最前，其余请求头保持原样。
// 沿用型条目在原请求中缺失时写入 PreserveMarker
func (e *Engine) applyHeaderPolicy(req *traffic.Request) {
	if len(e.opts.CustomHeaders) == 0 {
		return
	}
	rest := req.Headers.Clone()
	out := make(traffic.Header, 0, len(rest)+len(e.opts.CustomHeaders))
	for _, ch := range e.opts.CustomHeaders {
		value := ch.Value
		if !ch.Force {
			value = rest.Get(ch.Name)
			if value == "" {
				value = PreserveMarker
			}
		}
		out.Set(ch.Name, value)
		rest.Del(ch.Name)
	}
	req.Headers = append(out, rest...)
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
