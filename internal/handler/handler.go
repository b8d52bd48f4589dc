package handler

import (
	"context"
	"net/url"
	"strings"
	"time"

	adapter "bradypod/internal/adapter/cdp"
	"bradypod/internal/logger"
	"bradypod/pkg/model"
	"bradypod/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
)

// Actions 拦截事件的处置动作，cdp.Client 的 Fetch 域满足该接口
type Actions interface {
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
	FailRequest(ctx context.Context, args *fetch.FailRequestArgs) error
}

// Doer 执行被拦截的请求，session.Session 满足该接口
type Doer interface {
	Do(ctx context.Context, req *traffic.Request) (*traffic.Response, *model.ResponseEvent, error)
}

// Handler 事件处理器：把浏览器暂停的请求交给引擎执行，再用结果回应浏览器
type Handler struct {
	doer           Doer
	processTimeout time.Duration
	log            logger.Logger
}

// Config 配置选项
type Config struct {
	Doer Doer
	// ProcessTimeout 回应浏览器的超时时间
	ProcessTimeout time.Duration
	Logger         logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 3 * time.Second
	}
	return &Handler{doer: cfg.Doer, processTimeout: cfg.ProcessTimeout, log: cfg.Logger}
}

// HandleRequest 处理请求阶段的拦截事件
func (h *Handler) HandleRequest(ctx context.Context, a Actions, ev *fetch.RequestPausedReply) {
	l := h.log.With("requestID", string(ev.RequestID))
	if passThrough(ev.Request.URL) {
		h.Continue(ctx, a, ev)
		return
	}

	start := time.Now()
	l.Debug("开始处理请求拦截", "method", ev.Request.Method, "url", ev.Request.URL)

	resp, terminal, err := h.doer.Do(ctx, adapter.ToNeutralRequest(ev))

	// 页面加载的 ctx 可能已结束，回应浏览器使用独立的超时
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.processTimeout)
	defer cancel()

	if resp != nil && err == nil {
		if ferr := a.FulfillRequest(rctx, adapter.ToFulfillArgs(ev.RequestID, resp)); ferr != nil {
			l.Err(ferr, "回应浏览器失败", "url", ev.Request.URL)
			return
		}
		l.Debug("请求处理完成", "status", resp.StatusCode, "duration", time.Since(start))
		return
	}

	reason := adapter.ToErrorReason(terminal)
	if ferr := a.FailRequest(rctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: reason}); ferr != nil {
		l.Err(ferr, "通知浏览器请求失败时出错", "url", ev.Request.URL)
		return
	}
	l.Debug("请求以失败结束", "reason", reason, "duration", time.Since(start))
}

// Continue 原样放行请求
func (h *Handler) Continue(ctx context.Context, a Actions, ev *fetch.RequestPausedReply) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.processTimeout)
	defer cancel()
	if err := a.ContinueRequest(rctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		h.log.Err(err, "放行请求失败", "requestID", string(ev.RequestID))
	}
}

// passThrough 浏览器内部地址不经过网络，直接放行
func passThrough(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "data", "blob", "about", "chrome", "chrome-extension", "devtools":
		return true
	}
	return false
}
