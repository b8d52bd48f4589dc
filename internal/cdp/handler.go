package cdp

import (
	"context"
	"time"

	"bradypod/internal/handler"

	"github.com/mafredri/cdp/protocol/fetch"
)

// Intercept 启用请求阶段拦截，并开始消费拦截事件流
func (p *Page) Intercept(h *handler.Handler) error {
	if err := p.client.Page.Enable(p.ctx); err != nil {
		return err
	}
	rp, err := p.client.Fetch.RequestPaused(p.ctx)
	if err != nil {
		return err
	}
	pattern := "*"
	err = p.client.Fetch.Enable(p.ctx, &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest}},
	})
	if err != nil {
		rp.Close()
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.consume(rp, h)
	}()
	return nil
}

// consume 持续接收拦截事件并按并发限制分发处理
func (p *Page) consume(rp fetch.RequestPausedClient, h *handler.Handler) {
	defer rp.Close()
	p.log.Info("开始消费拦截事件流")
	for {
		ev, err := rp.Recv()
		if err != nil {
			if p.ctx.Err() == nil {
				p.log.Err(err, "接收拦截事件失败，停止消费")
			}
			return
		}
		p.dispatchPaused(ev, h)
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (p *Page) dispatchPaused(ev *fetch.RequestPausedReply, h *handler.Handler) {
	if !p.pool.TryAcquire(1) {
		p.degradeAndContinue(ev, h, "并发上限已满")
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.pool.Release(1)
		h.HandleRequest(p.ctx, p.client.Fetch, ev)
	}()
}

// degradeAndContinue 统一的降级处理：直接放行请求，不经过引擎
func (p *Page) degradeAndContinue(ev *fetch.RequestPausedReply, h *handler.Handler, reason string) {
	p.log.Warn("执行降级策略：直接放行", "reason", reason, "requestID", ev.RequestID, "url", ev.Request.URL)
	ctx, cancel := context.WithTimeout(p.ctx, time.Second)
	defer cancel()
	h.Continue(ctx, p.client.Fetch, ev)
}
