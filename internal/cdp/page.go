package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bradypod/internal/logger"
	"bradypod/pkg/model"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/dom"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/rpcc"
	"golang.org/x/sync/semaphore"
)

// idlePoll 等待网络空闲的轮询间隔
const idlePoll = 50 * time.Millisecond

// IdleFunc 判断页面网络是否已经静默 quiet 时长
type IdleFunc func(quiet time.Duration) bool

// Page 已附加的页面目标
type Page struct {
	id     model.TargetID
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
	pool   *semaphore.Weighted
	wg     sync.WaitGroup
	log    logger.Logger

	closeOnce sync.Once
}

func (p *Page) ID() model.TargetID { return p.id }

// Load 导航到 rawURL，等待 onload 后再等待网络静默 quiet 时长
func (p *Page) Load(ctx context.Context, rawURL string, quiet time.Duration, idle IdleFunc) error {
	loaded, err := p.client.Page.LoadEventFired(ctx)
	if err != nil {
		return err
	}
	defer loaded.Close()

	nav, err := p.client.Page.Navigate(ctx, page.NewNavigateArgs(rawURL))
	if err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if nav.ErrorText != nil && *nav.ErrorText != "" {
		// 导航失败仍然保留已记录的请求
		p.log.Warn("页面导航失败", "url", rawURL, "error", *nav.ErrorText)
		return nil
	}

	if _, err := loaded.Recv(); err != nil {
		return fmt.Errorf("wait load event: %w", err)
	}
	p.log.Debug("页面 onload 已触发", "url", rawURL)

	if idle == nil {
		return nil
	}
	tick := time.NewTicker(idlePoll)
	defer tick.Stop()
	for !idle(quiet) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// Content 当前文档的完整 HTML
func (p *Page) Content(ctx context.Context) (string, error) {
	doc, err := p.client.DOM.GetDocument(ctx, nil)
	if err != nil {
		return "", err
	}
	html, err := p.client.DOM.GetOuterHTML(ctx, dom.NewGetOuterHTMLArgs().SetNodeID(doc.Root.NodeID))
	if err != nil {
		return "", err
	}
	return html.OuterHTML, nil
}

// Close 停止拦截，等待在途处理结束并断开连接
func (p *Page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if derr := p.client.Fetch.Disable(ctx); derr != nil {
			p.log.Debug("关闭拦截失败", "error", derr)
		}
		p.cancel()
		p.wg.Wait()
		if cerr := p.conn.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = cerr
		}
		p.log.Info("已断开页面目标")
	})
	return err
}
