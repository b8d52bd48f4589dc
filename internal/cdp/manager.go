package cdp

import (
	"context"
	"errors"
	"fmt"

	"bradypod/internal/logger"
	"bradypod/pkg/model"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"
	"golang.org/x/sync/semaphore"
)

var ErrNoTarget = errors.New("cdp: no page target")

// Manager 浏览器 DevTools 连接管理
type Manager struct {
	devtoolsURL string
	concurrency int64
	log         logger.Logger
}

// New 创建管理器，concurrency 为单个页面同时处理的拦截事件上限
func New(devtoolsURL string, concurrency int, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Manager{devtoolsURL: devtoolsURL, concurrency: int64(concurrency), log: l}
}

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		out = append(out, model.TargetInfo{
			ID:    model.TargetID(t.ID),
			Type:  string(t.Type),
			URL:   t.URL,
			Title: t.Title,
		})
	}
	return out, nil
}

// Attach 附加到指定页面目标；target 为空时取第一个页面，没有页面则新建
func (m *Manager) Attach(ctx context.Context, target model.TargetID) (*Page, error) {
	dt := devtool.New(m.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if target == "" || string(t.ID) == string(target) {
			sel = t
			break
		}
	}
	if sel == nil {
		if target != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoTarget, target)
		}
		if sel, err = dt.Create(ctx); err != nil {
			return nil, fmt.Errorf("create target: %w", err)
		}
		m.log.Info("浏览器无页面，已新建目标", "target", sel.ID)
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &Page{
		id:     model.TargetID(sel.ID),
		conn:   conn,
		client: cdp.NewClient(conn),
		ctx:    pctx,
		cancel: cancel,
		pool:   semaphore.NewWeighted(m.concurrency),
		log:    m.log.With("target", sel.ID),
	}
	m.log.Info("已附加页面目标", "target", sel.ID, "url", sel.URL)
	return p, nil
}
