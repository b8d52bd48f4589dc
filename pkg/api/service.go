package api

import (
	"context"

	"bradypod/internal/config"
	"bradypod/internal/logger"
	"bradypod/internal/service"
	"bradypod/pkg/model"
	"bradypod/pkg/traffic"
)

// Service 服务接口
type Service interface {
	// StartSession 启动页面加载会话
	StartSession() (model.SessionID, error)

	// StopSession 停止会话
	StopSession(id model.SessionID) error

	// Fetch 在会话中执行一次请求
	Fetch(ctx context.Context, id model.SessionID, req *traffic.Request) (*traffic.Response, *model.ResponseEvent, error)

	// Trace 获取会话的追踪记录
	Trace(id model.SessionID) ([]model.TraceRecord, error)

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.SessionID) (<-chan model.Event, error)

	// ListTargets 列出浏览器页面
	ListTargets(ctx context.Context) ([]model.TargetInfo, error)

	// LoadPage 通过浏览器加载页面并返回完整记录
	LoadPage(ctx context.Context, url string, target model.TargetID) (*model.PageResult, error)

	// Cookies 当前 Cookie 存储
	Cookies() []model.Cookie

	// Close 释放资源并持久化 Cookie
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	return service.New(cfg, l)
}
