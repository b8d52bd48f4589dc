package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"bradypod/internal/blocklist"
	"bradypod/internal/config"
	"bradypod/internal/cookiejar"
	"bradypod/internal/logger"
	"bradypod/internal/network"
	"bradypod/internal/trace"
	"bradypod/pkg/model"
	"bradypod/pkg/traffic"
)

var ErrSessionClosed = errors.New("session closed")

// subscriberBuffer 订阅通道缓冲，满时丢弃事件
const subscriberBuffer = 256

// Deps 创建会话所需的依赖
type Deps struct {
	Config    *config.Config
	Transport http.RoundTripper
	Insecure  http.RoundTripper
	Jar       *cookiejar.Jar
	Resolver  blocklist.Resolver
	// Observer 额外的观察者，在聚合之后调用
	Observer network.Observer
	Logger   logger.Logger
}

// Session 一次页面加载：请求标识、追踪记录、DNS 缓存与网络开关都只属于本会话
type Session struct {
	id      model.SessionID
	engine  *network.Engine
	trace   *trace.Aggregator
	dns     *blocklist.DNSCache
	extra   network.Observer
	log     logger.Logger
	started time.Time

	mu     sync.Mutex
	subs   []chan model.Event
	closed bool
}

// New 创建页面加载会话
func New(id model.SessionID, d Deps) (*Session, error) {
	if d.Config == nil {
		d.Config = config.NewConfig()
	}
	l := d.Logger
	if l == nil {
		l = logger.NewNop()
	}
	l = l.With("sessionID", string(id))

	s := &Session{
		id:      id,
		trace:   trace.New(l),
		dns:     blocklist.NewDNSCache(d.Resolver),
		extra:   d.Observer,
		log:     l,
		started: time.Now(),
	}
	engine, err := network.New(network.Config{
		Options:   network.OptionsFromConfig(d.Config),
		Transport: d.Transport,
		Insecure:  d.Insecure,
		Jar:       d.Jar,
		Blocklist: blocklist.New(d.Config.BlockRules(), s.dns, l),
		Observer:  s,
		Logger:    l,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

func (s *Session) ID() model.SessionID { return s.id }

// Engine 本会话的拦截引擎
func (s *Session) Engine() *network.Engine { return s.engine }

// StartedAt 会话创建时间
func (s *Session) StartedAt() time.Time { return s.started }

// Do 通过本会话的引擎执行请求
func (s *Session) Do(ctx context.Context, req *traffic.Request) (*traffic.Response, *model.ResponseEvent, error) {
	if s.Closed() {
		return nil, nil, ErrSessionClosed
	}
	return s.engine.Do(ctx, req)
}

// ResourceRequested 折叠请求事件并转发
func (s *Session) ResourceRequested(rec model.RequestRecord, h *network.RequestHandle) {
	r := rec
	s.publish(model.Event{Type: model.EventRequest, Session: s.id, Request: &r})
	if s.extra != nil {
		s.extra.ResourceRequested(rec, h)
	}
}

// ResourceEvent 折叠响应事件并转发
func (s *Session) ResourceEvent(ev model.ResponseEvent) {
	e := ev
	s.publish(model.Event{Type: model.EventResponse, Session: s.id, Response: &e})
	if s.extra != nil {
		s.extra.ResourceEvent(ev)
	}
}

func (s *Session) publish(ev model.Event) {
	ev.Timestamp = time.Now().UnixMilli()
	s.trace.Fold(ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Debug("订阅通道已满，丢弃事件", "id", ev.ID())
		}
	}
}

// Subscribe 订阅生命周期事件，会话关闭时通道随之关闭
func (s *Session) Subscribe() (<-chan model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	ch := make(chan model.Event, subscriberBuffer)
	s.subs = append(s.subs, ch)
	return ch, nil
}

// Trace 按请求标识排序的追踪记录
func (s *Session) Trace() []model.TraceRecord { return s.trace.Snapshot() }

// Idle 在途请求为零且距最近一次请求已超过 quiet
func (s *Session) Idle(quiet time.Duration) bool {
	if s.engine.InFlight() > 0 {
		return false
	}
	last := s.engine.LastAccess()
	return last.IsZero() || time.Since(last) >= quiet
}

// Closed 会话是否已关闭
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close 取消在途请求，关闭订阅并清理 DNS 缓存；追踪记录保留到会话被丢弃
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if n := s.engine.AbortAll(); n > 0 {
		s.log.Info("会话关闭，取消在途请求", "count", n)
	}

	s.mu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()

	s.dns.Clear()
	s.log.Info("会话已关闭", "requests", s.engine.Requests(), "records", s.trace.Len())
}
