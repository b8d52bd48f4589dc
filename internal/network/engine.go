package network

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"bradypod/internal/blocklist"
	"bradypod/internal/config"
	"bradypod/internal/cookiejar"
	"bradypod/internal/logger"
	"bradypod/internal/timeout"
	"bradypod/pkg/model"
	"bradypod/pkg/traffic"
)

var (
	ErrHandleExpired = errors.New("request handle expired")
	ErrNoTransport   = errors.New("network engine: transport is nil")
)

// Options 引擎行为选项，来自配置，构造后不再修改
type Options struct {
	Timeout          time.Duration
	OnlyFirstRequest bool
	LocalURLAccess   bool
	CustomHeaders    config.CustomHeaders
	Operation        config.Operation
	AuthUser         string
	AuthPassword     string
	MaxAuthAttempts  int
	IgnoreTLSErrors  bool
	MaxRedirects     int
	SnapshotLimit    int64
}

// OptionsFromConfig 从配置生成引擎选项
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout:          cfg.ResourceTimeout(),
		OnlyFirstRequest: cfg.OnlyFirstRequest,
		LocalURLAccess:   cfg.LocalURLAccess,
		CustomHeaders:    cfg.CustomHeaders,
		Operation:        cfg.Operation,
		AuthUser:         cfg.Auth.User,
		AuthPassword:     cfg.Auth.Password,
		MaxAuthAttempts:  cfg.Auth.MaxAttempts,
		IgnoreTLSErrors:  cfg.TLS.IgnoreErrors,
		MaxRedirects:     cfg.MaxRedirects,
		SnapshotLimit:    cfg.BodySnapshotLimit,
	}
}

// Config 引擎依赖
type Config struct {
	Options   Options
	Transport http.RoundTripper
	// Insecure 忽略证书错误时用于重试的传输层，可为空
	Insecure  http.RoundTripper
	Jar       *cookiejar.Jar
	Blocklist *blocklist.Blocklist
	Observer  Observer
	Logger    logger.Logger
}

// Engine 单次页面加载的请求拦截与生命周期追踪引擎
type Engine struct {
	opts      Options
	transport http.RoundTripper
	insecure  http.RoundTripper
	jar       *cookiejar.Jar
	blocklist *blocklist.Blocklist
	observer  Observer
	log       logger.Logger

	nextID     atomic.Int64
	requests   atomic.Int64
	lastAccess atomic.Int64
	network    atomic.Bool
	shaped     atomic.Bool

	mu       sync.Mutex
	inflight map[model.CorrelationID]*exchange
}

// exchange 单个在途请求拥有的全部状态
type exchange struct {
	id     model.CorrelationID
	req    *traffic.Request
	record model.RequestRecord
	latch  *timeout.Latch
	sup    *timeout.Supervisor
	ctx    context.Context
	cancel context.CancelFunc

	started  atomic.Bool
	terminal atomic.Pointer[model.ResponseEvent]
	done     chan struct{}
}

// New 创建引擎
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Jar == nil {
		cfg.Jar = cookiejar.New(nil, cfg.Logger)
	}
	if cfg.Blocklist == nil {
		cfg.Blocklist = blocklist.New(nil, nil, cfg.Logger)
	}
	if cfg.Options.MaxAuthAttempts <= 0 {
		cfg.Options.MaxAuthAttempts = 3
	}
	if cfg.Options.MaxRedirects <= 0 {
		cfg.Options.MaxRedirects = 20
	}
	if cfg.Options.SnapshotLimit <= 0 {
		cfg.Options.SnapshotLimit = 1 << 20
	}
	e := &Engine{
		opts:      cfg.Options,
		transport: cfg.Transport,
		insecure:  cfg.Insecure,
		jar:       cfg.Jar,
		blocklist: cfg.Blocklist,
		observer:  cfg.Observer,
		log:       cfg.Logger,
		inflight:  make(map[model.CorrelationID]*exchange),
	}
	e.network.Store(true)
	return e, nil
}

// Do 拦截并执行一次请求，返回最终响应与终结事件。
// 策略拒绝、传输错误与超时都以终结事件表示，只有调用方 ctx 被取消时返回 error
func (e *Engine) Do(ctx context.Context, req *traffic.Request) (*traffic.Response, *model.ResponseEvent, error) {
	return e.do(ctx, req, 0)
}

func (e *Engine) do(ctx context.Context, req *traffic.Request, hops int) (*traffic.Response, *model.ResponseEvent, error) {
	x, denied := e.intercept(ctx, req)
	if denied != nil {
		return nil, denied, ctx.Err()
	}
	defer e.release(x)

	resp, next := e.track(x, hops)
	if next != nil {
		e.release(x)
		return e.do(ctx, next, hops+1)
	}
	return resp, x.terminal.Load(), ctx.Err()
}

// Abort 取消在途请求；若尚未记录终结事件则记录一次取消错误
func (e *Engine) Abort(id model.CorrelationID) bool {
	e.mu.Lock()
	x, ok := e.inflight[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.abort(x, "Operation canceled")
	return true
}

// AbortAll 取消全部在途请求，页面离开或会话结束时调用
func (e *Engine) AbortAll() int {
	e.mu.Lock()
	list := make([]*exchange, 0, len(e.inflight))
	for _, x := range e.inflight {
		list = append(list, x)
	}
	e.mu.Unlock()
	for _, x := range list {
		e.abort(x, "Operation canceled")
	}
	return len(list)
}

func (e *Engine) abort(x *exchange, reason string) {
	x.sup.Disarm()
	e.close(x, model.ResponseEvent{
		ID:          x.id,
		Stage:       model.StageError,
		URL:         x.req.URL,
		ErrorCode:   model.ErrCodeCanceled,
		ErrorString: reason,
	})
	x.cancel()
}

// InFlight 在途请求数量
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Requests 已拦截的请求总数
func (e *Engine) Requests() int64 { return e.requests.Load() }

// LastAccess 最近一次发出网络请求的时间
func (e *Engine) LastAccess() time.Time {
	ns := e.lastAccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// NetworkEnabled 全局网络访问开关
func (e *Engine) NetworkEnabled() bool { return e.network.Load() }

// SetNetworkEnabled 设置全局网络访问开关
func (e *Engine) SetNetworkEnabled(v bool) { e.network.Store(v) }

func (e *Engine) register(x *exchange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[x.id] = x
}

// release 从在途表移除，并释放计时器与上下文
func (e *Engine) release(x *exchange) {
	x.sup.Disarm()
	x.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.inflight[x.id]; ok && cur == x {
		delete(e.inflight, x.id)
	}
}

// close 尝试以 ev 作为终结事件关闭请求，先到者胜出。
// before 只在胜出时执行，且先于终结事件
func (e *Engine) close(x *exchange, ev model.ResponseEvent, before ...func()) bool {
	if !x.latch.Close() {
		return false
	}
	for _, fn := range before {
		fn()
	}
	e.settle(x, ev)
	return true
}

// settle 记录终结事件并通知观察者，调用方必须已持有关闭标志
func (e *Engine) settle(x *exchange, ev model.ResponseEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	x.terminal.Store(&ev)
	e.observer.ResourceEvent(ev)
	close(x.done)
}

// wait 关闭标志被其它路径抢先时，等待其终结事件落地
func (x *exchange) wait() {
	<-x.done
}

func (e *Engine) emit(ev model.ResponseEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.observer.ResourceEvent(ev)
}
