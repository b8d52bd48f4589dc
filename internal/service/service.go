package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"bradypod/internal/cdp"
	"bradypod/internal/config"
	"bradypod/internal/cookiejar"
	"bradypod/internal/ctxkeys"
	"bradypod/internal/handler"
	"bradypod/internal/logger"
	"bradypod/internal/session"
	"bradypod/internal/storage"
	"bradypod/internal/transport"
	"bradypod/pkg/model"
	"bradypod/pkg/traffic"

	"gorm.io/gorm"
)

var ErrSessionNotFound = errors.New("session not found")

// Service 服务实现：进程级 Cookie 存储、传输层与会话管理
type Service struct {
	cfg        *config.Config
	log        logger.Logger
	db         *gorm.DB
	cacheDB    *gorm.DB
	jar        *cookiejar.Jar
	transports *transport.Set
	strict     http.RoundTripper
	insecure   http.RoundTripper
	sessions   *session.Manager
	browser    *cdp.Manager
}

// New 创建服务实现
func New(cfg *config.Config, l logger.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
		cfg.Validate()
	}
	if l == nil {
		l = logger.NewNop()
	}
	for _, w := range cfg.Warnings {
		l.Warn("配置项已忽略", "reason", w)
	}

	db, err := storage.Open(cfg.Sqlite, l)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		log:      l,
		db:       db,
		jar:      cookiejar.New(storage.NewCookieStore(db), l),
		sessions: session.NewManager(l),
		browser:  cdp.New(cfg.DevToolsURL, cfg.Concurrency, l),
	}
	if err := s.jar.Load(context.Background()); err != nil {
		l.Err(err, "加载持久化 Cookie 失败")
	}
	s.seedCookies()

	if s.transports, err = transport.Build(cfg, l); err != nil {
		_ = storage.Close(db)
		return nil, err
	}
	s.strict, s.insecure = s.transports.Strict, s.transports.Insecure
	if cfg.DiskCache.Enabled {
		if err := s.enableDiskCache(); err != nil {
			_ = storage.Close(db)
			return nil, err
		}
	}
	l.Info("服务已启动", "devtools", cfg.DevToolsURL, "diskCache", cfg.DiskCache.Enabled)
	return s, nil
}

// seedCookies 依次写入内联 Cookie、JSON Cookie 与 Cookie 文件
func (s *Service) seedCookies() {
	if s.cfg.Cookies != "" && s.cfg.URL != "" {
		s.jar.SetSimple(s.cfg.Cookies, s.cfg.URL)
	}
	if s.cfg.CookieJar != "" {
		s.addRecords(s.cfg.CookieJar, "cookieJar")
	}
	if s.cfg.CookiesFile != "" {
		data, err := os.ReadFile(s.cfg.CookiesFile)
		if err != nil {
			s.log.Warn("读取 Cookie 文件失败", "file", s.cfg.CookiesFile, "error", err)
			return
		}
		s.addRecords(string(data), s.cfg.CookiesFile)
	}
}

func (s *Service) addRecords(raw, source string) {
	records, err := cookiejar.ParseRecords(raw)
	if err != nil {
		s.log.Warn("Cookie 数据无法解析，已跳过", "source", source, "error", err)
		return
	}
	if !s.jar.AddRecords(records, s.cfg.URL) {
		s.log.Warn("部分 Cookie 未被接受", "source", source)
	}
}

// enableDiskCache 磁盘缓存可使用独立的 sqlite 文件
func (s *Service) enableDiskCache() error {
	s.cacheDB = s.db
	if p := s.cfg.DiskCache.Path; p != "" {
		db, err := storage.Open(config.Sqlite{Dsn: p, Prefix: s.cfg.Sqlite.Prefix}, s.log)
		if err != nil {
			return fmt.Errorf("open disk cache: %w", err)
		}
		s.cacheDB = db
	}
	cache := storage.NewCache(s.cacheDB, s.cfg.DiskCache.MaxSizeKB, s.log)
	s.strict = transport.NewCached(s.transports.Strict, cache, s.log)
	s.insecure = transport.NewCached(s.transports.Insecure, cache, s.log)
	return nil
}

// StartSession 创建一次页面加载会话
func (s *Service) StartSession() (model.SessionID, error) {
	sess, err := s.newSession()
	if err != nil {
		return "", err
	}
	return sess.ID(), nil
}

func (s *Service) newSession() (*session.Session, error) {
	return s.sessions.Create(session.Deps{
		Config:    s.cfg,
		Transport: s.strict,
		Insecure:  s.insecure,
		Jar:       s.jar,
		Logger:    s.log,
	})
}

// StopSession 停止会话，取消在途请求
func (s *Service) StopSession(id model.SessionID) error {
	if !s.sessions.Delete(id) {
		return ErrSessionNotFound
	}
	return nil
}

// Fetch 在会话中直接执行一次请求，不经过浏览器
func (s *Service) Fetch(ctx context.Context, id model.SessionID, req *traffic.Request) (*traffic.Response, *model.ResponseEvent, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	return sess.Do(ctxkeys.WithTraceID(ctx, string(id)), req)
}

// Trace 会话的追踪记录
func (s *Service) Trace(id model.SessionID) ([]model.TraceRecord, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Trace(), nil
}

// SubscribeEvents 订阅会话的生命周期事件
func (s *Service) SubscribeEvents(id model.SessionID) (<-chan model.Event, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Subscribe()
}

// ListTargets 列出浏览器页面
func (s *Service) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	return s.browser.ListTargets(ctx)
}

// Cookies 当前 Cookie 存储的全部条目
func (s *Service) Cookies() []model.Cookie { return s.jar.All() }

// LoadPage 通过浏览器加载页面，返回完整的页面记录
func (s *Service) LoadPage(ctx context.Context, rawURL string, target model.TargetID) (*model.PageResult, error) {
	if rawURL == "" {
		rawURL = s.cfg.URL
	}
	if rawURL == "" {
		return nil, config.ErrNoURL
	}

	sess, err := s.newSession()
	if err != nil {
		return nil, err
	}
	defer s.sessions.Delete(sess.ID())
	ctx = ctxkeys.WithTraceID(ctx, string(sess.ID()))
	l := s.log.With("sessionID", string(sess.ID()))

	page, err := s.browser.Attach(ctx, target)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	h := handler.New(handler.Config{Doer: sess, Logger: l})
	if err := page.Intercept(h); err != nil {
		return nil, fmt.Errorf("enable interception: %w", err)
	}

	quiet := time.Duration(s.cfg.WaitAfterOnloadMS) * time.Millisecond
	start := time.Now()
	if err := page.Load(ctx, rawURL, quiet, sess.Idle); err != nil {
		return nil, err
	}
	content, err := page.Content(ctx)
	if err != nil {
		l.Err(err, "读取页面内容失败")
	}
	_ = page.Close()
	sess.Close()

	if err := s.jar.Save(context.WithoutCancel(ctx)); err != nil {
		l.Err(err, "保存 Cookie 失败")
	}
	trace := sess.Trace()
	l.Info("页面加载完成", "url", rawURL, "requests", len(trace), "duration", time.Since(start))
	return &model.PageResult{
		Session:     sess.ID(),
		URL:         rawURL,
		Trace:       trace,
		Cookies:     s.jar.All(),
		PageContent: content,
	}, nil
}

// Close 关闭全部会话，持久化 Cookie 并释放连接
func (s *Service) Close() error {
	s.sessions.CloseAll()
	err := s.jar.Close(context.Background())
	if err != nil {
		s.log.Err(err, "持久化 Cookie 失败")
	}
	s.transports.CloseIdleConnections()
	if s.cacheDB != nil && s.cacheDB != s.db {
		err = errors.Join(err, storage.Close(s.cacheDB))
	}
	return errors.Join(err, storage.Close(s.db))
}
