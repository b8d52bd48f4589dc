package model

import (
	"strconv"
	"time"
)

type SessionID string
type TargetID string

// CorrelationID 单次页面加载内请求的唯一标识，单调递增且不复用
type CorrelationID int64

// String 返回十进制表示，作为导出记录的键
func (id CorrelationID) String() string { return strconv.FormatInt(int64(id), 10) }

// Stage 响应生命周期阶段
type Stage string

const (
	StageStart    Stage = "start"
	StageFinish   Stage = "finish"
	StageError    Stage = "error"
	StageTimeout  Stage = "timeout"
	StageRedirect Stage = "redirect"
)

// Terminal 判断阶段是否为终结阶段
func (s Stage) Terminal() bool {
	switch s {
	case StageFinish, StageError, StageTimeout, StageRedirect:
		return true
	}
	return false
}

// 终结事件携带的错误码
const (
	ErrCodeAccessDenied      = "access_denied"
	ErrCodeTimeout           = "timeout"
	ErrCodeCanceled          = "canceled"
	ErrCodeTLS               = "tls"
	ErrCodeDNS               = "dns"
	ErrCodeConnectionRefused = "connection_refused"
	ErrCodeConnectionReset   = "connection_reset"
	ErrCodeNetwork           = "network"
	ErrCodeAuth              = "auth"
	ErrCodeRedirectLoop      = "redirect_loop"
)

// Header 有序头部条目，允许重名
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestRecord 请求记录，发出后不可变
type RequestRecord struct {
	ID       CorrelationID `json:"id"`
	URL      string        `json:"url"`
	Method   string        `json:"method"`
	Headers  []Header      `json:"headers"`
	PostData *string       `json:"postData,omitempty"`
	Time     time.Time     `json:"time"`
}

// ResponseEvent 响应生命周期事件
type ResponseEvent struct {
	ID          CorrelationID `json:"id"`
	Stage       Stage         `json:"stage"`
	URL         string        `json:"url"`
	Status      int           `json:"status,omitempty"`
	StatusText  string        `json:"statusText,omitempty"`
	Headers     []Header      `json:"headers,omitempty"`
	ContentType string        `json:"contentType,omitempty"`
	BodySize    int64         `json:"bodySize"`
	RedirectURL string        `json:"redirectURL,omitempty"`
	Body        string        `json:"body,omitempty"`
	ErrorCode   string        `json:"errorCode,omitempty"`
	ErrorString string        `json:"errorString,omitempty"`
	Time        time.Time     `json:"time"`
}

// TraceRecord 单个逻辑请求的聚合记录
type TraceRecord struct {
	ID       CorrelationID  `json:"id"`
	Request  *RequestRecord `json:"request,omitempty"`
	Progress *ResponseEvent `json:"progress,omitempty"`
	Response *ResponseEvent `json:"response,omitempty"`
}

// Closed 是否已记录终结事件
func (r TraceRecord) Closed() bool { return r.Response != nil }

type EventType string

const (
	EventRequest  EventType = "request"
	EventResponse EventType = "response"
)

// Event 生命周期事件，Request 与 Response 二选一
type Event struct {
	Type      EventType      `json:"type"`
	Session   SessionID      `json:"session"`
	Request   *RequestRecord `json:"request,omitempty"`
	Response  *ResponseEvent `json:"response,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// ID 返回事件关联的请求标识
func (e Event) ID() CorrelationID {
	if e.Request != nil {
		return e.Request.ID
	}
	if e.Response != nil {
		return e.Response.ID
	}
	return 0
}

// Cookie Cookie 条目，Expires 为空表示会话 Cookie
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	HTTPOnly bool       `json:"httponly"`
	Secure   bool       `json:"secure"`
	Expires  *time.Time `json:"expires,omitempty"`
}

// IsSession 是否为会话 Cookie
func (c Cookie) IsSession() bool { return c.Expires == nil }

// CookieKey Cookie 唯一键
type CookieKey struct {
	Name   string
	Domain string
	Path   string
}

// Key 返回 (name, domain, path) 唯一键
func (c Cookie) Key() CookieKey { return CookieKey{Name: c.Name, Domain: c.Domain, Path: c.Path} }

// PageResult 页面加载完成后交给导出方的完整记录
type PageResult struct {
	Session     SessionID     `json:"session"`
	URL         string        `json:"url"`
	Trace       []TraceRecord `json:"data"`
	Cookies     []Cookie      `json:"cookiejar"`
	PageContent string        `json:"page_content"`
}

type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
}
