package network

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"bradypod/pkg/model"
	"bradypod/pkg/traffic"
)

// Observer 生命周期事件的唯一消费者
// ResourceRequested 在发出请求前同步调用，可通过 handle 修改请求
type Observer interface {
	ResourceRequested(rec model.RequestRecord, h *RequestHandle)
	ResourceEvent(ev model.ResponseEvent)
}

// Hooks 按阶段拆分的回调，未设置的回调直接忽略
type Hooks struct {
	OnResourceRequested func(rec model.RequestRecord, h *RequestHandle)
	OnResourceStart     func(ev model.ResponseEvent)
	OnResourceFinished  func(ev model.ResponseEvent)
	OnResourceError     func(ev model.ResponseEvent)
	OnResourceTimeout   func(ev model.ResponseEvent)
	OnResourceRedirect  func(ev model.ResponseEvent)
}

func (h Hooks) ResourceRequested(rec model.RequestRecord, handle *RequestHandle) {
	if h.OnResourceRequested != nil {
		h.OnResourceRequested(rec, handle)
	}
}

func (h Hooks) ResourceEvent(ev model.ResponseEvent) {
	var fn func(model.ResponseEvent)
	switch ev.Stage {
	case model.StageStart:
		fn = h.OnResourceStart
	case model.StageFinish:
		fn = h.OnResourceFinished
	case model.StageError:
		fn = h.OnResourceError
	case model.StageTimeout:
		fn = h.OnResourceTimeout
	case model.StageRedirect:
		fn = h.OnResourceRedirect
	}
	if fn != nil {
		fn(ev)
	}
}

type nopObserver struct{}

func (nopObserver) ResourceRequested(model.RequestRecord, *RequestHandle) {}
func (nopObserver) ResourceEvent(model.ResponseEvent)                    {}

// RequestHandle 请求发出前交给观察者的句柄，只在 ResourceRequested 回调期间有效
type RequestHandle struct {
	mu      sync.Mutex
	req     *traffic.Request
	aborted bool
}

func newRequestHandle(req *traffic.Request) *RequestHandle {
	return &RequestHandle{req: req}
}

// Abort 取消请求，不会产生任何网络访问
func (h *RequestHandle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted = true
}

// ChangeURL 修改请求地址，仅接受绝对地址
func (h *RequestHandle) ChangeURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("change url: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("change url: %q is not absolute", rawURL)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.req == nil {
		return ErrHandleExpired
	}
	h.req.URL = u.String()
	return nil
}

// SetHeader 设置请求头，value 为空时删除该头
func (h *RequestHandle) SetHeader(name, value string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.req == nil {
		return false
	}
	if value == "" {
		h.req.Headers.Del(name)
	} else {
		h.req.Headers.Set(name, value)
	}
	return true
}

func (h *RequestHandle) expire() (aborted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.req = nil
	return h.aborted
}
