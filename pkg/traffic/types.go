package traffic

import (
	"maps"
	"net/http"
	"slices"
	"strings"

	"bradypod/pkg/model"
)

// Header 有序的头部列表，名称大小写不敏感，允许重名
type Header []model.Header

// Get 获取首个同名头部的值（大小写不敏感）
func (h Header) Get(key string) string {
	for _, e := range h {
		if strings.EqualFold(e.Name, key) {
			return e.Value
		}
	}
	return ""
}

// Has 判断是否存在指定头部
func (h Header) Has(key string) bool {
	for _, e := range h {
		if strings.EqualFold(e.Name, key) {
			return true
		}
	}
	return false
}

// Values 获取所有同名头部的值
func (h Header) Values(key string) []string {
	var out []string
	for _, e := range h {
		if strings.EqualFold(e.Name, key) {
			out = append(out, e.Value)
		}
	}
	return out
}

// Set 替换同名头部，保留首次出现的位置
func (h *Header) Set(key, value string) {
	out := (*h)[:0]
	replaced := false
	for _, e := range *h {
		if strings.EqualFold(e.Name, key) {
			if replaced {
				continue
			}
			e = model.Header{Name: key, Value: value}
			replaced = true
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, model.Header{Name: key, Value: value})
	}
	*h = out
}

// Add 追加头部
func (h *Header) Add(key, value string) {
	*h = append(*h, model.Header{Name: key, Value: value})
}

// Del 删除所有同名头部
func (h *Header) Del(key string) {
	out := (*h)[:0]
	for _, e := range *h {
		if !strings.EqualFold(e.Name, key) {
			out = append(out, e)
		}
	}
	*h = out
}

// Clone 深拷贝
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// FromHTTP 从 net/http 头部转换，按名称排序以保证稳定顺序
func FromHTTP(src http.Header) Header {
	out := make(Header, 0, len(src))
	for _, k := range slices.Sorted(maps.Keys(src)) {
		for _, v := range src[k] {
			out = append(out, model.Header{Name: k, Value: v})
		}
	}
	return out
}

// ToHTTP 转换为 net/http 头部
func (h Header) ToHTTP() http.Header {
	out := make(http.Header, len(h))
	for _, e := range h {
		out[http.CanonicalHeaderKey(e.Name)] = append(out[http.CanonicalHeaderKey(e.Name)], e.Value)
	}
	return out
}

// Request 中立的请求模型
type Request struct {
	URL          string // 完整URL
	Method       string // HTTP方法
	Headers      Header // 请求头
	Body         []byte // 请求体原始数据
	ResourceType string // 资源类型 (如 Document, XHR)
}

// Response 中立的响应模型
type Response struct {
	URL        string // 最终URL（重定向后）
	StatusCode int    // 状态码
	StatusText string // 状态描述
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest(method, rawURL string) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		URL:     rawURL,
		Method:  strings.ToUpper(method),
		Headers: make(Header, 0),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header, 0),
	}
}
