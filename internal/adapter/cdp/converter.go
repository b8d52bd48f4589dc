package cdp

import (
	"bradypod/pkg/model"
	"bradypod/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"
)

// ToNeutralRequest 将 CDP 拦截事件转换为中立 Request 模型，保留浏览器给出的头部顺序
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest(ev.Request.Method, ev.Request.URL)
	req.ResourceType = string(ev.ResourceType)

	if len(ev.Request.Headers) > 0 {
		gjson.ParseBytes(ev.Request.Headers).ForEach(func(k, v gjson.Result) bool {
			req.Headers.Add(k.String(), v.String())
			return true
		})
	}
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}
	return req
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, e := range h {
		entries = append(entries, fetch.HeaderEntry{Name: e.Name, Value: e.Value})
	}
	return entries
}

// ToFulfillArgs 用引擎的最终响应构造 FulfillRequest 参数
func ToFulfillArgs(id fetch.RequestID, resp *traffic.Response) *fetch.FulfillRequestArgs {
	args := fetch.NewFulfillRequestArgs(id, resp.StatusCode)
	args.ResponseHeaders = ToHeaderEntries(resp.Headers)
	if len(resp.Body) > 0 {
		args.Body = resp.Body
	}
	if resp.StatusText != "" {
		phrase := resp.StatusText
		args.ResponsePhrase = &phrase
	}
	return args
}

// ToErrorReason 将终结事件映射为浏览器可理解的失败原因
func ToErrorReason(ev *model.ResponseEvent) network.ErrorReason {
	if ev == nil {
		return network.ErrorReasonAborted
	}
	if ev.Stage == model.StageTimeout {
		return network.ErrorReasonTimedOut
	}
	switch ev.ErrorCode {
	case model.ErrCodeAccessDenied:
		return network.ErrorReasonAccessDenied
	case model.ErrCodeCanceled:
		return network.ErrorReasonAborted
	case model.ErrCodeTimeout:
		return network.ErrorReasonTimedOut
	case model.ErrCodeDNS:
		return network.ErrorReasonNameNotResolved
	case model.ErrCodeConnectionRefused:
		return network.ErrorReasonConnectionRefused
	case model.ErrCodeConnectionReset:
		return network.ErrorReasonConnectionReset
	case model.ErrCodeTLS:
		return network.ErrorReasonConnectionFailed
	}
	return network.ErrorReasonFailed
}
