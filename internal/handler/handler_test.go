package handler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bradypod/pkg/model"
	"bradypod/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeActions 记录处置动作
type fakeActions struct {
	mu        sync.Mutex
	continued []fetch.RequestID
	fulfilled []*fetch.FulfillRequestArgs
	failed    []*fetch.FailRequestArgs
}

func (f *fakeActions) ContinueRequest(_ context.Context, args *fetch.ContinueRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, args.RequestID)
	return nil
}

func (f *fakeActions) FulfillRequest(_ context.Context, args *fetch.FulfillRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = append(f.fulfilled, args)
	return nil
}

func (f *fakeActions) FailRequest(_ context.Context, args *fetch.FailRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, args)
	return nil
}

type doerFunc func(ctx context.Context, req *traffic.Request) (*traffic.Response, *model.ResponseEvent, error)

func (f doerFunc) Do(ctx context.Context, req *traffic.Request) (*traffic.Response, *model.ResponseEvent, error) {
	return f(ctx, req)
}

func paused(id, rawURL string) *fetch.RequestPausedReply {
	return &fetch.RequestPausedReply{
		RequestID: fetch.RequestID(id),
		Request:   network.Request{URL: rawURL, Method: "GET", Headers: network.Headers(`{"Accept":"text/html"}`)},
	}
}

func TestHandleRequestFulfills(t *testing.T) {
	var seen *traffic.Request
	h := New(Config{Doer: doerFunc(func(_ context.Context, req *traffic.Request) (*traffic.Response, *model.ResponseEvent, error) {
		seen = req
		resp := traffic.NewResponse()
		resp.Body = []byte("hello")
		resp.Headers.Add("Content-Type", "text/plain")
		return resp, &model.ResponseEvent{Stage: model.StageFinish}, nil
	})})
	a := &fakeActions{}
	h.HandleRequest(context.Background(), a, paused("1", "https://example.com/"))

	require.NotNil(t, seen)
	assert.Equal(t, "text/html", seen.Headers.Get("accept"))
	require.Len(t, a.fulfilled, 1)
	assert.Equal(t, 200, a.fulfilled[0].ResponseCode)
	assert.Equal(t, []byte("hello"), a.fulfilled[0].Body)
	assert.Empty(t, a.failed)
}

func TestHandleRequestFailsWithMappedReason(t *testing.T) {
	h := New(Config{Doer: doerFunc(func(context.Context, *traffic.Request) (*traffic.Response, *model.ResponseEvent, error) {
		return nil, &model.ResponseEvent{Stage: model.StageError, ErrorCode: model.ErrCodeAccessDenied}, nil
	})})
	a := &fakeActions{}
	h.HandleRequest(context.Background(), a, paused("2", "https://ads.example.com/x.js"))

	require.Len(t, a.failed, 1)
	assert.Equal(t, network.ErrorReasonAccessDenied, a.failed[0].ErrorReason)
}

func TestHandleRequestCallerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := New(Config{Doer: doerFunc(func(ctx context.Context, _ *traffic.Request) (*traffic.Response, *model.ResponseEvent, error) {
		return traffic.NewResponse(), &model.ResponseEvent{Stage: model.StageError, ErrorCode: model.ErrCodeCanceled}, ctx.Err()
	})})
	a := &fakeActions{}
	h.HandleRequest(ctx, a, paused("3", "https://example.com/"))

	require.Len(t, a.failed, 1)
	assert.Equal(t, network.ErrorReasonAborted, a.failed[0].ErrorReason)
}

func TestHandleRequestPassesBrowserSchemes(t *testing.T) {
	h := New(Config{Doer: doerFunc(func(context.Context, *traffic.Request) (*traffic.Response, *model.ResponseEvent, error) {
		return nil, nil, errors.New("must not be called")
	})})
	a := &fakeActions{}
	h.HandleRequest(context.Background(), a, paused("4", "data:text/plain,hi"))
	h.HandleRequest(context.Background(), a, paused("5", "blob:https://example.com/uuid"))
	assert.Equal(t, []fetch.RequestID{"4", "5"}, a.continued)
	assert.Empty(t, a.fulfilled)
}
