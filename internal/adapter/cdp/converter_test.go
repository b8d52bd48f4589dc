package cdp

import (
	"testing"

	"bradypod/pkg/model"
	"bradypod/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToNeutralRequestKeepsHeaderOrder(t *testing.T) {
	body := `{"q":1}`
	ev := &fetch.RequestPausedReply{
		RequestID:    "interception-1",
		ResourceType: "XHR",
		Request: network.Request{
			URL:      "https://example.com/api",
			Method:   "post",
			Headers:  network.Headers(`{"User-Agent":"bot","Accept":"*/*","Content-Type":"application/json"}`),
			PostData: &body,
		},
	}
	req := ToNeutralRequest(ev)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "https://example.com/api", req.URL)
	assert.Equal(t, "XHR", req.ResourceType)
	assert.Equal(t, []byte(body), req.Body)

	var names []string
	for _, h := range req.Headers {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"User-Agent", "Accept", "Content-Type"}, names)
}

func TestToFulfillArgs(t *testing.T) {
	resp := &traffic.Response{
		StatusCode: 404,
		StatusText: "Not Found",
		Headers:    traffic.Header{{Name: "Set-Cookie", Value: "a=1"}, {Name: "Set-Cookie", Value: "b=2"}},
		Body:       []byte("missing"),
	}
	args := ToFulfillArgs("interception-2", resp)
	assert.Equal(t, fetch.RequestID("interception-2"), args.RequestID)
	assert.Equal(t, 404, args.ResponseCode)
	require.Len(t, args.ResponseHeaders, 2)
	assert.Equal(t, "b=2", args.ResponseHeaders[1].Value)
	assert.Equal(t, []byte("missing"), args.Body)
	require.NotNil(t, args.ResponsePhrase)
	assert.Equal(t, "Not Found", *args.ResponsePhrase)
}

func TestToErrorReason(t *testing.T) {
	cases := []struct {
		ev   *model.ResponseEvent
		want network.ErrorReason
	}{
		{nil, network.ErrorReasonAborted},
		{&model.ResponseEvent{Stage: model.StageTimeout}, network.ErrorReasonTimedOut},
		{&model.ResponseEvent{Stage: model.StageError, ErrorCode: model.ErrCodeAccessDenied}, network.ErrorReasonAccessDenied},
		{&model.ResponseEvent{Stage: model.StageError, ErrorCode: model.ErrCodeDNS}, network.ErrorReasonNameNotResolved},
		{&model.ResponseEvent{Stage: model.StageError, ErrorCode: model.ErrCodeConnectionRefused}, network.ErrorReasonConnectionRefused},
		{&model.ResponseEvent{Stage: model.StageError, ErrorCode: model.ErrCodeRedirectLoop}, network.ErrorReasonFailed},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ToErrorReason(c.ev))
	}
}
