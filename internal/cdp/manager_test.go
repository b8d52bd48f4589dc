package cdp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"bradypod/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devtoolsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"id":"bg","type":"background_page","url":"chrome-extension://x","title":"ext"},
			{"id":"p1","type":"page","url":"about:blank","title":"blank","webSocketDebuggerUrl":"ws://127.0.0.1:1/devtools/page/p1"}
		]`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestListTargetsOnlyPages(t *testing.T) {
	srv := devtoolsServer(t)
	targets, err := New(srv.URL, 4, nil).ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, model.TargetID("p1"), targets[0].ID)
	assert.Equal(t, "page", targets[0].Type)
	assert.Equal(t, "blank", targets[0].Title)
}

func TestAttachUnknownTarget(t *testing.T) {
	srv := devtoolsServer(t)
	_, err := New(srv.URL, 4, nil).Attach(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestListTargetsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	_, err := New(srv.URL, 0, nil).ListTargets(context.Background())
	assert.Error(t, err)
}
