package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/scheduler"
	"github.com/conneroisu/quire/internal/vdom"
	quiresocket "github.com/conneroisu/quire/internal/websocket"
)

type fakePages struct {
	mu       sync.Mutex
	ready    bool
	html     map[string]string
	aliases  map[string]string
	failures map[string]qerrors.Entry
}

func newFakePages() *fakePages {
	return &fakePages{
		ready:    true,
		html:     map[string]string{},
		aliases:  map[string]string{},
		failures: map[string]qerrors.Entry{},
	}
}

func (f *fakePages) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.ready
}

func (f *fakePages) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func (f *fakePages) Page(permalink string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	html, ok := f.html[permalink]
	return []byte(html), ok
}

func (f *fakePages) Resolve(requestPath string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := requestPath
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	if _, ok := f.html[p]; ok {
		return p, true
	}
	if _, ok := f.failures[p]; ok {
		return p, true
	}
	if target, ok := f.aliases[p]; ok {
		return target, true
	}
	return "", false
}

func (f *fakePages) Failure(permalink string) (qerrors.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.failures[permalink]
	return e, ok
}

func (f *fakePages) Failures() []qerrors.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]qerrors.Entry, 0, len(f.failures))
	for _, e := range f.failures {
		out = append(out, e)
	}
	return out
}

func newTestServer(t *testing.T, pages *fakePages) (*Server, *quiresocket.Manager, *httptest.Server) {
	t.Helper()

	live := quiresocket.NewManager(quiresocket.Config{})
	srv := New(Config{Pages: pages, Live: live, Metrics: scheduler.NewMetrics()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = live.Shutdown(context.Background())
		ts.Close()
	})

	return srv, live, ts
}

func noRedirect(ts *httptest.Server) *http.Client {
	c := ts.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return c
}

func get(t *testing.T, c *http.Client, url string) (*http.Response, string) {
	t.Helper()

	resp, err := c.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestReadyEndpoint(t *testing.T) {
	pages := newFakePages()
	pages.setReady(false)
	_, _, ts := newTestServer(t, pages)

	req, err := http.NewRequest(http.MethodHead, ts.URL+ReadyPath, nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "false", resp.Header.Get(ReadyHeader))

	pages.setReady(true)
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(ReadyHeader))

	post, err := ts.Client().Post(ts.URL+ReadyPath, "text/plain", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestLoadingPageBeforeFirstBuild(t *testing.T) {
	pages := newFakePages()
	pages.setReady(false)
	pages.html["/a/"] = "<html><body>a</body></html>"
	_, _, ts := newTestServer(t, pages)

	resp, body := get(t, ts.Client(), ts.URL+"/a/")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "Building site")
	assert.Contains(t, body, reloadTag)
	assert.NotContains(t, body, ">a<")
}

func TestServesPageWithReloadClient(t *testing.T) {
	pages := newFakePages()
	pages.html["/a/"] = "<html><body><p>a</p></BODY></html>"
	_, _, ts := newTestServer(t, pages)

	resp, body := get(t, ts.Client(), ts.URL+"/a/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "<html><body><p>a</p>"+reloadTag+"</BODY></html>", body)
}

func TestRedirectsToPermalink(t *testing.T) {
	pages := newFakePages()
	pages.html["/posts/hello/"] = "<p>hi</p>"
	pages.aliases["/old/"] = "/posts/hello/"
	_, _, ts := newTestServer(t, pages)

	c := noRedirect(ts)

	resp, _ := get(t, c, ts.URL+"/posts/hello?x=1")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/posts/hello/?x=1", resp.Header.Get("Location"))

	resp, _ = get(t, c, ts.URL+"/old/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/posts/hello/", resp.Header.Get("Location"))
}

func TestFailedPage(t *testing.T) {
	pages := newFakePages()
	entry := qerrors.Entry{Path: "content/a.html", Permalink: "/a/", Message: "unclosed <div>"}
	pages.failures["/a/"] = entry
	_, _, ts := newTestServer(t, pages)

	resp, body := get(t, ts.Client(), ts.URL+"/a/")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "content/a.html failed to build")
	assert.Contains(t, body, "unclosed &lt;div&gt;")

	// The last good rendering stays available while the error is pending.
	pages.mu.Lock()
	pages.html["/a/"] = "<p>old</p>"
	pages.mu.Unlock()

	resp, body = get(t, ts.Client(), ts.URL+"/a/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<p>old</p>"+reloadTag, body)
}

func TestNotFoundListsFailures(t *testing.T) {
	pages := newFakePages()
	pages.failures["/broken/"] = qerrors.Entry{Path: "content/broken.html", Message: "bad front matter"}
	_, _, ts := newTestServer(t, pages)

	resp, body := get(t, ts.Client(), ts.URL+"/nope/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "No page at /nope/")
	assert.Contains(t, body, "content/broken.html")
	assert.Contains(t, body, "bad front matter")
}

func TestScriptEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, newFakePages())

	resp, body := get(t, ts.Client(), ts.URL+ScriptPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Contains(t, body, "data-qid")
	assert.Contains(t, body, SocketPath)
	assert.Contains(t, body, fmt.Sprintf("var PROTOCOL_VERSION = %d;", quiresocket.ProtocolVersion))
	// Any handshake after the first reloads through the readiness probe.
	assert.Contains(t, body, "if (connected || msg.version !== PROTOCOL_VERSION)")
	assert.Contains(t, body, ReadyPath)
}

func TestMetricsEndpoint(t *testing.T) {
	pages := newFakePages()
	srv, live, ts := newTestServer(t, pages)
	srv.cfg.Metrics.RecordRun(2*time.Millisecond, nil)
	live.SendError("content/a.html", "boom")

	resp, body := get(t, ts.Client(), ts.URL+MetricsPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Ready         bool     `json:"ready"`
		Sessions      int      `json:"sessions"`
		PendingErrors []string `json:"pending_errors"`
		Scheduler     struct {
			Succeeded int64 `json:"succeeded"`
		} `json:"scheduler"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.True(t, got.Ready)
	assert.Equal(t, 0, got.Sessions)
	assert.Equal(t, []string{"content/a.html"}, got.PendingErrors)
	assert.Equal(t, int64(1), got.Scheduler.Succeeded)
}

func TestSocketThroughMiddleware(t *testing.T) {
	_, live, ts := newTestServer(t, newFakePages())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+SocketPath, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() quiresocket.Message {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg quiresocket.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	assert.Equal(t, quiresocket.TypeConnected, read().Type)

	hello, err := json.Marshal(quiresocket.ClientMessage{Type: quiresocket.TypePage, Path: "/a/"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, hello))
	require.Eventually(t, func() bool {
		return live.ActivePages().Viewers("/a/") == 1
	}, 5*time.Second, 5*time.Millisecond)

	live.SendPatch("/a/", []vdom.PatchOp{{Op: vdom.OpText, Target: "q1", Text: "hi"}})
	msg := read()
	assert.Equal(t, quiresocket.TypePatch, msg.Type)
	require.Len(t, msg.Ops, 1)
	assert.Equal(t, "hi", msg.Ops[0].Text)
}

func TestInjectScript(t *testing.T) {
	assert.Equal(t, "<p>x</p>"+reloadTag, string(injectScript([]byte("<p>x</p>"))))
	assert.Equal(t, "<body></body><body>"+reloadTag+"</body>",
		string(injectScript([]byte("<body></body><body></body>"))))
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv := New(Config{Pages: newFakePages(), Live: quiresocket.NewManager(quiresocket.Config{})})
	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()))
}
