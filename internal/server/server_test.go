// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	playground "github.com/buke/playground-go"
	"github.com/buke/playground-go/internal/metrics"
)

// inlineTransport compiles in the calling goroutine.
type inlineTransport struct{}

func (inlineTransport) Call(ctx context.Context, req *playground.CompileRequest) (*playground.CompileResult, error) {
	result := playground.CompileProject(req.Files, playground.CompileOptions{})
	result.Seq = req.Seq
	return result, nil
}

func (inlineTransport) Close() error { return nil }

// brokenTransport fails every call once broken is set, and compiles inline before that.
type brokenTransport struct {
	broken *atomic.Bool
}

func (b brokenTransport) Call(ctx context.Context, req *playground.CompileRequest) (*playground.CompileResult, error) {
	if b.broken.Load() {
		return nil, errors.New("worker crashed")
	}
	return inlineTransport{}.Call(ctx, req)
}

func (brokenTransport) Close() error { return nil }

// wireState mirrors stateResponse as the host page sees it.
type wireState struct {
	Seq         uint64                  `json:"seq"`
	DocumentSeq uint64                  `json:"documentSeq"`
	State       string                  `json:"state"`
	Pending     bool                    `json:"pending"`
	EntryURL    string                  `json:"entryUrl"`
	Blocked     bool                    `json:"blocked"`
	Diagnostics []playground.Diagnostic `json:"diagnostics"`
	Error       string                  `json:"error"`
}

var testProject = playground.Project{
	{Name: "index.html", Content: `<html><head><title>Test</title></head><body><div id="app"></div><script type="module" src="./main.ts"></script></body></html>`},
	{Name: "main.ts", Content: `const el: HTMLElement | null = document.getElementById("app"); if (el) el.textContent = "hello";`},
}

func newOrchestrator(t *testing.T, project playground.Project, start bool) *playground.Orchestrator {
	t.Helper()
	store, err := playground.NewFileStore(project)
	require.NoError(t, err)
	bridge := playground.NewBridge(func() (playground.Transport, error) { return inlineTransport{}, nil })
	orch := playground.NewOrchestrator(store, bridge,
		playground.WithDebounce(0),
		playground.WithResolverOptions(playground.WithInstanceID("test")),
	)
	t.Cleanup(func() {
		orch.Close()
		bridge.Close()
	})
	if start {
		require.NoError(t, orch.Start(context.Background()))
		require.Eventually(t, func() bool {
			return orch.Current().Document != nil
		}, 5*time.Second, 10*time.Millisecond)
	}
	return orch
}

func newServer(t *testing.T, orch *playground.Orchestrator, opts ...Option) *Server {
	t.Helper()
	s := New(orch, opts...)
	t.Cleanup(s.Close)
	return s
}

func get(t *testing.T, h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPreviewResources(t *testing.T) {
	s := newServer(t, newOrchestrator(t, testProject, true))
	h := s.Handler()

	t.Run("entry_document", func(t *testing.T) {
		rec := get(t, h, "/preview/test/index.html", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, PreviewCSP, rec.Header().Get("Content-Security-Policy"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), `src="/preview/test/main.js"`)
		assert.Contains(t, rec.Body.String(), playground.BootstrapAttr)
	})

	t.Run("compiled_module", func(t *testing.T) {
		rec := get(t, h, "/preview/test/main.js", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/javascript")
		assert.NotContains(t, rec.Body.String(), "HTMLElement | null")
		assert.Contains(t, rec.Body.String(), `"hello"`)
	})

	t.Run("default_path_is_entry", func(t *testing.T) {
		rec := get(t, h, "/preview/test/", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	})

	t.Run("not_modified", func(t *testing.T) {
		etag := get(t, h, "/preview/test/main.js", nil).Header().Get("ETag")
		require.NotEmpty(t, etag)
		rec := get(t, h, "/preview/test/main.js", http.Header{"If-None-Match": {etag}})
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("unknown_instance", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(t, h, "/preview/other/index.html", nil).Code)
	})

	t.Run("unknown_file", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(t, h, "/preview/test/missing.js", nil).Code)
	})
}

func TestPreviewNotReady(t *testing.T) {
	s := newServer(t, newOrchestrator(t, testProject, false))

	rec := get(t, s.Handler(), "/preview/test/index.html", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestPreviewAfterWorkerFailure(t *testing.T) {
	broken := &atomic.Bool{}
	store, err := playground.NewFileStore(playground.Project{
		{Name: "index.html", Content: `<html><head><script type="module" src="./main.ts"></script></head><body><p>old</p></body></html>`},
		{Name: "main.ts", Content: `document.title = "old";`},
	})
	require.NoError(t, err)
	bridge := playground.NewBridge(func() (playground.Transport, error) { return brokenTransport{broken: broken}, nil })
	orch := playground.NewOrchestrator(store, bridge,
		playground.WithDebounce(0),
		playground.WithResolverOptions(playground.WithInstanceID("test")),
	)
	t.Cleanup(func() {
		orch.Close()
		bridge.Close()
	})
	require.NoError(t, orch.Start(context.Background()))
	require.Eventually(t, func() bool {
		return orch.Current().State == playground.StatePreviewing
	}, 5*time.Second, 10*time.Millisecond)

	h := newServer(t, orch).Handler()
	require.Contains(t, get(t, h, "/preview/test/", nil).Body.String(), "<p>old</p>")

	broken.Store(true)
	require.NoError(t, store.UpdateFile("index.html", `<html><head></head><body><p>new</p></body></html>`))
	require.Eventually(t, func() bool {
		s := orch.Current()
		return s.State == playground.StateFailed && s.Err != nil && !s.Pending
	}, 5*time.Second, 10*time.Millisecond)

	rec := get(t, h, "/preview/test/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<p>old</p>")
	assert.Contains(t, rec.Body.String(), "worker crashed")
	assert.Equal(t, http.StatusNotFound, get(t, h, "/preview/test/main.js", nil).Code)

	var state wireState
	require.NoError(t, json.Unmarshal(get(t, h, "/api/state", nil).Body.Bytes(), &state))
	assert.True(t, state.Blocked)
	assert.Equal(t, "failed", state.State)
}

func TestHostPage(t *testing.T) {
	s := newServer(t, newOrchestrator(t, testProject, true))

	rec := get(t, s.Handler(), "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `sandbox="allow-scripts allow-modals"`)
	assert.Contains(t, body, `src="/preview/test/index.html"`)
	assert.Contains(t, body, `data-instance="test"`)
}

func TestFileAPI(t *testing.T) {
	orch := newOrchestrator(t, testProject, true)
	s := newServer(t, orch)
	h := s.Handler()

	do := func(method, target, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
		return rec
	}

	t.Run("list", func(t *testing.T) {
		rec := get(t, h, "/api/files", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var files playground.Project
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
		assert.Equal(t, []string{"index.html", "main.ts"}, files.Names())
	})

	t.Run("update_existing", func(t *testing.T) {
		rec := do(http.MethodPut, "/api/files/main.ts", `document.title = "changed";`)
		require.Equal(t, http.StatusNoContent, rec.Code)
		f, ok := orch.Store().Get("main.ts")
		require.True(t, ok)
		assert.Equal(t, `document.title = "changed";`, f.Content)
	})

	t.Run("add_nested", func(t *testing.T) {
		rec := do(http.MethodPut, "/api/files/styles/site.css", `body{}`)
		require.Equal(t, http.StatusNoContent, rec.Code)
		f, ok := orch.Store().Get("styles/site.css")
		require.True(t, ok)
		assert.Equal(t, playground.ContentTypeCSS, f.ContentType)
	})

	t.Run("delete", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/api/files/styles/site.css", "").Code)
		assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, "/api/files/styles/site.css", "").Code)
	})

	t.Run("replace_project", func(t *testing.T) {
		rec := do(http.MethodPost, "/api/project", `{"files": {"index.html": {"content": "<p>replaced</p>"}}}`)
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"index.html"}, orch.Store().GetFiles().Names())
	})

	t.Run("invalid_project", func(t *testing.T) {
		rec := do(http.MethodPost, "/api/project", `{"files": {"index.html": {}}}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "files.index.html.content")
		assert.Equal(t, []string{"index.html"}, orch.Store().GetFiles().Names())
	})
}

func TestStateEndpoint(t *testing.T) {
	orch := newOrchestrator(t, testProject, true)
	s := newServer(t, orch)

	require.Eventually(t, func() bool {
		return orch.Current().State == playground.StatePreviewing
	}, 5*time.Second, 10*time.Millisecond)

	rec := get(t, s.Handler(), "/api/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state wireState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "previewing", state.State)
	assert.Equal(t, "/preview/test/index.html", state.EntryURL)
	assert.False(t, state.Blocked)
	assert.NotNil(t, state.Diagnostics)
	assert.Equal(t, state.Seq, state.DocumentSeq)
}

func TestRebuildEndpoint(t *testing.T) {
	orch := newOrchestrator(t, testProject, true)
	s := newServer(t, orch)
	before := orch.Current().Seq

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rebuild", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Greater(t, orch.Current().Seq, before)
}

func TestWebSocketPushesState(t *testing.T) {
	orch := newOrchestrator(t, testProject, false)
	s := newServer(t, orch)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		return len(s.hub.clients) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, orch.Start(context.Background()))

	readUntil := func(cond func(wireState) bool) wireState {
		t.Helper()
		for {
			_, data, err := conn.Read(ctx)
			require.NoError(t, err)
			var state wireState
			require.NoError(t, json.Unmarshal(data, &state))
			if cond(state) {
				return state
			}
		}
	}

	first := readUntil(func(st wireState) bool { return st.DocumentSeq > 0 && st.State == "previewing" })
	assert.Equal(t, "/preview/test/index.html", first.EntryURL)

	require.NoError(t, orch.Store().UpdateFile("main.ts", "const x: number = ;"))
	failed := readUntil(func(st wireState) bool { return st.DocumentSeq > first.DocumentSeq })
	assert.True(t, failed.Blocked)
	assert.Equal(t, "failed", failed.State)
	require.NotEmpty(t, failed.Diagnostics)
	assert.Equal(t, "main.ts", failed.Diagnostics[0].File)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	s := newServer(t, newOrchestrator(t, testProject, false))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"https://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, newOrchestrator(t, testProject, true), WithMetrics(metrics.New(nil)))
	h := s.Handler()

	get(t, h, "/api/state", nil)
	rec := get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `playground_http_requests_total{method="GET",route="/api/state",status="200"} 1`)
}
