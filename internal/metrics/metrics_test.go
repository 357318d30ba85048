// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	playground "github.com/buke/playground-go"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorImplementsObserver(t *testing.T) {
	var _ playground.Observer = New(nil)
}

func TestCompileMetrics(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.CompileIssued(1)
	c.CompileIssued(2)
	c.CompileSettled(1, 10*time.Millisecond, playground.ErrSuperseded)
	c.CompileSettled(2, 20*time.Millisecond, nil)
	c.ResultDropped(1)
	c.PreviewPublished(&playground.PreviewDocument{Seq: 2}, 30*time.Millisecond)
	c.PreviewPublished(&playground.PreviewDocument{Seq: 3, Blocked: true}, 30*time.Millisecond)
	c.CompileSettled(4, time.Second, errors.New("boom"))
	c.WorkerRestarted(errors.New("boom"))

	body := scrape(t, c)
	assert.Contains(t, body, "playground_compile_requests_total 2")
	assert.Contains(t, body, `playground_compile_results_total{result="ok"} 1`)
	assert.Contains(t, body, `playground_compile_results_total{result="superseded"} 1`)
	assert.Contains(t, body, `playground_compile_results_total{result="error"} 1`)
	assert.Contains(t, body, "playground_results_dropped_total 1")
	assert.Contains(t, body, `playground_preview_builds_total{outcome="previewing"} 1`)
	assert.Contains(t, body, `playground_preview_builds_total{outcome="blocked"} 1`)
	assert.Contains(t, body, "playground_worker_restarts_total 1")
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ok", nil, "ok"},
		{"superseded", playground.ErrSuperseded, "superseded"},
		{"timeout", playground.ErrWorkerTimeout, "timeout"},
		{"restarted", playground.ErrWorkerRestarted, "restarted"},
		{"other", errors.New("x"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resultLabel(tt.err))
		})
	}
}

func TestStoreChanged(t *testing.T) {
	c := New(nil)
	store, err := playground.NewFileStore(playground.Project{{Name: "index.html", Content: "<p>hi</p>"}})
	require.NoError(t, err)
	store.Subscribe(c.StoreChanged)

	require.NoError(t, store.UpdateFile("index.html", "<p>bye</p>"))
	require.NoError(t, store.AddFile(playground.ProjectFile{Name: "main.js"}))

	body := scrape(t, c)
	assert.Contains(t, body, `playground_store_changes_total{kind="updated"} 1`)
	assert.Contains(t, body, `playground_store_changes_total{kind="added"} 1`)
}

func TestInstrument(t *testing.T) {
	c := New(nil)
	h := c.Instrument("/api/files", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/files", nil))

	body := scrape(t, c)
	assert.Contains(t, body, `playground_http_requests_total{method="GET",route="/api/files",status="418"} 1`)
}
