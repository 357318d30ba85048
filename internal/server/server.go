// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package server hosts the preview surface: the host page, the sandboxed preview resources,
// a small file API and a websocket that pushes pipeline state to the host page.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	playground "github.com/buke/playground-go"
	"github.com/buke/playground-go/internal/metrics"
)

// PreviewCSP isolates preview documents: scripts may run but the document gets an opaque
// origin, so it cannot reach the host page, its cookies or its storage.
const PreviewCSP = "sandbox allow-scripts allow-modals"

// maxBodySize bounds request bodies of the file API.
const maxBodySize = 4 << 20

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request metrics and serves them at /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithAllowedOrigins adds websocket origin patterns besides the server's own host.
func WithAllowedOrigins(patterns []string) Option {
	return func(s *Server) {
		s.originPatterns = append(s.originPatterns, patterns...)
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server serves one orchestrator instance.
type Server struct {
	orch           *playground.Orchestrator
	store          *playground.FileStore
	metrics        *metrics.Collector
	originPatterns []string
	logger         *slog.Logger

	hub         *hub
	mux         *http.ServeMux
	unsubscribe func()
}

// New returns a server for orch. Close releases its orchestrator subscription.
func New(orch *playground.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		store:  orch.Store(),
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, fn := range opts {
		fn(s)
	}
	s.hub = newHub(s.logger, s.metrics)
	s.routes()
	s.unsubscribe = orch.Subscribe(func(snap playground.Snapshot) {
		s.hub.broadcast(newStateResponse(snap))
	})
	return s
}

func (s *Server) routes() {
	s.handle("GET /{$}", "/", http.HandlerFunc(s.handleIndex))
	s.handle("GET /preview/{instance}/{path...}", "/preview", http.HandlerFunc(s.handlePreview))
	s.handle("GET /api/files", "/api/files", http.HandlerFunc(s.handleListFiles))
	s.handle("PUT /api/files/{name...}", "/api/files/{name}", http.HandlerFunc(s.handlePutFile))
	s.handle("DELETE /api/files/{name...}", "/api/files/{name}", http.HandlerFunc(s.handleDeleteFile))
	s.handle("POST /api/project", "/api/project", http.HandlerFunc(s.handleSetProject))
	s.handle("GET /api/state", "/api/state", http.HandlerFunc(s.handleState))
	s.handle("POST /api/rebuild", "/api/rebuild", http.HandlerFunc(s.handleRebuild))
	// Websocket upgrades hijack the connection, so they are not instrumented.
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handle(pattern, route string, h http.Handler) {
	if s.metrics != nil {
		h = s.metrics.Instrument(route, h)
	}
	s.mux.Handle(pattern, h)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Close unsubscribes from the orchestrator and disconnects websocket clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.closeAll()
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Preview server listening", "addr", addr, "instance", s.orch.InstanceID())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.orch.Current()
	entryURL := "about:blank"
	if snap.Document != nil {
		entryURL = snap.Document.EntryURL
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := hostPage.Execute(w, hostPageData{EntryURL: entryURL, InstanceID: s.orch.InstanceID()}); err != nil {
		s.logger.Error("Failed to render host page", "error", err)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("instance") != s.orch.InstanceID() {
		http.NotFound(w, r)
		return
	}
	doc := s.orch.Current().Document
	if doc == nil {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "preview not ready", http.StatusServiceUnavailable)
		return
	}

	servedPath := r.PathValue("path")
	if servedPath == "" {
		servedPath = doc.EntryPath
	}
	res, ok := doc.Resource(servedPath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	h := w.Header()
	h.Set("Content-Security-Policy", PreviewCSP)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-cache")
	h.Set("ETag", res.ETag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == res.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Content-Type", res.MIME)
	w.Write(res.Body)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files := s.store.GetFiles()
	if files == nil {
		files = playground.Project{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	if _, exists := s.store.Get(name); exists {
		err = s.store.UpdateFile(name, string(body))
	} else {
		err = s.store.AddFile(playground.ProjectFile{Name: name, Content: string(body)})
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFile(r.PathValue("name")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetProject(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	project, err := playground.ParseConfig(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetFiles(project); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStateResponse(s.orch.Current()))
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	s.orch.Rebuild()
	w.WriteHeader(http.StatusAccepted)
}

// stateResponse is the pipeline state as seen by the host page.
type stateResponse struct {
	Seq         uint64                  `json:"seq"`
	DocumentSeq uint64                  `json:"documentSeq"`
	State       playground.State        `json:"state"`
	Pending     bool                    `json:"pending"`
	EntryURL    string                  `json:"entryUrl,omitempty"`
	Blocked     bool                    `json:"blocked"`
	Diagnostics []playground.Diagnostic `json:"diagnostics"`
	Error       string                  `json:"error,omitempty"`
}

func newStateResponse(snap playground.Snapshot) stateResponse {
	resp := stateResponse{
		Seq:         snap.Seq,
		State:       snap.State,
		Pending:     snap.Pending,
		Diagnostics: snap.Diagnostics,
	}
	if resp.Diagnostics == nil {
		resp.Diagnostics = []playground.Diagnostic{}
	}
	if snap.Document != nil {
		resp.DocumentSeq = snap.Document.Seq
		resp.EntryURL = snap.Document.EntryURL
		resp.Blocked = snap.Document.Blocked
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	return resp
}

func statusFor(err error) int {
	var cfgErr *playground.ConfigError
	switch {
	case errors.Is(err, playground.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, playground.ErrDuplicateFile):
		return http.StatusConflict
	case errors.Is(err, playground.ErrInvalidName), errors.As(err, &cfgErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
