// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"context"
	"sync"
	"sync/atomic"

	jsexecutor "github.com/buke/js-executor"
)

// compileInline answers a request the way a healthy worker does.
func compileInline(ctx context.Context, req *CompileRequest) (*CompileResult, error) {
	result := CompileProject(req.Files, CompileOptions{})
	result.Seq = req.Seq
	return result, nil
}

// MockTransport answers compile requests with a configurable function.
type MockTransport struct {
	// CallFunc handles each request; nil compiles inline
	CallFunc func(ctx context.Context, req *CompileRequest) (*CompileResult, error)

	calls  atomic.Int32
	closed atomic.Bool
}

func (m *MockTransport) Call(ctx context.Context, req *CompileRequest) (*CompileResult, error) {
	m.calls.Add(1)
	if m.CallFunc == nil {
		return compileInline(ctx, req)
	}
	return m.CallFunc(ctx, req)
}

func (m *MockTransport) Close() error {
	m.closed.Store(true)
	return nil
}

// mockFactory hands out transports in order and counts how many were created.
type mockFactory struct {
	mu         sync.Mutex
	transports []*MockTransport
	created    int
}

// newMockFactory returns a factory whose nth transport is transports[n]; once they run out,
// fresh inline transports are created.
func newMockFactory(transports ...*MockTransport) *mockFactory {
	return &mockFactory{transports: transports}
}

func (f *mockFactory) factory() (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t *MockTransport
	if f.created < len(f.transports) {
		t = f.transports[f.created]
	} else {
		t = &MockTransport{}
	}
	f.created++
	return t, nil
}

func (f *mockFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// GatedTransport holds every request until the test releases it, so tests decide the order in
// which responses arrive.
type GatedTransport struct {
	mu    sync.Mutex
	gates map[uint64]chan struct{}

	// Started receives the sequence number of each request as it arrives.
	Started chan uint64
}

func NewGatedTransport() *GatedTransport {
	return &GatedTransport{gates: make(map[uint64]chan struct{}), Started: make(chan uint64, 64)}
}

func (g *GatedTransport) gate(seq uint64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[seq]
	if !ok {
		ch = make(chan struct{})
		g.gates[seq] = ch
	}
	return ch
}

// Release lets request seq complete.
func (g *GatedTransport) Release(seq uint64) {
	close(g.gate(seq))
}

func (g *GatedTransport) Call(ctx context.Context, req *CompileRequest) (*CompileResult, error) {
	g.Started <- req.Seq
	select {
	case <-g.gate(req.Seq):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return compileInline(ctx, req)
}

func (g *GatedTransport) Close() error { return nil }

// MockEngine is a jsexecutor.JsEngine with a canned answer.
type MockEngine struct {
	// Response to return; nil returns an empty response
	Response *jsexecutor.JsResponse
	// Error to return from Execute
	ExecuteError error
}

func (e *MockEngine) Init(scripts []*jsexecutor.InitScript) error   { return nil }
func (e *MockEngine) Reload(scripts []*jsexecutor.InitScript) error { return nil }
func (e *MockEngine) Close() error                                  { return nil }

func (e *MockEngine) Execute(req *jsexecutor.JsRequest) (*jsexecutor.JsResponse, error) {
	if e.ExecuteError != nil {
		return nil, e.ExecuteError
	}
	if e.Response != nil {
		return &jsexecutor.JsResponse{Id: req.Id, Result: e.Response.Result}, nil
	}
	return &jsexecutor.JsResponse{Id: req.Id}, nil
}

// NewMockEngineFactory returns a factory producing copies of engine.
func NewMockEngineFactory(engine MockEngine) jsexecutor.JsEngineFactory {
	return func() (jsexecutor.JsEngine, error) {
		e := engine
		return &e, nil
	}
}
