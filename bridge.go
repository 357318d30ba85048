// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds how long the bridge waits for the worker before treating it as
// wedged and recreating it.
const DefaultRequestTimeout = 10 * time.Second

// Call is an outstanding compile request. It is settled exactly once, with either a result or
// an error.
type Call struct {
	Seq uint64

	once   sync.Once
	done   chan struct{}
	result *CompileResult
	err    error
}

func newCall(seq uint64) *Call {
	return &Call{Seq: seq, done: make(chan struct{})}
}

// settle records the outcome. Only the first settlement counts.
func (c *Call) settle(result *CompileResult, err error) bool {
	settled := false
	c.once.Do(func() {
		c.result, c.err = result, err
		close(c.done)
		settled = true
	})
	return settled
}

// Done is closed when the call settles.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call settles or ctx is done.
func (c *Call) Wait(ctx context.Context) (*CompileResult, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithRequestTimeout sets the per-request timeout. Zero disables it.
func WithRequestTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithRestartHook registers a function called, under no lock, whenever the worker is torn down.
func WithRestartHook(fn func(reason error)) BridgeOption {
	return func(b *Bridge) {
		b.onRestart = fn
	}
}

// Bridge is the request/response channel between the orchestrator and the compile worker.
// Every request gets a sequence number; issuing a request supersedes all older ones, so callers
// only ever observe the latest result. A failing or wedged worker is torn down, every
// outstanding call is rejected, and the next request starts a new worker.
type Bridge struct {
	factory   TransportFactory
	timeout   time.Duration
	logger    *slog.Logger
	onRestart func(reason error)

	mu         sync.Mutex
	transport  Transport
	generation uint64
	seq        uint64
	pending    map[uint64]*Call
	closed     bool
}

// NewBridge returns a bridge that creates transports with factory on demand.
func NewBridge(factory TransportFactory, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		factory: factory,
		timeout: DefaultRequestTimeout,
		logger:  slog.Default(),
		pending: make(map[uint64]*Call),
	}
	for _, fn := range opts {
		fn(b)
	}
	return b
}

// Request sends a snapshot of project to the worker. Any older call that is still outstanding
// settles with ErrSuperseded and its late response is dropped.
func (b *Bridge) Request(ctx context.Context, project Project) *Call {
	b.mu.Lock()
	b.seq++
	call := newCall(b.seq)
	if b.closed {
		b.mu.Unlock()
		call.settle(nil, ErrClosed)
		return call
	}

	for seq, old := range b.pending {
		delete(b.pending, seq)
		old.settle(nil, ErrSuperseded)
	}

	if b.transport == nil {
		t, err := b.factory()
		if err != nil {
			b.mu.Unlock()
			b.logger.Error("Failed to start compile worker", "error", err)
			call.settle(nil, fmt.Errorf("failed to start compile worker: %w", err))
			return call
		}
		b.transport = t
		b.generation++
	}
	b.pending[call.Seq] = call
	transport, generation := b.transport, b.generation
	b.mu.Unlock()

	req := &CompileRequest{Seq: call.Seq, Files: project.Clone()}
	go b.run(ctx, transport, generation, call, req)
	return call
}

// run performs the transport call and settles call unless it was superseded or rejected
// meanwhile.
func (b *Bridge) run(ctx context.Context, transport Transport, generation uint64, call *Call, req *CompileRequest) {
	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	result, err := transport.Call(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrWorkerTimeout, b.timeout)
	}

	b.mu.Lock()
	if b.pending[call.Seq] != call {
		b.mu.Unlock()
		b.logger.Debug("Discarding stale compile response", "seq", call.Seq)
		return
	}
	delete(b.pending, call.Seq)

	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; the worker itself is not at fault.
			b.mu.Unlock()
			call.settle(nil, ctx.Err())
			return
		}
		restarted := generation == b.generation && b.transport != nil
		if restarted {
			b.teardownLocked(err)
		}
		b.mu.Unlock()
		b.logger.Error("Compile request failed", "seq", call.Seq, "error", err)
		if restarted && b.onRestart != nil {
			b.onRestart(err)
		}
		call.settle(nil, err)
		return
	}
	b.mu.Unlock()
	call.settle(result, nil)
}

// teardownLocked closes the current transport and rejects every outstanding call.
// b.mu must be held.
func (b *Bridge) teardownLocked(reason error) {
	if t := b.transport; t != nil {
		b.transport = nil
		b.generation++
		// A wedged worker may never return from Close.
		go func() {
			if err := t.Close(); err != nil {
				b.logger.Warn("Failed to close compile worker", "error", err)
			}
		}()
	}
	for seq, call := range b.pending {
		delete(b.pending, seq)
		call.settle(nil, fmt.Errorf("%w: %v", ErrWorkerRestarted, reason))
	}
}

// Restart tears down the worker. Outstanding calls are rejected with ErrWorkerRestarted and
// the next Request starts a fresh worker.
func (b *Bridge) Restart() {
	b.mu.Lock()
	b.teardownLocked(errors.New("restart requested"))
	b.mu.Unlock()
	if b.onRestart != nil {
		b.onRestart(errors.New("restart requested"))
	}
}

// Pending returns the number of outstanding calls.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close rejects outstanding calls with ErrClosed and stops the worker. Later requests settle
// immediately with ErrClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for seq, call := range b.pending {
		delete(b.pending, seq)
		call.settle(nil, ErrClosed)
	}
	if b.transport != nil {
		t := b.transport
		b.transport = nil
		b.generation++
		return t.Close()
	}
	return nil
}
