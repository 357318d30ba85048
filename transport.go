// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"context"
	"encoding/json"
	"fmt"

	jsexecutor "github.com/buke/js-executor"
	"github.com/rs/xid"
)

// Transport carries one compile request to an isolated worker and back. Call must return when
// ctx is done even if the worker has not answered.
type Transport interface {
	Call(ctx context.Context, req *CompileRequest) (*CompileResult, error)
	Close() error
}

// TransportFactory creates a fresh transport. The bridge calls it on first use and after every
// teardown.
type TransportFactory func() (Transport, error)

// ExecutorTransport sends compile requests to a js-executor pool of compiler engines.
type ExecutorTransport struct {
	exec *jsexecutor.JsExecutor
}

// NewExecutorTransport starts an executor whose engines come from engineFactory.
func NewExecutorTransport(engineFactory jsexecutor.JsEngineFactory) (*ExecutorTransport, error) {
	exec, err := jsexecutor.NewExecutor(jsexecutor.WithJsEngine(engineFactory))
	if err != nil {
		return nil, fmt.Errorf("failed to create compile executor: %w", err)
	}
	if err := exec.Start(); err != nil {
		return nil, fmt.Errorf("failed to start compile executor: %w", err)
	}
	return &ExecutorTransport{exec: exec}, nil
}

// ExecutorTransportFactory returns a TransportFactory that starts a new executor each time.
func ExecutorTransportFactory(engineFactory jsexecutor.JsEngineFactory) TransportFactory {
	return func() (Transport, error) {
		return NewExecutorTransport(engineFactory)
	}
}

type executorReply struct {
	resp *jsexecutor.JsResponse
	err  error
}

// Call implements Transport.
func (t *ExecutorTransport) Call(ctx context.Context, req *CompileRequest) (*CompileResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode compile request: %w", err)
	}

	// Execute is not preemptible; the goroutine outlives ctx and its reply is dropped.
	replies := make(chan executorReply, 1)
	go func() {
		resp, err := t.exec.Execute(&jsexecutor.JsRequest{
			Id:      xid.New().String(),
			Service: CompileService,
			Args:    []interface{}{string(payload)},
		})
		replies <- executorReply{resp: resp, err: err}
	}()

	var reply executorReply
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply = <-replies:
	}

	if reply.err != nil {
		return nil, fmt.Errorf("compile worker failed: %w", reply.err)
	}
	if reply.resp == nil {
		return nil, fmt.Errorf("compile worker returned no response")
	}
	raw, ok := reply.resp.Result.(string)
	if !ok {
		return nil, fmt.Errorf("invalid response from compile worker: %T", reply.resp.Result)
	}

	var result CompileResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to decode compile result: %w", err)
	}
	if result.Seq != req.Seq {
		return nil, fmt.Errorf("compile worker answered request %d with result %d", req.Seq, result.Seq)
	}
	return &result, nil
}

// Close stops the executor and its engines.
func (t *ExecutorTransport) Close() error {
	t.exec.Stop()
	return nil
}
