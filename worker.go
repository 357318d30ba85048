// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"encoding/json"
	"fmt"

	jsexecutor "github.com/buke/js-executor"
)

// CompileService is the service name the compiler engine answers on the executor.
const CompileService = "playground.compileProject"

// CompilerEngine is a jsexecutor.JsEngine that compiles projects. Each engine owns no state
// besides its options, so the executor may create, recycle and discard engines freely.
// Requests and responses are JSON strings so no live Go value crosses the boundary.
type CompilerEngine struct {
	opts CompileOptions
}

// NewCompilerEngineFactory returns a JsEngineFactory producing compiler engines.
func NewCompilerEngineFactory(opts CompileOptions) jsexecutor.JsEngineFactory {
	return func() (jsexecutor.JsEngine, error) {
		return &CompilerEngine{opts: opts}, nil
	}
}

func (e *CompilerEngine) Init(scripts []*jsexecutor.InitScript) error   { return nil }
func (e *CompilerEngine) Reload(scripts []*jsexecutor.InitScript) error { return nil }
func (e *CompilerEngine) Close() error                                  { return nil }

// Execute handles a CompileService request whose single argument is a JSON CompileRequest.
// The response result is the JSON CompileResult.
func (e *CompilerEngine) Execute(req *jsexecutor.JsRequest) (resp *jsexecutor.JsResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("compiler engine panic: %v", r)
		}
	}()

	if req.Service != CompileService {
		return nil, fmt.Errorf("unknown service %q", req.Service)
	}
	if len(req.Args) != 1 {
		return nil, fmt.Errorf("%s expects 1 argument, got %d", CompileService, len(req.Args))
	}
	payload, ok := req.Args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%s expects a JSON string argument, got %T", CompileService, req.Args[0])
	}

	var compileRequest CompileRequest
	if err := json.Unmarshal([]byte(payload), &compileRequest); err != nil {
		return nil, fmt.Errorf("failed to decode compile request: %w", err)
	}

	result := CompileProject(compileRequest.Files, e.opts)
	result.Seq = compileRequest.Seq

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode compile result: %w", err)
	}
	return &jsexecutor.JsResponse{Id: req.Id, Result: string(out)}, nil
}
