// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package qjspreview

import (
	jsexecutor "github.com/buke/js-executor"
	quickjsengine "github.com/buke/js-executor/engines/quickjs-go"
)

// newPreviewFactory creates a JsEngineFactory whose engines carry the DOM shim of host.
// Additional QuickJS engine options run before the shim is installed.
func newPreviewFactory(host *domHost, options ...quickjsengine.Option) jsexecutor.JsEngineFactory {
	options = append(options[:len(options):len(options)], host.loadDOMModule)
	return quickjsengine.NewFactory(options...)
}
