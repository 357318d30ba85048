// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	playground "github.com/buke/playground-go"
	"github.com/buke/playground-go/internal/metrics"
	"github.com/buke/playground-go/internal/workspace"
)

// sampleProject is served when no project directory or file is configured.
func sampleProject() playground.Project {
	return playground.Project{
		{
			Name: "index.html",
			Content: `<!DOCTYPE html>
<html>
<head>
  <title>Playground</title>
  <link rel="stylesheet" href="./style.css">
</head>
<body>
  <h1 id="greeting"></h1>
  <script type="module" src="./main.ts"></script>
</body>
</html>
`,
		},
		{
			Name: "main.ts",
			Content: `import { greet } from "./greet";

const el = document.getElementById("greeting");
if (el) {
  el.textContent = greet("playground");
}
`,
		},
		{
			Name: "greet.ts",
			Content: `export function greet(name: string): string {
  return "Hello, " + name + "!";
}
`,
		},
		{
			Name:    "style.css",
			Content: "body { font-family: system-ui, sans-serif; }\n",
		},
	}
}

// loadProject reads the configured project source.
func (a *app) loadProject() (playground.Project, error) {
	switch {
	case a.cfg.Project.Dir != "":
		return workspace.LoadDir(a.cfg.Project.Dir, nil)
	case a.cfg.Project.File != "":
		return workspace.LoadFile(a.cfg.Project.File)
	default:
		a.logger.Info("No project configured, using the sample project")
		return sampleProject(), nil
	}
}

func (a *app) resolverOptions() []playground.ResolverOption {
	return []playground.ResolverOption{
		playground.WithExternalPolicy(playground.ExternalPolicy(a.cfg.Compile.ExternalPolicy)),
		playground.WithCDNBaseURL(a.cfg.Compile.CDNBaseURL),
	}
}

// newBridge returns a bridge to a js-executor pool of compiler engines. collector may be nil.
func (a *app) newBridge(collector *metrics.Collector) *playground.Bridge {
	opts := []playground.BridgeOption{
		playground.WithRequestTimeout(a.cfg.Compile.RequestTimeout),
		playground.WithBridgeLogger(a.logger),
	}
	if collector != nil {
		opts = append(opts, playground.WithRestartHook(collector.WorkerRestarted))
	}
	engines := playground.NewCompilerEngineFactory(a.cfg.CompileOptions())
	return playground.NewBridge(playground.ExecutorTransportFactory(engines), opts...)
}
