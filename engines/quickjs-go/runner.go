// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package qjspreview executes preview documents headlessly. Every render gets a fresh QuickJS
// runtime with a small DOM shim, so previews cannot observe each other or the host process.
package qjspreview

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"strings"

	"github.com/antchfx/htmlquery"
	quickjsengine "github.com/buke/js-executor/engines/quickjs-go"
	"github.com/buke/quickjs-go"
	"golang.org/x/net/html"

	playground "github.com/buke/playground-go"
)

// DefaultTimerLimit caps how many timer callbacks a render runs.
const DefaultTimerLimit = 1000

// Result is what a preview did when it ran.
type Result struct {
	Blocked  bool           `json:"blocked"`
	Title    string         `json:"title"`
	BodyText string         `json:"bodyText"`
	BodyHTML string         `json:"bodyHtml"`
	Console  []ConsoleEntry `json:"console,omitempty"`
	Messages []string       `json:"messages,omitempty"` // JSON messages posted to the parent
	Errors   []string       `json:"errors,omitempty"`   // uncaught exceptions and load failures
}

// Option configures a Runner.
type Option func(*Runner)

// WithEngineOptions passes options to every QuickJS engine the runner creates.
func WithEngineOptions(options ...quickjsengine.Option) Option {
	return func(r *Runner) {
		r.engineOptions = append(r.engineOptions, options...)
	}
}

// WithTimerLimit caps how many timer callbacks run after the scripts.
func WithTimerLimit(n int) Option {
	return func(r *Runner) {
		r.timerLimit = n
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// Runner executes preview documents.
type Runner struct {
	engineOptions []quickjsengine.Option
	timerLimit    int
	logger        *slog.Logger
}

// NewRunner returns a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{timerLimit: DefaultTimerLimit, logger: slog.Default()}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

// script is one unit of code to evaluate, or the reason it could not be loaded.
type script struct {
	name string
	code string
	err  error
}

// Run renders doc. Classic scripts run first in document order, then module scripts, then
// pending timers. Errors raised by preview code are part of the result; the returned error
// is reserved for failures of the runner itself.
func (r *Runner) Run(doc *playground.PreviewDocument) (*Result, error) {
	root, err := htmlquery.Parse(strings.NewReader(doc.EntryHTML()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse entry document: %w", err)
	}
	host := newDOMHost(root)
	res := &Result{Blocked: doc.Blocked, Title: host.title}
	if doc.Blocked {
		if body := htmlquery.FindOne(root, "//body"); body != nil {
			res.BodyText = strings.TrimSpace(htmlquery.InnerText(body))
		}
		return res, nil
	}
	scripts := collectScripts(doc, root)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	engine, err := newPreviewFactory(host, r.engineOptions...)()
	if err != nil {
		return nil, fmt.Errorf("failed to create preview engine: %w", err)
	}
	defer engine.Close()
	jse, ok := engine.(*quickjsengine.Engine)
	if !ok {
		return nil, fmt.Errorf("unexpected engine type %T", engine)
	}

	for _, s := range scripts {
		if s.err != nil {
			res.Errors = append(res.Errors, s.err.Error())
			continue
		}
		if err := evalScript(jse.Ctx, s.code, s.name); err != nil {
			r.logger.Debug("Preview script failed", "script", s.name, "error", err)
			res.Errors = append(res.Errors, err.Error())
		}
	}
	if err := evalScript(jse.Ctx, fmt.Sprintf("__flushPreviewTimers(%d)", r.timerLimit), "timers"); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	res.Title = evalString(jse.Ctx, "String(document.title)")
	res.BodyText = evalString(jse.Ctx, "document.body.textContent")
	res.BodyHTML = evalString(jse.Ctx, "document.body.innerHTML")
	res.Console = host.consoleEntries()
	res.Messages = host.postedMessages()
	return res, nil
}

func evalScript(ctx *quickjs.Context, code, name string) error {
	ret := ctx.Eval(code, quickjs.EvalFileName(name))
	defer ret.Free()
	if ret.IsException() {
		return ctx.Exception()
	}
	return nil
}

func evalString(ctx *quickjs.Context, expr string) string {
	ret := ctx.Eval(expr)
	defer ret.Free()
	if ret.IsException() {
		ctx.Exception()
		return ""
	}
	return ret.String()
}

// collectScripts returns the scripts of the entry document in execution order.
func collectScripts(doc *playground.PreviewDocument, root *html.Node) []script {
	var classic, modules []script
	for i, node := range htmlquery.Find(root, "//script") {
		kind := strings.ToLower(strings.TrimSpace(htmlquery.SelectAttr(node, "type")))
		src, hasSrc := attr(node, "src")
		name := fmt.Sprintf("%s#script%d", doc.Entry, i)
		if hasSrc {
			name = src
		}

		switch kind {
		case "module":
			source := htmlquery.InnerText(node)
			if hasSrc {
				spec, _ := json.Marshal(src)
				source = "import " + string(spec) + ";\n"
			}
			code, err := bundleModule(doc, name, source)
			modules = append(modules, script{name: name, code: code, err: err})
		case "", "text/javascript", "application/javascript":
			if !hasSrc {
				classic = append(classic, script{name: name, code: htmlquery.InnerText(node)})
				continue
			}
			if r, ok := resourceFor(doc, src); ok {
				classic = append(classic, script{name: name, code: string(r.Body)})
			} else {
				classic = append(classic, script{name: name, err: fmt.Errorf("failed to load script %s", src)})
			}
		}
	}
	return append(classic, modules...)
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val), true
		}
	}
	return "", false
}

// servedPathOf maps a preview address to the served path of a resource of doc.
func servedPathOf(doc *playground.PreviewDocument, ref string) (string, bool) {
	if doc.BaseURL == "" || !strings.HasPrefix(ref, doc.BaseURL) {
		return "", false
	}
	rest := strings.TrimPrefix(ref, doc.BaseURL)
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	servedPath, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	if _, ok := doc.Resource(servedPath); !ok {
		return "", false
	}
	return servedPath, true
}

func resourceFor(doc *playground.PreviewDocument, ref string) (*playground.Resource, bool) {
	servedPath, ok := servedPathOf(doc, ref)
	if !ok {
		return nil, false
	}
	return doc.Resource(servedPath)
}
