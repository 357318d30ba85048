// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package qjspreview

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	quickjsengine "github.com/buke/js-executor/engines/quickjs-go"
	"github.com/buke/quickjs-go"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// domPrelude installs document, window and console on top of the host object.
//
//go:embed dom.js
var domPrelude string

// ConsoleEntry is one console call made by preview code.
type ConsoleEntry struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// domNode is the JSON shape exchanged with the prelude. Text nodes have no tag.
type domNode struct {
	Tag      string            `json:"tag,omitempty"`
	Text     string            `json:"text,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []domNode         `json:"children,omitempty"`
}

// domHost is the Go side of the DOM shim for one render. It seeds the document from the entry
// HTML and records what preview code writes to the console and posts to its parent.
type domHost struct {
	title string
	body  []domNode

	mu       sync.Mutex
	console  []ConsoleEntry
	messages []string
}

func newDOMHost(doc *html.Node) *domHost {
	h := &domHost{}
	if n := htmlquery.FindOne(doc, "//title"); n != nil {
		h.title = strings.TrimSpace(htmlquery.InnerText(n))
	}
	if n := htmlquery.FindOne(doc, "//body"); n != nil {
		h.body = toDOMNodes(n)
	}
	return h
}

// toDOMNodes converts the children of n. Scripts and styles are not part of the shim's tree.
func toDOMNodes(n *html.Node) []domNode {
	var out []domNode
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if c.Data != "" {
				out = append(out, domNode{Text: c.Data})
			}
		case html.ElementNode:
			if c.DataAtom == atom.Script || c.DataAtom == atom.Style || c.DataAtom == atom.Template {
				continue
			}
			node := domNode{Tag: c.Data, Children: toDOMNodes(c)}
			if len(c.Attr) > 0 {
				node.Attrs = make(map[string]string, len(c.Attr))
				for _, a := range c.Attr {
					node.Attrs[a.Key] = a.Val
				}
			}
			out = append(out, node)
		}
	}
	return out
}

// parseFragmentNodes parses markup assigned to innerHTML.
func parseFragmentNodes(markup string) ([]domNode, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(markup), context)
	if err != nil {
		return nil, err
	}
	holder := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		holder.AppendChild(n)
	}
	return toDOMNodes(holder), nil
}

// bodyTreeFunc returns the initial body as JSON.
func (h *domHost) bodyTreeFunc(ctx *quickjs.Context, this *quickjs.Value, args []*quickjs.Value) *quickjs.Value {
	body := h.body
	if body == nil {
		body = []domNode{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ctx.ThrowError(err)
	}
	return ctx.String(string(data))
}

// titleFunc returns the title of the entry document.
func (h *domHost) titleFunc(ctx *quickjs.Context, this *quickjs.Value, args []*quickjs.Value) *quickjs.Value {
	return ctx.String(h.title)
}

// parseFragmentFunc parses its argument as HTML and returns the node tree as JSON.
func (h *domHost) parseFragmentFunc(ctx *quickjs.Context, this *quickjs.Value, args []*quickjs.Value) *quickjs.Value {
	if len(args) == 0 {
		return ctx.String("[]")
	}
	nodes, err := parseFragmentNodes(args[0].String())
	if err != nil {
		return ctx.ThrowError(err)
	}
	if nodes == nil {
		nodes = []domNode{}
	}
	data, err := json.Marshal(nodes)
	if err != nil {
		return ctx.ThrowError(err)
	}
	return ctx.String(string(data))
}

// consoleFunc records a console call: console(level, text).
func (h *domHost) consoleFunc(ctx *quickjs.Context, this *quickjs.Value, args []*quickjs.Value) *quickjs.Value {
	entry := ConsoleEntry{Level: "log"}
	if len(args) > 0 {
		entry.Level = args[0].String()
	}
	if len(args) > 1 {
		entry.Text = args[1].String()
	}
	h.mu.Lock()
	h.console = append(h.console, entry)
	h.mu.Unlock()
	return ctx.Undefined()
}

// postMessageFunc records a JSON encoded message posted to the parent window.
func (h *domHost) postMessageFunc(ctx *quickjs.Context, this *quickjs.Value, args []*quickjs.Value) *quickjs.Value {
	if len(args) > 0 {
		h.mu.Lock()
		h.messages = append(h.messages, args[0].String())
		h.mu.Unlock()
	}
	return ctx.Undefined()
}

// loadDOMModule injects a 'previewHost' object into the JS context and evaluates the prelude
// that builds the browser globals on top of it.
func (h *domHost) loadDOMModule(jse *quickjsengine.Engine) error {
	globalsObj := jse.Ctx.Globals()
	hostObj := jse.Ctx.Object()
	hostObj.Set("bodyTree", jse.Ctx.Function(h.bodyTreeFunc))
	hostObj.Set("title", jse.Ctx.Function(h.titleFunc))
	hostObj.Set("parseFragment", jse.Ctx.Function(h.parseFragmentFunc))
	hostObj.Set("console", jse.Ctx.Function(h.consoleFunc))
	hostObj.Set("postMessage", jse.Ctx.Function(h.postMessageFunc))
	globalsObj.Set("previewHost", hostObj)

	ret := jse.Ctx.Eval(domPrelude, quickjs.EvalFileName("dom.js"))
	defer ret.Free()
	if ret.IsException() {
		return jse.Ctx.Exception()
	}
	return nil
}

func (h *domHost) consoleEntries() []ConsoleEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ConsoleEntry(nil), h.console...)
}

func (h *domHost) postedMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}
