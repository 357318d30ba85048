// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"errors"
	"strings"
	"testing"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const hostHTML = `<!DOCTYPE html><html><head><title>t</title><script type="module" src="./main.ts"></script></head><body></body></html>`

// buildPreview compiles, resolves and builds project under the instance "t".
func buildPreview(project Project, entry string, resolverOpts []ResolverOption, opts ...BuilderOption) *PreviewDocument {
	for i := range project {
		if project[i].ContentType == "" {
			project[i].ContentType = ContentTypeFor(project[i].Name)
		}
	}
	result := CompileProject(project, CompileOptions{})
	sp := NewResolver(append([]ResolverOption{WithInstanceID("t")}, resolverOpts...)...).Resolve(result, project)
	return NewPreviewBuilder(opts...).Build(sp, entry)
}

// TestBuildPreview verifies that the entry document is rewritten and bootstrapped.
func TestBuildPreview(t *testing.T) {
	doc := buildPreview(Project{
		{Name: "index.html", Content: hostHTML},
		{Name: "main.ts", Content: `import { msg } from "./msg"; document.title = msg;`},
		{Name: "msg.ts", Content: `export const msg: string = "hi";`},
	}, "", nil)

	if doc.Blocked {
		t.Fatalf("Expected preview not to be blocked, got %v", doc.Diagnostics)
	}
	if doc.Entry != "index.html" || doc.EntryPath != "index.html" || doc.EntryURL != "/preview/t/index.html" {
		t.Errorf("Unexpected entry: %s %s %s", doc.Entry, doc.EntryPath, doc.EntryURL)
	}
	if doc.InstanceID != "t" || doc.BaseURL != "/preview/t/" {
		t.Errorf("Unexpected instance: %s %s", doc.InstanceID, doc.BaseURL)
	}

	entry := doc.EntryHTML()
	for _, want := range []string{`src="/preview/t/main.js"`, BootstrapAttr, `<base href="/preview/t/"/>`} {
		if !strings.Contains(entry, want) {
			t.Errorf("Expected entry document to contain %s, got:\n%s", want, entry)
		}
	}
	if strings.Index(entry, BootstrapAttr) > strings.Index(entry, "<title>") {
		t.Errorf("Expected the bootstrap script to come first in head, got:\n%s", entry)
	}

	for _, path := range []string{"main.js", "msg.js", "/msg.js"} {
		if _, ok := doc.Resource(path); !ok {
			t.Errorf("Expected resource %s", path)
		}
	}
	main, _ := doc.Resource("main.js")
	if !strings.Contains(string(main.Body), `"/preview/t/msg.js"`) || main.MIME != ContentTypeJS.MIME() {
		t.Errorf("Unexpected main.js resource: %s\n%s", main.MIME, main.Body)
	}
}

// TestBuildPreviewReplacesBase verifies that the document's own base element is replaced.
func TestBuildPreviewReplacesBase(t *testing.T) {
	doc := buildPreview(Project{
		{Name: "pages/index.html", Content: `<html><head><base href="https://example.com/"></head><body></body></html>`},
	}, "pages/index.html", nil)

	entry := doc.EntryHTML()
	if strings.Contains(entry, "https://example.com/") {
		t.Errorf("Expected the declared base to be removed, got:\n%s", entry)
	}
	if !strings.Contains(entry, `<base href="/preview/t/pages/"/>`) {
		t.Errorf("Expected base of the entry directory, got:\n%s", entry)
	}
}

// TestBuildPreviewBlocksOnReachableErrors verifies that a compile error the entry executes
// replaces the entry with a diagnostics page.
func TestBuildPreviewBlocksOnReachableErrors(t *testing.T) {
	doc := buildPreview(Project{
		{Name: "index.html", Content: hostHTML},
		{Name: "main.ts", Content: `import { b } from "./bad"; console.log(b);`},
		{Name: "bad.ts", Content: `export const b: number = ;`},
	}, "", nil)

	if !doc.Blocked {
		t.Fatalf("Expected preview to be blocked")
	}
	if len(doc.Diagnostics) == 0 || doc.Diagnostics[0].File != "bad.ts" || doc.Diagnostics[0].Source != SourceCompile {
		t.Errorf("Expected a compile diagnostic for bad.ts, got %v", doc.Diagnostics)
	}
	entry := doc.EntryHTML()
	if !strings.Contains(entry, "Build failed") || !strings.Contains(entry, "bad.ts:1:") {
		t.Errorf("Expected diagnostics page, got:\n%s", entry)
	}
	if strings.Contains(entry, BootstrapAttr) {
		t.Errorf("Expected no user document behind a blocked preview")
	}
	bad, _ := doc.Resource("bad.js")
	if !strings.Contains(string(bad.Body), "throw new Error") {
		t.Errorf("Expected failed module to throw, got %s", bad.Body)
	}
}

// TestBuildPreviewIgnoresUnreachableErrors verifies that broken files the entry never loads do
// not block the preview.
func TestBuildPreviewIgnoresUnreachableErrors(t *testing.T) {
	doc := buildPreview(Project{
		{Name: "index.html", Content: hostHTML},
		{Name: "main.ts", Content: `document.title = "ok";`},
		{Name: "scratch.ts", Content: `let x: = ;`},
	}, "", nil)

	if doc.Blocked {
		t.Errorf("Expected preview not to be blocked, got %v", doc.Diagnostics)
	}
	if _, ok := doc.Resource("scratch.js"); !ok {
		t.Errorf("Expected the failed file to stay addressable")
	}
}

// TestBuildPreviewUntypedProject verifies that files without content types are typed by name.
func TestBuildPreviewUntypedProject(t *testing.T) {
	project := Project{
		{Name: "index.html", Content: `<html><head><script src="hello.ts"></script></head><body></body></html>`},
		{Name: "hello.ts", Content: `const msg: string = "hi"; document.title = msg;`},
	}
	sp := NewResolver(WithInstanceID("t")).Resolve(CompileProject(project, CompileOptions{}), project)
	doc := NewPreviewBuilder().Build(sp, "")

	if doc.Blocked || doc.Entry != "index.html" || doc.EntryPath != "index.html" {
		t.Fatalf("Expected index.html as the entry document, got %+v", doc)
	}
	if !strings.Contains(doc.EntryHTML(), `src="/preview/t/hello.js"`) {
		t.Errorf("Expected the script reference to be rewritten, got:\n%s", doc.EntryHTML())
	}
}

// TestBuildPreviewFailure verifies the document published for a compile without result.
func TestBuildPreviewFailure(t *testing.T) {
	prev := buildPreview(Project{
		{Name: "index.html", Content: hostHTML},
		{Name: "main.ts", Content: `document.title = "old";`},
	}, "", nil)

	b := NewPreviewBuilder()
	doc := b.Failure(prev, "t", "/preview/t/", "", errors.New("worker <crashed>"))
	if !doc.Blocked || doc.EntryURL != prev.EntryURL || len(doc.Resources) != 1 {
		t.Fatalf("Expected a single blocked entry at %s, got %+v", prev.EntryURL, doc)
	}
	if !strings.Contains(doc.EntryHTML(), "worker &lt;crashed&gt;") {
		t.Errorf("Expected the escaped failure, got:\n%s", doc.EntryHTML())
	}

	first := b.Failure(nil, "t", "/preview/t/", "", errors.New("boom"))
	if first.EntryPath != DefaultEntry || first.EntryURL != "/preview/t/index.html" {
		t.Errorf("Expected the default entry address, got %s %s", first.EntryPath, first.EntryURL)
	}
}

// TestBuildPreviewReportsMissingFiles verifies that missing references surface at runtime
// instead of blocking.
func TestBuildPreviewReportsMissingFiles(t *testing.T) {
	doc := buildPreview(Project{
		{Name: "index.html", Content: `<html><head><link rel="stylesheet" href="gone.css"><script type="module" src="./main.js"></script></head></html>`},
		{Name: "main.js", Content: `import { y } from "./missing.js"; console.log(y);`},
	}, "", nil)

	if doc.Blocked {
		t.Fatalf("Expected preview not to be blocked, got %v", doc.Diagnostics)
	}
	if len(doc.Diagnostics) != 2 {
		t.Errorf("Expected 2 resolution diagnostics, got %v", doc.Diagnostics)
	}
	entry := doc.EntryHTML()
	for _, want := range []string{"missing.js", "gone.css", `href="gone.css"`} {
		if !strings.Contains(entry, want) {
			t.Errorf("Expected entry document to contain %s, got:\n%s", want, entry)
		}
	}
}

// TestBuildPreviewBlocksDisallowedExternals verifies that the error external policy blocks.
func TestBuildPreviewBlocksDisallowedExternals(t *testing.T) {
	doc := buildPreview(Project{
		{Name: "index.html", Content: `<html><head><script type="module" src="main.js"></script></head></html>`},
		{Name: "main.js", Content: `import { html } from "lit"; console.log(html);`},
	}, "", []ResolverOption{WithExternalPolicy(ExternalError)})

	if !doc.Blocked || len(doc.Diagnostics) != 1 || doc.Diagnostics[0].Source != SourceExternal {
		t.Errorf("Expected preview to be blocked by the external, got %v", doc.Diagnostics)
	}
}

// TestBuildPreviewInlineModule verifies that inline module scripts are rewritten and checked.
func TestBuildPreviewInlineModule(t *testing.T) {
	project := Project{
		{Name: "index.html", Content: `<html><head></head><body><script type="module">import { a } from "./a.js"; console.log(a);</script></body></html>`},
		{Name: "a.ts", Content: `export const a: number = 1;`},
	}
	doc := buildPreview(project.Clone(), "", nil)
	if doc.Blocked {
		t.Fatalf("Expected preview not to be blocked, got %v", doc.Diagnostics)
	}
	if entry := doc.EntryHTML(); !strings.Contains(entry, `"/preview/t/a.js"`) {
		t.Errorf("Expected inline import to be rewritten, got:\n%s", entry)
	}

	project[1].Content = `export const a: number = ;`
	if doc := buildPreview(project, "", nil); !doc.Blocked {
		t.Errorf("Expected an inline import of a failed file to block")
	}
}

// TestBuildPreviewScriptEntry verifies that a script entry gets a generated host document.
func TestBuildPreviewScriptEntry(t *testing.T) {
	doc := buildPreview(Project{
		{Name: "main.ts", Content: `console.log("hi");`},
	}, "main.ts", nil)

	if doc.Blocked {
		t.Fatalf("Expected preview not to be blocked, got %v", doc.Diagnostics)
	}
	if doc.Entry != "main.ts" || doc.EntryPath != "main.js.html" || doc.EntryURL != "/preview/t/main.js.html" {
		t.Errorf("Unexpected entry: %s %s %s", doc.Entry, doc.EntryPath, doc.EntryURL)
	}
	entry := doc.EntryHTML()
	if !strings.Contains(entry, `src="/preview/t/main.js"`) || !strings.Contains(entry, BootstrapAttr) {
		t.Errorf("Unexpected host document:\n%s", entry)
	}
}

// TestBuildPreviewEntrySelection verifies the fallback to the first html file and the missing
// entry page.
func TestBuildPreviewEntrySelection(t *testing.T) {
	doc := buildPreview(Project{
		{Name: "main.js", Content: `1;`},
		{Name: "about.html", Content: `<p>about</p>`},
	}, "index.html", nil)
	if doc.Entry != "about.html" || doc.Blocked {
		t.Errorf("Expected about.html as the fallback entry, got %s (blocked %v)", doc.Entry, doc.Blocked)
	}

	doc = buildPreview(Project{{Name: "main.js", Content: `1;`}}, "", nil)
	if !doc.Blocked || doc.EntryPath != DefaultEntry {
		t.Fatalf("Expected a blocked preview at %s, got %s (blocked %v)", DefaultEntry, doc.EntryPath, doc.Blocked)
	}
	if entry := doc.EntryHTML(); !strings.Contains(entry, "Entry document not found") {
		t.Errorf("Expected missing entry page, got:\n%s", entry)
	}
}

// TestBuildPreviewEscapesDiagnostics verifies that diagnostics are HTML escaped.
func TestBuildPreviewEscapesDiagnostics(t *testing.T) {
	doc := buildPreview(Project{{Name: "a.js", Content: `1;`}}, "<b>.html", nil)
	entry := doc.EntryHTML()
	if strings.Contains(entry, "<b>.html") || !strings.Contains(entry, "&lt;b&gt;.html") {
		t.Errorf("Expected escaped diagnostics, got:\n%s", entry)
	}
}

// TestBuildPreviewDocumentProcessor verifies that processors run on the entry document and that
// a failing processor blocks the preview.
func TestBuildPreviewDocumentProcessor(t *testing.T) {
	project := Project{{Name: "index.html", Content: `<html><head></head><body></body></html>`}}

	mark := func(doc *html.Node, sp *ServableProject) error {
		body := htmlquery.FindOne(doc, "//body")
		body.Attr = append(body.Attr, html.Attribute{Key: "data-instance", Val: sp.InstanceID})
		return nil
	}
	doc := buildPreview(project.Clone(), "", nil, WithDocumentProcessor(mark))
	if !strings.Contains(doc.EntryHTML(), `<body data-instance="t">`) {
		t.Errorf("Expected processor to mark body, got:\n%s", doc.EntryHTML())
	}

	fail := func(doc *html.Node, sp *ServableProject) error { return errors.New("boom") }
	doc = buildPreview(project.Clone(), "", nil, WithDocumentProcessor(fail))
	if !doc.Blocked || !strings.Contains(doc.EntryHTML(), "boom") {
		t.Errorf("Expected failing processor to block, got:\n%s", doc.EntryHTML())
	}
}

// TestResourceETag verifies that ETags follow content.
func TestResourceETag(t *testing.T) {
	a := newResource("a.js", ContentTypeJS.MIME(), "1")
	b := newResource("b.js", ContentTypeJS.MIME(), "1")
	c := newResource("a.js", ContentTypeJS.MIME(), "2")
	if a.ETag != b.ETag || a.ETag == c.ETag {
		t.Errorf("Expected ETags to follow content, got %s %s %s", a.ETag, b.ETag, c.ETag)
	}
	if !strings.HasPrefix(a.ETag, `"`) || !strings.HasSuffix(a.ETag, `"`) {
		t.Errorf("Expected a quoted ETag, got %s", a.ETag)
	}
}

// TestBootstrapScript verifies that injected values cannot close the script element.
func TestBootstrapScript(t *testing.T) {
	script, err := bootstrapScript("</script>", []Diagnostic{{File: "a.js", Message: "</script><b>"}})
	if err != nil {
		t.Fatalf("bootstrapScript failed: %v", err)
	}
	if strings.Contains(script, "</script>") {
		t.Errorf("Expected script end tags to be escaped, got:\n%s", script)
	}
	if !strings.Contains(script, `"playground-preview"`) {
		t.Errorf("Expected the message source marker, got:\n%s", script)
	}
}
