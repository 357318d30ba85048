// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/cespare/xxhash"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// DefaultEntry is the conventional entry document name.
const DefaultEntry = "index.html"

// Resource is one servable file of a preview.
type Resource struct {
	Name string // project file name, empty for generated resources
	MIME string
	Body []byte
	ETag string
}

func newResource(name, mime, body string) *Resource {
	return &Resource{
		Name: name,
		MIME: mime,
		Body: []byte(body),
		ETag: fmt.Sprintf(`"%x"`, xxhash.Sum64String(body)),
	}
}

// PreviewDocument is the complete resource set of one preview render. It is built wholesale
// for every successful compile and never patched.
type PreviewDocument struct {
	InstanceID  string
	BaseURL     string
	Seq         uint64
	Entry       string
	EntryPath   string // served path of the entry document
	EntryURL    string
	Blocked     bool // the entry shows diagnostics instead of running user code
	Diagnostics []Diagnostic
	Resources   map[string]*Resource // keyed by served path
}

// Resource returns the resource served at servedPath.
func (d *PreviewDocument) Resource(servedPath string) (*Resource, bool) {
	r, ok := d.Resources[strings.TrimPrefix(servedPath, "/")]
	return r, ok
}

// EntryHTML returns the rendered entry document.
func (d *PreviewDocument) EntryHTML() string {
	if r, ok := d.Resources[d.EntryPath]; ok {
		return string(r.Body)
	}
	return ""
}

// DocumentProcessor may modify the parsed entry document before it is rendered.
type DocumentProcessor func(doc *html.Node, sp *ServableProject) error

// BuilderOption configures a PreviewBuilder.
type BuilderOption func(*PreviewBuilder)

// WithEntry sets the preferred entry document.
func WithEntry(name string) BuilderOption {
	return func(b *PreviewBuilder) {
		b.entry = name
	}
}

// WithDocumentProcessor appends a processor to the entry document chain.
func WithDocumentProcessor(p DocumentProcessor) BuilderOption {
	return func(b *PreviewBuilder) {
		b.processors = append(b.processors, p)
	}
}

// WithBuilderLogger sets the builder logger.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *PreviewBuilder) {
		b.logger = logger
	}
}

// PreviewBuilder turns a servable project into a preview document.
type PreviewBuilder struct {
	entry      string
	processors []DocumentProcessor
	logger     *slog.Logger
}

// NewPreviewBuilder returns a builder.
func NewPreviewBuilder(opts ...BuilderOption) *PreviewBuilder {
	b := &PreviewBuilder{entry: DefaultEntry, logger: slog.Default()}
	for _, fn := range opts {
		fn(b)
	}
	return b
}

// referenceXPath selects elements whose URL attribute may point at a project file.
const referenceXPath = "//script[@src] | //link[@href] | //img[@src] | //source[@src] | //audio[@src] | //video[@src]"

// Build assembles the preview for sp. entry overrides the builder's preferred entry when set.
// If the entry or anything it executes failed to compile, the entry is replaced with a
// diagnostics page.
func (b *PreviewBuilder) Build(sp *ServableProject, entry string) *PreviewDocument {
	if entry == "" {
		entry = b.entry
	}
	doc := &PreviewDocument{
		InstanceID: sp.InstanceID,
		BaseURL:    sp.BaseURL,
		Resources:  make(map[string]*Resource, len(sp.Files)),
	}
	for _, f := range sp.Files {
		doc.Resources[f.Path] = fileResource(f)
	}

	entryFile, ok := sp.File(entry)
	if !ok {
		entryFile, ok = b.fallbackEntry(sp)
	}
	if !ok {
		doc.EntryPath = entry
		doc.EntryURL = sp.BaseURL + entry
		b.block(doc, "Entry document not found", []Diagnostic{{
			File:     entry,
			Message:  fmt.Sprintf("entry document %q is not part of the project", entry),
			Severity: SeverityError,
			Source:   SourceResolve,
		}})
		return doc
	}
	doc.Entry = entryFile.Name
	doc.EntryPath = entryFile.Path
	doc.EntryURL = entryFile.URL

	if entryFile.ContentType != ContentTypeHTML {
		// A script entry gets a minimal host document.
		entryFile = syntheticEntry(entryFile)
		doc.EntryPath = entryFile.Path
		doc.EntryURL = sp.urlFor(entryFile.Path)
	}

	rendered, roots, entryDiags, err := b.renderEntry(sp, entryFile)
	if err != nil {
		b.logger.Error("Failed to build preview document", "error", err, "entry", entryFile.Name)
		b.block(doc, "Preview could not be built", []Diagnostic{{
			File:     entryFile.Name,
			Message:  err.Error(),
			Severity: SeverityError,
			Source:   SourceResolve,
		}})
		return doc
	}

	doc.Diagnostics = append(doc.Diagnostics, entryDiags...)
	var blocking []Diagnostic
	for _, d := range entryDiags {
		if isBlocking(d) {
			blocking = append(blocking, d)
		}
	}
	for _, name := range reachableFiles(sp, roots) {
		f, _ := sp.File(name)
		doc.Diagnostics = append(doc.Diagnostics, f.Diagnostics...)
		for _, d := range f.Diagnostics {
			if isBlocking(d) {
				blocking = append(blocking, d)
			}
		}
		if f.Kind == OutputFailed && !hasErrors(f.Diagnostics) {
			blocking = append(blocking, Diagnostic{File: f.Name, Message: "failed to compile", Severity: SeverityError, Source: SourceCompile})
		}
	}
	if len(blocking) > 0 {
		b.block(doc, "Build failed", blocking)
		return doc
	}

	doc.Resources[doc.EntryPath] = newResource(entryFile.Name, ContentTypeHTML.MIME(), rendered)
	return doc
}

// Failure returns a blocked document for a compile that produced no result. It keeps only the
// entry address of prev, so nothing from an earlier render stays servable.
func (b *PreviewBuilder) Failure(prev *PreviewDocument, instanceID, baseURL, entry string, cause error) *PreviewDocument {
	if entry == "" {
		entry = b.entry
	}
	doc := &PreviewDocument{
		InstanceID: instanceID,
		BaseURL:    baseURL,
		EntryPath:  entry,
		EntryURL:   baseURL + entry,
		Resources:  make(map[string]*Resource, 1),
	}
	if prev != nil {
		doc.Entry, doc.EntryPath, doc.EntryURL = prev.Entry, prev.EntryPath, prev.EntryURL
	}
	b.block(doc, "Compile failed", []Diagnostic{{
		Message:  cause.Error(),
		Severity: SeverityError,
		Source:   SourceCompile,
	}})
	return doc
}

// isBlocking reports whether d prevents the preview from running. Compile errors and
// disallowed external modules block; missing project files only surface in the preview.
func isBlocking(d Diagnostic) bool {
	return d.Severity == SeverityError && (d.Source == SourceCompile || d.Source == SourceExternal)
}

// fallbackEntry picks the first html file when the preferred entry is missing.
func (b *PreviewBuilder) fallbackEntry(sp *ServableProject) (ServableFile, bool) {
	for _, f := range sp.Files {
		if f.ContentType == ContentTypeHTML {
			return f, true
		}
	}
	return ServableFile{}, false
}

// block replaces the entry document with a diagnostics page.
func (b *PreviewBuilder) block(doc *PreviewDocument, title string, diags []Diagnostic) {
	doc.Blocked = true
	doc.Diagnostics = diags
	body, err := diagnosticDocument(title, diags)
	if err != nil {
		b.logger.Error("Failed to render diagnostics page", "error", err)
		body = title
	}
	doc.Resources[doc.EntryPath] = newResource("", ContentTypeHTML.MIME(), body)
}

// renderEntry rewrites references in the entry document, injects the bootstrap script and
// renders it. It returns the project files the document executes directly.
func (b *PreviewBuilder) renderEntry(sp *ServableProject, entry ServableFile) (string, []string, []Diagnostic, error) {
	utf8Reader, err := detectAndConvertToUTF8(strings.NewReader(entry.Content))
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to convert %s to UTF-8: %w", entry.Name, err)
	}
	doc, err := htmlquery.Parse(utf8Reader)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to parse %s: %w", entry.Name, err)
	}

	var (
		roots []string
		diags []Diagnostic
	)
	addRoot := func(name string) {
		for _, r := range roots {
			if r == name {
				return
			}
		}
		roots = append(roots, name)
	}

	for _, node := range htmlquery.Find(doc, referenceXPath) {
		key := "src"
		if node.DataAtom == atom.Link {
			key = "href"
		}
		for i := range node.Attr {
			if node.Attr[i].Key != key {
				continue
			}
			ref := strings.TrimSpace(node.Attr[i].Val)
			res := sp.resolveSpecifier(entry.Name, ref, true)
			if res.diag != nil {
				d := *res.diag
				d.Line, d.Column = locateSpecifier(entry.Content, ref)
				diags = append(diags, d)
			}
			if res.target != "" {
				node.Attr[i].Val = res.spec
				if node.DataAtom == atom.Script {
					addRoot(res.target)
				}
			}
		}
	}

	for _, node := range htmlquery.Find(doc, "//script[not(@src)]") {
		if !strings.EqualFold(htmlquery.SelectAttr(node, "type"), "module") || node.FirstChild == nil {
			continue
		}
		rw := sp.rewriteModule(entry.Name, htmlquery.InnerText(node), entry.Content)
		diags = append(diags, rw.Diagnostics...)
		for _, name := range rw.Imports {
			addRoot(name)
		}
		for node.FirstChild != nil {
			node.RemoveChild(node.FirstChild)
		}
		node.AppendChild(&html.Node{Type: html.TextNode, Data: rw.Code})
	}

	var resolveErrors []Diagnostic
	resolveErrors = append(resolveErrors, diags...)
	for _, name := range reachableFiles(sp, roots) {
		f, _ := sp.File(name)
		for _, d := range f.Diagnostics {
			if d.Source != SourceCompile {
				resolveErrors = append(resolveErrors, d)
			}
		}
	}
	if err := injectBootstrap(doc, sp.InstanceID, baseHref(sp, entry), resolveErrors); err != nil {
		return "", nil, nil, err
	}

	for _, processor := range b.processors {
		if err := processor(doc, sp); err != nil {
			return "", nil, nil, fmt.Errorf("document processor failed: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", nil, nil, fmt.Errorf("failed to render %s: %w", entry.Name, err)
	}
	return buf.String(), roots, diags, nil
}

// baseHref is the directory address of the entry document.
func baseHref(sp *ServableProject, entry ServableFile) string {
	dir := path.Dir(entry.Path)
	if dir == "." {
		return sp.BaseURL
	}
	return sp.urlFor(dir) + "/"
}

// injectBootstrap inserts the bootstrap script and a <base> element at the start of <head>,
// replacing any <base> the document declares.
func injectBootstrap(doc *html.Node, instanceID, href string, resolveErrors []Diagnostic) error {
	script, err := bootstrapScript(instanceID, resolveErrors)
	if err != nil {
		return err
	}
	head := htmlquery.FindOne(doc, "//head")
	if head == nil {
		return fmt.Errorf("document has no head element")
	}
	node := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: BootstrapAttr, Val: ""}},
	}
	node.AppendChild(&html.Node{Type: html.TextNode, Data: script})
	for _, old := range htmlquery.Find(doc, "//base") {
		old.Parent.RemoveChild(old)
	}
	base := &html.Node{
		Type:     html.ElementNode,
		Data:     "base",
		DataAtom: atom.Base,
		Attr:     []html.Attribute{{Key: "href", Val: href}},
	}
	head.InsertBefore(base, head.FirstChild)
	head.InsertBefore(node, base)
	return nil
}

// reachableFiles returns roots and every project file they import, transitively, in
// breadth-first order.
func reachableFiles(sp *ServableProject, roots []string) []string {
	seen := make(map[string]bool, len(roots))
	queue := append([]string(nil), roots...)
	var out []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		f, ok := sp.File(name)
		if !ok {
			continue
		}
		out = append(out, name)
		queue = append(queue, f.Imports...)
	}
	return out
}

// fileResource exposes a servable file. Failed scripts are replaced by a script that throws,
// so a stray reference fails loudly instead of running stale code.
func fileResource(f ServableFile) *Resource {
	if f.Kind == OutputFailed {
		msg, _ := json.Marshal(f.Name + " failed to compile")
		return newResource(f.Name, f.MIME, "throw new Error("+string(msg)+");\n")
	}
	return newResource(f.Name, f.MIME, f.Content)
}

// syntheticEntry wraps a script entry in a host document.
func syntheticEntry(f ServableFile) ServableFile {
	src, _ := json.Marshal(f.URL)
	return ServableFile{
		Name:        f.Name,
		Path:        f.Path + ".html",
		ContentType: ContentTypeHTML,
		MIME:        ContentTypeHTML.MIME(),
		Kind:        OutputPassthrough,
		Content:     "<!DOCTYPE html><html><head><script type=\"module\" src=" + string(src) + "></script></head><body></body></html>",
	}
}

// detectAndConvertToUTF8 decodes r according to its sniffed charset.
func detectAndConvertToUTF8(r io.Reader) (io.Reader, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	encoding, _, _ := charset.DetermineEncoding(b, "")
	return transform.NewReader(bytes.NewReader(b), encoding.NewDecoder()), nil
}
