// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/xid"
)

// ExternalPolicy decides what happens to bare module specifiers such as "lit".
type ExternalPolicy string

const (
	// ExternalPassthrough leaves bare specifiers alone; the browser decides at runtime.
	ExternalPassthrough ExternalPolicy = "passthrough"
	// ExternalCDN rewrites bare specifiers to CDNBaseURL + specifier + "?module".
	ExternalCDN ExternalPolicy = "cdn"
	// ExternalError reports bare specifiers as resolution errors.
	ExternalError ExternalPolicy = "error"
)

// Valid reports whether p is a known policy.
func (p ExternalPolicy) Valid() bool {
	switch p {
	case ExternalPassthrough, ExternalCDN, ExternalError:
		return true
	}
	return false
}

const (
	DefaultPreviewPrefix = "/preview/"
	DefaultCDNBaseURL    = "https://unpkg.com/"
)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithInstanceID fixes the instance id used in addresses. By default each resolver gets a
// fresh xid.
func WithInstanceID(id string) ResolverOption {
	return func(r *Resolver) {
		r.instanceID = id
	}
}

// WithPreviewPrefix sets the URL path under which instances are served.
func WithPreviewPrefix(prefix string) ResolverOption {
	return func(r *Resolver) {
		r.prefix = prefix
	}
}

// WithExternalPolicy sets the bare specifier policy.
func WithExternalPolicy(policy ExternalPolicy) ResolverOption {
	return func(r *Resolver) {
		r.policy = policy
	}
}

// WithCDNBaseURL sets the CDN used by ExternalCDN.
func WithCDNBaseURL(base string) ResolverOption {
	return func(r *Resolver) {
		r.cdnBaseURL = base
	}
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver rewrites inter-file references of a compiled project so they resolve to in-memory
// addresses of the form <prefix><instance>/<served path>.
type Resolver struct {
	instanceID string
	prefix     string
	policy     ExternalPolicy
	cdnBaseURL string
	logger     *slog.Logger
}

// NewResolver returns a resolver for one project instance.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		prefix:     DefaultPreviewPrefix,
		policy:     ExternalPassthrough,
		cdnBaseURL: DefaultCDNBaseURL,
		logger:     slog.Default(),
	}
	for _, fn := range opts {
		fn(r)
	}
	if r.instanceID == "" {
		r.instanceID = xid.New().String()
	}
	if !strings.HasSuffix(r.prefix, "/") {
		r.prefix += "/"
	}
	if !r.policy.Valid() {
		r.policy = ExternalPassthrough
	}
	return r
}

// InstanceID returns the id that scopes this resolver's addresses.
func (r *Resolver) InstanceID() string {
	return r.instanceID
}

// BaseURL returns the address prefix of every file of the instance.
func (r *Resolver) BaseURL() string {
	return r.prefix + r.instanceID + "/"
}

// ServableFile is a compiled file with its references rewritten.
type ServableFile struct {
	Name        string       `json:"name"`
	Path        string       `json:"path"` // served path relative to the base URL
	URL         string       `json:"url"`
	ContentType ContentType  `json:"contentType"`
	MIME        string       `json:"mime"`
	Kind        OutputKind   `json:"kind"`
	Content     string       `json:"content,omitempty"`
	Imports     []string     `json:"imports,omitempty"`   // project files this file imports
	Externals   []string     `json:"externals,omitempty"` // bare specifiers this file imports
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// ServableProject is a compiled project whose references resolve within the instance.
type ServableProject struct {
	InstanceID string         `json:"instanceId"`
	BaseURL    string         `json:"baseUrl"`
	Files      []ServableFile `json:"files"`
	Errors     []Diagnostic   `json:"errors,omitempty"` // resolution errors of all files

	served     map[string]string // project name -> served path
	aliases    []pathAlias
	policy     ExternalPolicy
	cdnBaseURL string
	logger     *slog.Logger
}

// File returns the servable file with the given project name.
func (s *ServableProject) File(name string) (ServableFile, bool) {
	for _, f := range s.Files {
		if f.Name == name {
			return f, true
		}
	}
	return ServableFile{}, false
}

// Resolve produces the servable project for a compile result. project supplies the file set
// for deciding which specifiers are project-local. Resolution problems are reported as
// diagnostics, never as errors.
func (r *Resolver) Resolve(result *CompileResult, project Project) *ServableProject {
	project = project.withContentTypes()
	sp := &ServableProject{
		InstanceID: r.instanceID,
		BaseURL:    r.BaseURL(),
		served:     servedPaths(project),
		policy:     r.policy,
		cdnBaseURL: r.cdnBaseURL,
		logger:     r.logger,
	}

	if f, ok := project.Lookup(TsconfigName); ok {
		aliases, err := parseTsconfigPathAlias(f.Content)
		if err != nil {
			r.logger.Warn("Ignoring path aliases of invalid tsconfig", "error", err)
			sp.Errors = append(sp.Errors, Diagnostic{
				File:     TsconfigName,
				Message:  fmt.Sprintf("path aliases ignored: %v", err),
				Severity: SeverityWarning,
				Source:   SourceResolve,
			})
		}
		sp.aliases = aliases
	}

	for _, fr := range result.Files {
		servedPath, ok := sp.served[fr.Name]
		if !ok {
			// Compiled for a file the project no longer has.
			continue
		}
		file := ServableFile{
			Name:        fr.Name,
			Path:        servedPath,
			URL:         sp.urlFor(servedPath),
			ContentType: fr.ContentType,
			MIME:        fr.ContentType.MIME(),
			Kind:        fr.Kind,
			Content:     fr.Content,
			Diagnostics: append([]Diagnostic(nil), fr.Diagnostics...),
		}

		if fr.Kind == OutputCompiled && (fr.ContentType == ContentTypeJS || fr.ContentType == ContentTypeTS) {
			original := fr.Content
			if pf, ok := project.Lookup(fr.Name); ok {
				original = pf.Content
			}
			rw := sp.rewriteModule(fr.Name, fr.Content, original)
			file.Content = rw.Code
			file.Imports = rw.Imports
			file.Externals = rw.Externals
			file.Diagnostics = append(file.Diagnostics, rw.Diagnostics...)
			sp.Errors = append(sp.Errors, rw.Diagnostics...)
		}
		sp.Files = append(sp.Files, file)
	}
	return sp
}

// servedPaths assigns each file the path it is served at. TypeScript files are served with a
// JavaScript extension unless another file already uses that name.
func servedPaths(project Project) map[string]string {
	served := make(map[string]string, len(project))
	taken := make(map[string]bool, len(project))
	for _, f := range project {
		taken[f.Name] = true
	}
	for _, f := range project {
		p := f.Name
		if f.ContentType == ContentTypeTS {
			if js := tsToJS(f.Name); !taken[js] {
				p = js
				taken[js] = true
			}
		}
		served[f.Name] = p
	}
	return served
}

// tsToJS swaps a TypeScript extension for its JavaScript counterpart.
func tsToJS(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	switch strings.ToLower(ext) {
	case ".mts":
		return base + ".mjs"
	case ".ts", ".tsx":
		return base + ".js"
	}
	return name
}

// urlFor escapes a served path and prefixes the base URL.
func (s *ServableProject) urlFor(servedPath string) string {
	segments := strings.Split(servedPath, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.BaseURL + strings.Join(segments, "/")
}

// Rewrite is the outcome of rewriting one module.
type Rewrite struct {
	Code        string
	Imports     []string
	Externals   []string
	Diagnostics []Diagnostic
}

// RewriteModule rewrites the import specifiers of a JavaScript module as if it were the
// project file importer. Modules without imports are returned verbatim. Declarations are
// kept even when unused, and an inline source map in source is carried over.
func (s *ServableProject) RewriteModule(importer, source string) Rewrite {
	return s.rewriteModule(importer, source, source)
}

// rewriteModule is RewriteModule with resolution diagnostics positioned in original, the text
// the module was compiled from.
func (s *ServableProject) rewriteModule(importer, source, original string) Rewrite {
	var (
		mu         sync.Mutex
		rw         Rewrite
		seen       = make(map[string]bool)
		specifiers int
	)

	rewrite := func(importer, spec string, kind api.ResolveKind) string {
		res := s.resolveSpecifier(importer, spec, false)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case res.target != "":
			if !seen["f:"+res.target] {
				seen["f:"+res.target] = true
				rw.Imports = append(rw.Imports, res.target)
			}
		case res.bare:
			if !seen["x:"+spec] {
				seen["x:"+spec] = true
				rw.Externals = append(rw.Externals, spec)
			}
		}
		if res.diag != nil {
			d := *res.diag
			d.Line, d.Column = locateSpecifier(original, spec)
			rw.Diagnostics = append(rw.Diagnostics, d)
		}
		return res.spec
	}
	onSpecifier := func(string) {
		mu.Lock()
		specifiers++
		mu.Unlock()
	}

	buildOptions := api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   source,
			Sourcefile: importer,
			Loader:     api.LoaderJS,
			ResolveDir: "/",
		},
		Bundle:      true,
		Write:       false,
		Outfile:     rewriteOutfile,
		Format:      api.FormatESModule,
		Platform:    api.PlatformBrowser,
		Target:      api.ESNext,
		TreeShaking: api.TreeShakingFalse,
		LogLevel:    api.LogLevelSilent,
		Plugins:     []api.Plugin{newRewritePlugin(importer, rewrite, onSpecifier)},
	}
	if strings.Contains(source, sourceMapPrefix) {
		// esbuild chains the inline input map into the external one.
		buildOptions.Sourcemap = api.SourceMapExternal
	}
	result := api.Build(buildOptions)

	mu.Lock()
	defer mu.Unlock()
	if len(result.Errors) > 0 {
		rw.Code = source
		rw.Diagnostics = append(rw.Diagnostics, diagnosticsFromMessages(importer, SeverityWarning, SourceResolve, result.Errors)...)
		return rw
	}
	if specifiers == 0 || len(result.OutputFiles) == 0 {
		rw.Code = source
		return rw
	}
	sort.Strings(rw.Externals)

	var code, sourceMap []byte
	for _, out := range result.OutputFiles {
		if strings.HasSuffix(out.Path, ".map") {
			sourceMap = out.Contents
		} else {
			code = out.Contents
		}
	}
	finished, err := finishRewrite(importer, source, string(code), sourceMap)
	if err != nil {
		s.logger.Warn("Dropping source map of rewritten module", "file", importer, "error", err)
	}
	rw.Code = finished
	return rw
}

const (
	rewriteOutfile  = "rewritten.js"
	sourceMapPrefix = "//# sourceMappingURL="
)

// finishRewrite removes the file path comment esbuild writes before a bundled module and
// appends sourceMap, if any, inline. The map loses the generated line of the removed comment.
// On a map error the code is returned without a map.
func finishRewrite(importer, source, code string, sourceMap []byte) (string, error) {
	lines := strings.SplitAfter(code, "\n")
	dropped := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "// ") {
			continue
		}
		if strings.HasSuffix(trimmed, path.Base(importer)) && !strings.Contains(source, trimmed) {
			dropped = i
		}
		break
	}
	if dropped >= 0 {
		lines = append(lines[:dropped], lines[dropped+1:]...)
	}
	code = strings.Join(lines, "")
	if len(sourceMap) == 0 {
		return code, nil
	}

	if dropped >= 0 {
		var err error
		if sourceMap, err = dropMappingLine(sourceMap, dropped); err != nil {
			return code, err
		}
	}
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	return code + sourceMapPrefix + "data:application/json;base64," + base64.StdEncoding.EncodeToString(sourceMap) + "\n", nil
}

// dropMappingLine removes generated line from the mappings of a source map. The line must
// carry no segments.
func dropMappingLine(sourceMap []byte, line int) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(sourceMap, &m); err != nil {
		return nil, fmt.Errorf("failed to decode source map: %w", err)
	}
	var mappings string
	if err := json.Unmarshal(m["mappings"], &mappings); err != nil {
		return nil, fmt.Errorf("failed to decode source map mappings: %w", err)
	}
	groups := strings.Split(mappings, ";")
	if line >= len(groups) || groups[line] != "" {
		return nil, fmt.Errorf("generated line %d has mappings", line)
	}
	groups = append(groups[:line], groups[line+1:]...)
	raw, err := json.Marshal(strings.Join(groups, ";"))
	if err != nil {
		return nil, err
	}
	m["mappings"] = raw
	return json.Marshal(m)
}

// locateSpecifier returns the 1-based line and 0-based column of the first quoted occurrence
// of spec in text, or zeros when there is none.
func locateSpecifier(text, spec string) (line, column int) {
	at := -1
	for _, q := range []string{`"`, `'`, "`"} {
		if i := strings.Index(text, q+spec+q); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	if at < 0 {
		return 0, 0
	}
	at++
	line = 1 + strings.Count(text[:at], "\n")
	column = at - (strings.LastIndex(text[:at], "\n") + 1)
	return line, column
}

// resolution is the answer for one specifier.
type resolution struct {
	spec   string // specifier to emit
	target string // project file name, when the specifier is project-local and found
	bare   bool
	diag   *Diagnostic
}

// resolveSpecifier resolves spec as written in importer. With html set, relative references
// need no "./" prefix, as in HTML attributes.
func (s *ServableProject) resolveSpecifier(importer, spec string, html bool) resolution {
	if spec == "" || isAbsoluteURL(spec) || strings.HasPrefix(spec, "#") {
		return resolution{spec: spec}
	}
	if strings.HasPrefix(spec, s.BaseURL) {
		// Already an instance address.
		res := resolution{spec: spec}
		if servedPath, err := url.PathUnescape(strings.TrimPrefix(spec, s.BaseURL)); err == nil {
			res.target, _ = s.nameForServedPath(servedPath)
		}
		return res
	}

	base, suffix := splitSuffix(spec)
	var candidate string
	switch {
	case strings.HasPrefix(base, "./"), strings.HasPrefix(base, "../"), base == ".", base == "..":
		candidate = path.Join(path.Dir(importer), base)
	case strings.HasPrefix(base, "/"):
		candidate = strings.TrimPrefix(path.Clean(base), "/")
	default:
		if aliased, ok := applyPathAlias(s.aliases, base); ok {
			candidate = aliased
		} else if html {
			candidate = path.Join(path.Dir(importer), base)
		} else {
			return s.resolveBare(importer, spec)
		}
	}

	if name, ok := s.lookupFile(candidate); ok {
		return resolution{spec: s.urlFor(s.served[name]) + suffix, target: name}
	}
	return resolution{
		spec: spec,
		diag: &Diagnostic{
			File:     importer,
			Message:  fmt.Sprintf("cannot resolve %q: no such project file", spec),
			Severity: SeverityError,
			Source:   SourceResolve,
		},
	}
}

// resolveBare applies the external policy.
func (s *ServableProject) resolveBare(importer, spec string) resolution {
	switch s.policy {
	case ExternalCDN:
		return resolution{spec: s.cdnBaseURL + spec + "?module", bare: true}
	case ExternalError:
		return resolution{
			spec: spec,
			bare: true,
			diag: &Diagnostic{
				File:     importer,
				Message:  fmt.Sprintf("cannot resolve module %q: bare module specifiers are not allowed", spec),
				Severity: SeverityError,
				Source:   SourceExternal,
			},
		}
	default:
		return resolution{spec: spec, bare: true}
	}
}

// lookupFile finds the project file a project-relative candidate refers to, trying the
// extension substitutions TypeScript projects rely on.
func (s *ServableProject) lookupFile(candidate string) (string, bool) {
	candidate = path.Clean(candidate)
	if candidate == ".." || strings.HasPrefix(candidate, "../") {
		return "", false
	}

	var tries []string
	tries = append(tries, candidate)
	ext := path.Ext(candidate)
	stem := strings.TrimSuffix(candidate, ext)
	switch strings.ToLower(ext) {
	case ".js":
		tries = append(tries, stem+".ts", stem+".tsx")
	case ".mjs":
		tries = append(tries, stem+".mts")
	case ".jsx":
		tries = append(tries, stem+".tsx")
	case "":
		tries = append(tries,
			candidate+".ts", candidate+".tsx", candidate+".js", candidate+".mjs", candidate+".jsx",
			candidate+"/index.ts", candidate+"/index.js")
	}

	for _, name := range tries {
		if _, ok := s.served[name]; ok {
			return name, true
		}
	}
	// A reference may name the served path of a compiled file.
	return s.nameForServedPath(candidate)
}

// nameForServedPath maps a served path back to its project file.
func (s *ServableProject) nameForServedPath(servedPath string) (string, bool) {
	servedPath, _ = splitSuffix(servedPath)
	for name, p := range s.served {
		if p == servedPath {
			return name, true
		}
	}
	return "", false
}

// isAbsoluteURL reports whether spec carries a scheme or is protocol-relative.
func isAbsoluteURL(spec string) bool {
	if strings.HasPrefix(spec, "//") {
		return true
	}
	u, err := url.Parse(spec)
	return err == nil && u.Scheme != "" && len(u.Scheme) > 1
}

// splitSuffix separates a query or fragment from a specifier.
func splitSuffix(spec string) (string, string) {
	if i := strings.IndexAny(spec, "?#"); i >= 0 {
		return spec[:i], spec[i:]
	}
	return spec, ""
}
