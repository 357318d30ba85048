// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"fmt"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// TsconfigName is the project file whose content, when present, configures TypeScript
// compilation and import path aliases.
const TsconfigName = "tsconfig.json"

// CompileOptions configures CompileProject.
type CompileOptions struct {
	Target    api.Target // ECMAScript target, defaults to ES2020
	Sourcemap bool       // append inline source maps to compiled TypeScript
}

// CompileProject transpiles every TypeScript file of project to JavaScript and syntax-checks
// every JavaScript file. Other files pass through. Each file is compiled independently, so an
// error in one file never prevents its siblings from compiling. The result only depends on the
// project content and opts. Files without a content type are typed by name.
func CompileProject(project Project, opts CompileOptions) *CompileResult {
	project = project.withContentTypes()
	if opts.Target == api.DefaultTarget {
		opts.Target = api.ES2020
	}

	var tsconfigRaw string
	if f, ok := project.Lookup(TsconfigName); ok {
		tsconfigRaw = f.Content
	}

	result := &CompileResult{Files: make([]FileResult, 0, len(project))}
	for _, file := range project {
		result.Files = append(result.Files, compileFile(file, tsconfigRaw, opts))
	}
	return result
}

// compileFile produces the outcome for a single file.
func compileFile(file ProjectFile, tsconfigRaw string, opts CompileOptions) FileResult {
	out := FileResult{Name: file.Name, ContentType: file.ContentType}

	loader, ok := scriptLoader(file)
	if !ok {
		out.Kind = OutputPassthrough
		out.Content = file.Content
		return out
	}

	transformOptions := api.TransformOptions{
		Loader:      loader,
		Sourcefile:  file.Name,
		Target:      opts.Target,
		TsconfigRaw: tsconfigRaw,
		LogLevel:    api.LogLevelSilent,
	}
	if opts.Sourcemap && file.ContentType == ContentTypeTS {
		transformOptions.Sourcemap = api.SourceMapInline
	}

	res := api.Transform(file.Content, transformOptions)
	out.Diagnostics = append(
		diagnosticsFromMessages(file.Name, SeverityError, SourceCompile, res.Errors),
		diagnosticsFromMessages(file.Name, SeverityWarning, SourceCompile, res.Warnings)...,
	)
	if len(res.Errors) > 0 {
		out.Kind = OutputFailed
		return out
	}

	out.Kind = OutputCompiled
	if loader == api.LoaderJS {
		// JavaScript is only checked; the user's text is served as written.
		out.Content = file.Content
	} else {
		out.Content = string(res.Code)
	}
	return out
}

// scriptLoader picks the esbuild loader for script files.
func scriptLoader(file ProjectFile) (api.Loader, bool) {
	ext := strings.ToLower(path.Ext(file.Name))
	switch file.ContentType {
	case ContentTypeTS:
		if ext == ".tsx" {
			return api.LoaderTSX, true
		}
		return api.LoaderTS, true
	case ContentTypeJS:
		if ext == ".jsx" {
			return api.LoaderJSX, true
		}
		return api.LoaderJS, true
	}
	return api.LoaderNone, false
}

var targets = map[string]api.Target{
	"es5":    api.ES5,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

// ParseTarget maps a target name such as "es2020" or "esnext" to the esbuild target. An empty
// name selects the default.
func ParseTarget(name string) (api.Target, error) {
	if name == "" {
		return api.DefaultTarget, nil
	}
	t, ok := targets[strings.ToLower(name)]
	if !ok {
		return api.DefaultTarget, fmt.Errorf("unknown compile target %q", name)
	}
	return t, nil
}
