// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"fmt"

	"github.com/evanw/esbuild/pkg/api"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// DiagnosticSource says which pipeline stage produced a diagnostic.
type DiagnosticSource string

const (
	SourceCompile DiagnosticSource = "compile"
	SourceResolve DiagnosticSource = "resolve"
	// SourceExternal marks bare module specifiers rejected by ExternalError.
	SourceExternal DiagnosticSource = "external"
)

// Diagnostic is a message attached to a source position. Line is 1-based and Column is a
// 0-based byte offset into the line; both are zero when the position is unknown.
type Diagnostic struct {
	File     string           `json:"file"`
	Message  string           `json:"message"`
	Line     int              `json:"line"`
	Column   int              `json:"column"`
	Severity Severity         `json:"severity"`
	Source   DiagnosticSource `json:"source,omitempty"`
}

func (d Diagnostic) String() string {
	if d.File == "" {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	if d.Line == 0 {
		return fmt.Sprintf("%s: %s: %s", d.File, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.File, d.Line, d.Column, d.Severity, d.Message)
}

// diagnosticsFromMessages converts esbuild messages into diagnostics for file.
func diagnosticsFromMessages(file string, severity Severity, source DiagnosticSource, msgs []api.Message) []Diagnostic {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Diagnostic, 0, len(msgs))
	for _, m := range msgs {
		d := Diagnostic{
			File:     file,
			Message:  m.Text,
			Severity: severity,
			Source:   source,
		}
		if m.Location != nil {
			d.Line = m.Location.Line
			d.Column = m.Location.Column
		}
		out = append(out, d)
	}
	return out
}

// hasErrors reports whether any diagnostic has error severity.
func hasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// OutputKind tags the outcome of compiling one file.
type OutputKind string

const (
	// OutputCompiled means Content holds JavaScript produced from the source.
	OutputCompiled OutputKind = "compiled"
	// OutputPassthrough means the file was not a script and Content is the source unchanged.
	OutputPassthrough OutputKind = "passthrough"
	// OutputFailed means the file has error diagnostics and no usable output.
	OutputFailed OutputKind = "failed"
)

// FileResult is the compile outcome of one project file.
type FileResult struct {
	Name        string       `json:"name"`
	ContentType ContentType  `json:"contentType"`
	Kind        OutputKind   `json:"kind"`
	Content     string       `json:"content,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// CompileRequest is an immutable snapshot of a project sent to the compile worker.
type CompileRequest struct {
	Seq   uint64  `json:"seq"`
	Files Project `json:"files"`
}

// CompileResult holds one FileResult per input file, in input order.
type CompileResult struct {
	Seq   uint64       `json:"seq"`
	Files []FileResult `json:"files"`
}

// File returns the result for the named file.
func (r *CompileResult) File(name string) (FileResult, bool) {
	for _, f := range r.Files {
		if f.Name == name {
			return f, true
		}
	}
	return FileResult{}, false
}

// Diagnostics returns every file's diagnostics in file order.
func (r *CompileResult) Diagnostics() []Diagnostic {
	var out []Diagnostic
	for _, f := range r.Files {
		out = append(out, f.Diagnostics...)
	}
	return out
}

// HasErrors reports whether any file failed to compile.
func (r *CompileResult) HasErrors() bool {
	for _, f := range r.Files {
		if f.Kind == OutputFailed {
			return true
		}
	}
	return false
}
