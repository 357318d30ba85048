// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"bytes"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"text/template"
)

// BootstrapAttr marks the script the builder injects into every preview document.
const BootstrapAttr = "data-playground-bootstrap"

// bootstrapTemplate forwards console output and runtime errors to the host page and reports
// resolution errors.
// Values are JSON encoded before substitution, which also escapes "</script>".
var bootstrapTemplate = template.Must(template.New("bootstrap").Parse(`(function () {
  var instance = {{ .Instance }};
  var errors = {{ .Errors }};
  function post(msg) {
    msg.source = "playground-preview";
    msg.instance = instance;
    try { window.parent.postMessage(msg, "*"); } catch (e) {}
  }
  ["log", "info", "warn", "error"].forEach(function (level) {
    var orig = console[level];
    console[level] = function () {
      var text = Array.prototype.map.call(arguments, String).join(" ");
      post({ type: "console", level: level, text: text });
      return orig.apply(console, arguments);
    };
  });
  for (var i = 0; i < errors.length; i++) {
    console.error(errors[i].file + ": " + errors[i].message);
    post({ type: "resolve-error", diagnostic: errors[i] });
  }
  window.addEventListener("error", function (e) {
    post({ type: "runtime-error", message: String(e.message), file: e.filename, line: e.lineno, column: e.colno });
  });
  window.addEventListener("unhandledrejection", function (e) {
    post({ type: "runtime-error", message: String(e.reason) });
  });
})();
`))

// bootstrapScript renders the injected script for an instance.
func bootstrapScript(instanceID string, errors []Diagnostic) (string, error) {
	if errors == nil {
		errors = []Diagnostic{}
	}
	instanceJSON, err := json.Marshal(instanceID)
	if err != nil {
		return "", err
	}
	errorsJSON, err := json.Marshal(errors)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := bootstrapTemplate.Execute(&buf, map[string]string{
		"Instance": string(instanceJSON),
		"Errors":   string(errorsJSON),
	}); err != nil {
		return "", fmt.Errorf("failed to execute bootstrap template: %w", err)
	}
	return buf.String(), nil
}

// diagnosticTemplate is the document shown instead of a preview that cannot run.
var diagnosticTemplate = htmltemplate.Must(htmltemplate.New("diagnostics").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Build failed</title>
<style>
body { font-family: ui-monospace, monospace; margin: 1.5em; color: #1f2328; }
h1 { font-size: 1.1em; color: #cf222e; }
li { margin: .4em 0; white-space: pre-wrap; }
.warning { color: #9a6700; }
</style>
</head>
<body>
<h1>{{ .Title }}</h1>
<ul>
{{- range .Diagnostics }}
<li class="{{ .Severity }}">{{ .String }}</li>
{{- end }}
</ul>
</body>
</html>
`))

// diagnosticDocument renders diagnostics as a standalone HTML page.
func diagnosticDocument(title string, diags []Diagnostic) (string, error) {
	var buf bytes.Buffer
	if err := diagnosticTemplate.Execute(&buf, map[string]interface{}{
		"Title":       title,
		"Diagnostics": diags,
	}); err != nil {
		return "", fmt.Errorf("failed to execute diagnostics template: %w", err)
	}
	return buf.String(), nil
}
