// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"errors"
	"reflect"
	"testing"
)

// TestContentTypeFor verifies extension based content type inference.
func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		name string
		want ContentType
	}{
		{"index.html", ContentTypeHTML},
		{"page.HTM", ContentTypeHTML},
		{"style.css", ContentTypeCSS},
		{"main.js", ContentTypeJS},
		{"main.mjs", ContentTypeJS},
		{"view.jsx", ContentTypeJS},
		{"main.ts", ContentTypeTS},
		{"view.tsx", ContentTypeTS},
		{"data.json", ContentTypeJSON},
		{"README", ContentTypeOther},
		{"logo.svg", ContentTypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContentTypeFor(tt.name); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

// TestContentTypeMIME verifies that TypeScript is served as JavaScript.
func TestContentTypeMIME(t *testing.T) {
	if ContentTypeTS.MIME() != ContentTypeJS.MIME() {
		t.Errorf("Expected ts and js to share a MIME type, got %s and %s", ContentTypeTS.MIME(), ContentTypeJS.MIME())
	}
	if ContentTypeOther.MIME() != "text/plain; charset=utf-8" {
		t.Errorf("Unexpected MIME type for other content: %s", ContentTypeOther.MIME())
	}
}

// TestProjectEntry verifies the preferred entry and the first-html fallback.
func TestProjectEntry(t *testing.T) {
	p := Project{
		{Name: "main.ts", ContentType: ContentTypeTS},
		{Name: "about.html", ContentType: ContentTypeHTML},
		{Name: "index.html", ContentType: ContentTypeHTML},
	}
	tests := []struct {
		name      string
		preferred string
		want      string
		ok        bool
	}{
		{"preferred_present", "index.html", "index.html", true},
		{"preferred_script", "main.ts", "main.ts", true},
		{"fallback_first_html", "missing.html", "about.html", true},
		{"no_preference", "", "about.html", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.Entry(tt.preferred)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Expected (%s, %v), got (%s, %v)", tt.want, tt.ok, got, ok)
			}
		})
	}

	if _, ok := (Project{{Name: "a.js", ContentType: ContentTypeJS}}).Entry("index.html"); ok {
		t.Errorf("Expected no entry for a project without html")
	}
}

// TestProjectFingerprint verifies that equal projects share a fingerprint and edits change it.
func TestProjectFingerprint(t *testing.T) {
	a := Project{{Name: "a.js", Content: "1", ContentType: ContentTypeJS}}
	b := a.Clone()
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("Expected equal projects to share a fingerprint")
	}
	b[0].Content = "2"
	if a.Fingerprint() == b.Fingerprint() {
		t.Errorf("Expected content change to change the fingerprint")
	}
	// Name and content boundaries must not collide.
	c := Project{{Name: "a.js1", Content: "", ContentType: ContentTypeJS}}
	if a.Fingerprint() == c.Fingerprint() {
		t.Errorf("Expected distinct projects to have distinct fingerprints")
	}
}

// TestParseConfig verifies YAML and JSON config ingestion keeps the file order.
func TestParseConfig(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"json", `{"files": {"z.html": {"content": "<p>z</p>"}, "a.ts": {"content": "let a = 1;", "label": "A"}, "m.css": {"content": "", "hidden": true}}}`},
		{"yaml", "files:\n  z.html:\n    content: <p>z</p>\n  a.ts:\n    content: let a = 1;\n    label: A\n  m.css:\n    content: \"\"\n    hidden: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseConfig([]byte(tt.data))
			if err != nil {
				t.Fatalf("ParseConfig failed: %v", err)
			}
			if got := p.Names(); !reflect.DeepEqual(got, []string{"z.html", "a.ts", "m.css"}) {
				t.Errorf("Expected config order, got %v", got)
			}
			if p[1].ContentType != ContentTypeTS || p[1].Label != "A" {
				t.Errorf("Unexpected a.ts: %+v", p[1])
			}
			if !p[2].Hidden || p[2].Content != "" {
				t.Errorf("Unexpected m.css: %+v", p[2])
			}
		})
	}
}

// TestParseConfigExplicitContentType verifies that contentType overrides the extension.
func TestParseConfigExplicitContentType(t *testing.T) {
	p, err := ParseConfig([]byte(`{"files": {"script": {"content": "let a: number = 1;", "contentType": "ts"}}}`))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if p[0].ContentType != ContentTypeTS {
		t.Errorf("Expected ts, got %s", p[0].ContentType)
	}
}

// TestParseConfigErrors verifies that malformed input is reported as a ConfigError.
func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"syntax", `{"files": `, ""},
		{"empty", ``, ""},
		{"not_mapping", `[1, 2]`, ""},
		{"missing_files", `{"other": {}}`, "files"},
		{"files_not_mapping", `{"files": ["a"]}`, "files"},
		{"file_not_mapping", `{"files": {"a.js": "code"}}`, "files.a.js"},
		{"missing_content", `{"files": {"a.js": {"label": "x"}}}`, "files.a.js.content"},
		{"bad_content_type", `{"files": {"a.js": {"content": "", "contentType": "vue"}}}`, "files.a.js.contentType"},
		{"bad_hidden", `{"files": {"a.js": {"content": "", "hidden": "maybe"}}}`, "files.a.js"},
		{"duplicate", "files:\n  a.js:\n    content: x\n  a.js:\n    content: y\n", ""},
		{"invalid_name", `{"files": {"../a.js": {"content": ""}}}`, "files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected ConfigError, got %v", err)
			}
			if tt.field != "" && cfgErr.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, cfgErr.Field)
			}
		})
	}
}
