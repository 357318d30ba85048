// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"fmt"
	"path"
	"strings"

	"github.com/cespare/xxhash"
	"gopkg.in/yaml.v3"
)

// ContentType is the language of a project file.
type ContentType string

const (
	ContentTypeHTML  ContentType = "html"
	ContentTypeCSS   ContentType = "css"
	ContentTypeJS    ContentType = "js"
	ContentTypeTS    ContentType = "ts"
	ContentTypeJSON  ContentType = "json"
	ContentTypeOther ContentType = "other"
)

// ContentTypeFor infers the content type of a file from its extension.
func ContentTypeFor(name string) ContentType {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return ContentTypeHTML
	case ".css":
		return ContentTypeCSS
	case ".js", ".mjs", ".jsx":
		return ContentTypeJS
	case ".ts", ".mts", ".tsx":
		return ContentTypeTS
	case ".json":
		return ContentTypeJSON
	default:
		return ContentTypeOther
	}
}

// Valid reports whether c is one of the known content types.
func (c ContentType) Valid() bool {
	switch c {
	case ContentTypeHTML, ContentTypeCSS, ContentTypeJS, ContentTypeTS, ContentTypeJSON, ContentTypeOther:
		return true
	}
	return false
}

// MIME returns the media type a browser expects for content of this type once compiled.
// TypeScript is served as JavaScript.
func (c ContentType) MIME() string {
	switch c {
	case ContentTypeHTML:
		return "text/html; charset=utf-8"
	case ContentTypeCSS:
		return "text/css; charset=utf-8"
	case ContentTypeJS, ContentTypeTS:
		return "text/javascript; charset=utf-8"
	case ContentTypeJSON:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

// ProjectFile is a single virtual file. Name is the identity of the file within its project.
type ProjectFile struct {
	Name        string      `json:"name"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	Hidden      bool        `json:"hidden,omitempty"`
	Label       string      `json:"label,omitempty"`
}

// Project is an ordered set of files. Order is display order.
type Project []ProjectFile

// Lookup returns the file with the given name.
func (p Project) Lookup(name string) (ProjectFile, bool) {
	if i := p.Index(name); i >= 0 {
		return p[i], true
	}
	return ProjectFile{}, false
}

// Index returns the position of the named file, or -1.
func (p Project) Index(name string) int {
	for i := range p {
		if p[i].Name == name {
			return i
		}
	}
	return -1
}

// Names returns the file names in display order.
func (p Project) Names() []string {
	names := make([]string, len(p))
	for i := range p {
		names[i] = p[i].Name
	}
	return names
}

// Clone returns a copy that shares no backing storage with p.
func (p Project) Clone() Project {
	if p == nil {
		return nil
	}
	out := make(Project, len(p))
	copy(out, p)
	return out
}

// withContentTypes returns p with empty content types inferred from the file names. p itself
// is returned when every type is set.
func (p Project) withContentTypes() Project {
	for i := range p {
		if p[i].ContentType != "" {
			continue
		}
		out := p.Clone()
		for j := range out {
			if out[j].ContentType == "" {
				out[j].ContentType = ContentTypeFor(out[j].Name)
			}
		}
		return out
	}
	return p
}

// Entry returns the designated entry document: preferred if present, otherwise the first
// html file in display order.
func (p Project) Entry(preferred string) (string, bool) {
	if preferred != "" {
		if _, ok := p.Lookup(preferred); ok {
			return preferred, true
		}
	}
	for _, f := range p {
		if f.ContentType == ContentTypeHTML {
			return f.Name, true
		}
	}
	return "", false
}

// Fingerprint hashes names, types and contents in order. Equal projects share a fingerprint.
func (p Project) Fingerprint() uint64 {
	d := xxhash.New()
	for _, f := range p {
		d.Write([]byte(f.Name))
		d.Write([]byte{0})
		d.Write([]byte(f.ContentType))
		d.Write([]byte{0})
		d.Write([]byte(f.Content))
		d.Write([]byte{0})
	}
	return d.Sum64()
}

// Validate checks file names are well formed and unique and fills in missing content types.
func (p Project) Validate() error {
	seen := make(map[string]struct{}, len(p))
	for i := range p {
		if err := validateName(p[i].Name); err != nil {
			return err
		}
		if _, dup := seen[p[i].Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateFile, p[i].Name)
		}
		seen[p[i].Name] = struct{}{}
		if p[i].ContentType == "" {
			p[i].ContentType = ContentTypeFor(p[i].Name)
		}
		if !p[i].ContentType.Valid() {
			return fmt.Errorf("%w: %s: unknown content type %q", ErrInvalidName, p[i].Name, p[i].ContentType)
		}
	}
	return nil
}

// validateName accepts clean, relative, slash-separated names.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	case strings.HasPrefix(name, "/"), strings.Contains(name, `\`):
		return fmt.Errorf("%w: %s", ErrInvalidName, name)
	case path.Clean(name) != name, name == ".", strings.HasPrefix(name, "../"), name == "..":
		return fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	return nil
}

// fileConfig is one entry of the files mapping in a project config.
type fileConfig struct {
	Content     *string `yaml:"content"`
	Hidden      bool    `yaml:"hidden"`
	Label       string  `yaml:"label"`
	ContentType string  `yaml:"contentType"`
}

// ParseConfig parses a project config of the form
//
//	{ "files": { "index.html": { "content": "...", "hidden": false, "label": "", "contentType": "html" } } }
//
// given as JSON or YAML. The order of the files mapping is kept as display order.
func ParseConfig(data []byte) (Project, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &ConfigError{Msg: "empty document"}
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, &ConfigError{Msg: "top level must be a mapping"}
	}

	var files *yaml.Node
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value == "files" {
			files = doc.Content[i+1]
			break
		}
	}
	if files == nil {
		return nil, &ConfigError{Field: "files", Msg: "missing"}
	}
	if files.Kind != yaml.MappingNode {
		return nil, &ConfigError{Field: "files", Msg: "must be a mapping of file name to file"}
	}

	project := make(Project, 0, len(files.Content)/2)
	for i := 0; i+1 < len(files.Content); i += 2 {
		name := files.Content[i].Value
		field := "files." + name
		value := files.Content[i+1]
		if value.Kind != yaml.MappingNode {
			return nil, &ConfigError{Field: field, Msg: "must be a mapping"}
		}
		var fc fileConfig
		if err := value.Decode(&fc); err != nil {
			return nil, &ConfigError{Field: field, Msg: err.Error()}
		}
		if fc.Content == nil {
			return nil, &ConfigError{Field: field + ".content", Msg: "missing"}
		}
		ct := ContentType(fc.ContentType)
		if ct == "" {
			ct = ContentTypeFor(name)
		} else if !ct.Valid() {
			return nil, &ConfigError{Field: field + ".contentType", Msg: fmt.Sprintf("unknown content type %q", fc.ContentType)}
		}
		project = append(project, ProjectFile{
			Name:        name,
			Content:     *fc.Content,
			ContentType: ct,
			Hidden:      fc.Hidden,
			Label:       fc.Label,
		})
	}

	if err := project.Validate(); err != nil {
		return nil, &ConfigError{Field: "files", Msg: err.Error()}
	}
	return project, nil
}
