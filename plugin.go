// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"github.com/evanw/esbuild/pkg/api"
)

// SpecifierRewriter maps an import specifier found in importer to the specifier that should be
// emitted in its place.
type SpecifierRewriter func(importer, spec string, kind api.ResolveKind) string

// newRewritePlugin returns an esbuild plugin that marks every import external and replaces its
// path with the rewriter's answer. Running a bundle build with this plugin rewrites specifiers
// in place while leaving the module otherwise unbundled.
//
// OnSpecifier, when set, is called once per import with the original specifier; it lets the
// caller learn whether a module has imports at all.
func newRewritePlugin(importer string, rewrite SpecifierRewriter, onSpecifier func(spec string)) api.Plugin {
	return api.Plugin{
		Name: "playground-rewrite",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if args.Kind == api.ResolveEntryPoint {
					return api.OnResolveResult{}, nil
				}
				if onSpecifier != nil {
					onSpecifier(args.Path)
				}
				return api.OnResolveResult{
					Path:     rewrite(importer, args.Path, args.Kind),
					External: true,
				}, nil
			})
		},
	}
}
