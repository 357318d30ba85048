// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package qjspreview

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	playground "github.com/buke/playground-go"
)

const resourceNamespace = "preview-resource"

// bundleModule links a module script and everything it imports from doc into a single classic
// script. Imports outside the preview are left to fail at runtime, as they would in a frame
// without network access.
func bundleModule(doc *playground.PreviewDocument, name, source string) (string, error) {
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   source,
			Sourcefile: name,
			Loader:     api.LoaderJS,
			ResolveDir: "/",
		},
		Bundle:   true,
		Write:    false,
		Outdir:   "/out",
		Format:   api.FormatIIFE,
		Platform: api.PlatformBrowser,
		Target:   api.ES2020,
		LogLevel: api.LogLevelSilent,
		Plugins:  []api.Plugin{resourcePlugin(doc)},
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		return "", fmt.Errorf("failed to load module %s: %s", name, msg.Text)
	}
	for _, f := range result.OutputFiles {
		if strings.HasSuffix(f.Path, ".js") {
			return string(f.Contents), nil
		}
	}
	return "", fmt.Errorf("failed to load module %s: no output", name)
}

// resourcePlugin serves preview addresses from doc's resources.
func resourcePlugin(doc *playground.PreviewDocument) api.Plugin {
	return api.Plugin{
		Name: "preview-resources",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if args.Kind == api.ResolveEntryPoint {
					return api.OnResolveResult{}, nil
				}
				servedPath, ok := servedPathOf(doc, args.Path)
				if !ok {
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				}
				return api.OnResolveResult{Path: servedPath, Namespace: resourceNamespace}, nil
			})
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: resourceNamespace}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				r, ok := doc.Resource(args.Path)
				if !ok {
					return api.OnLoadResult{}, fmt.Errorf("resource %s not found", args.Path)
				}
				contents := string(r.Body)
				return api.OnLoadResult{Contents: &contents, Loader: loaderFor(r.MIME)}, nil
			})
		},
	}
}

func loaderFor(mime string) api.Loader {
	switch {
	case strings.HasPrefix(mime, "text/css"):
		return api.LoaderCSS
	case strings.HasPrefix(mime, "application/json"):
		return api.LoaderJSON
	case strings.HasPrefix(mime, "text/javascript"):
		return api.LoaderJS
	default:
		return api.LoaderText
	}
}
