// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	playground "github.com/buke/playground-go"
	qjspreview "github.com/buke/playground-go/engines/quickjs-go"
)

type buildFlags struct {
	out  string
	run  bool
	json bool
}

func newBuildCmd(a *app) *cobra.Command {
	var f buildFlags
	cmd := &cobra.Command{
		Use:   "build [dir]",
		Short: "Compile a project once and report diagnostics",
		Long: `Build runs the compile, resolve and preview steps once. It exits non-zero when the
preview is blocked by diagnostics. With --run the preview is executed headlessly and its
console output and rendered text are reported.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.projectArg(args)
			return a.build(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "write the preview resources to this directory")
	cmd.Flags().BoolVar(&f.run, "run", false, "execute the preview headlessly")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the report as JSON")
	return cmd
}

// buildReport is the outcome of one build.
type buildReport struct {
	Seq         uint64                  `json:"seq"`
	Entry       string                  `json:"entry"`
	EntryURL    string                  `json:"entryUrl"`
	Blocked     bool                    `json:"blocked"`
	Diagnostics []playground.Diagnostic `json:"diagnostics"`
	Run         *qjspreview.Result      `json:"run,omitempty"`
}

func (a *app) build(ctx context.Context, w io.Writer, f buildFlags) error {
	project, err := a.loadProject()
	if err != nil {
		return err
	}

	bridge := a.newBridge(nil)
	defer bridge.Close()
	result, err := bridge.Request(ctx, project).Wait(ctx)
	if err != nil {
		return err
	}

	resolver := playground.NewResolver(append(a.resolverOptions(), playground.WithResolverLogger(a.logger))...)
	servable := resolver.Resolve(result, project)
	builder := playground.NewPreviewBuilder(
		playground.WithEntry(a.cfg.Project.Entry),
		playground.WithBuilderLogger(a.logger),
	)
	doc := builder.Build(servable, "")
	doc.Seq = result.Seq

	report := buildReport{
		Seq:         doc.Seq,
		Entry:       doc.Entry,
		EntryURL:    doc.EntryURL,
		Blocked:     doc.Blocked,
		Diagnostics: append(result.Diagnostics(), servable.Errors...),
	}
	if report.Diagnostics == nil {
		report.Diagnostics = []playground.Diagnostic{}
	}

	if f.out != "" {
		if err := writeDocument(doc, f.out); err != nil {
			return err
		}
		a.logger.Info("Wrote preview", "dir", f.out, "resources", len(doc.Resources))
	}
	if f.run {
		res, err := qjspreview.NewRunner(qjspreview.WithLogger(a.logger)).Run(doc)
		if err != nil {
			return err
		}
		report.Run = res
	}

	if f.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(w, report)
	}

	if report.Blocked {
		return fmt.Errorf("preview blocked by %d diagnostic(s)", len(doc.Diagnostics))
	}
	return nil
}

func printReport(w io.Writer, r buildReport) {
	for _, d := range r.Diagnostics {
		fmt.Fprintln(w, d.String())
	}
	status := "ok"
	if r.Blocked {
		status = "blocked"
	}
	fmt.Fprintf(w, "entry %s: %s\n", r.Entry, status)

	if r.Run == nil {
		return
	}
	if r.Run.Title != "" {
		fmt.Fprintf(w, "title: %s\n", r.Run.Title)
	}
	for _, c := range r.Run.Console {
		fmt.Fprintf(w, "console.%s: %s\n", c.Level, c.Text)
	}
	for _, e := range r.Run.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	fmt.Fprintf(w, "body: %s\n", strings.TrimSpace(r.Run.BodyText))
}

// writeDocument writes every resource under dir at its preview address, so serving dir as a
// static root reproduces the preview.
func writeDocument(doc *playground.PreviewDocument, dir string) error {
	base := filepath.Join(dir, filepath.FromSlash(strings.Trim(doc.BaseURL, "/")))
	paths := make([]string, 0, len(doc.Resources))
	for p := range doc.Resources {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		target := filepath.Join(base, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
		if err := os.WriteFile(target, doc.Resources[p].Body, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", p, err)
		}
	}
	return nil
}
