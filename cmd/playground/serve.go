// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	playground "github.com/buke/playground-go"
	"github.com/buke/playground-go/internal/metrics"
	"github.com/buke/playground-go/internal/server"
	"github.com/buke/playground-go/internal/workspace"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [dir]",
		Short: "Serve a live preview of a project",
		Long: `Serve compiles the project, serves a sandboxed preview and recompiles on every change.
Changes come from the file API and, with --watch, from the project directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.projectArg(args)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("host", "127.0.0.1", "listen host")
	a.bind(flags, "host", "server.host")
	flags.Int("port", 8080, "listen port")
	a.bind(flags, "port", "server.port")
	flags.StringSlice("allowed-origin", nil, "extra websocket origin pattern (repeatable)")
	a.bind(flags, "allowed-origin", "server.allowed_origins")
	flags.Bool("watch", true, "mirror changes of the project directory")
	a.bind(flags, "watch", "project.watch")
	flags.Duration("debounce", playground.DefaultDebounce, "quiet period after an edit before compiling")
	a.bind(flags, "debounce", "compile.debounce")
	flags.Duration("request-timeout", playground.DefaultRequestTimeout, "compile worker timeout")
	a.bind(flags, "request-timeout", "compile.request_timeout")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	project, err := a.loadProject()
	if err != nil {
		return err
	}
	store, err := playground.NewFileStore(project)
	if err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}

	collector := metrics.New(prometheus.NewRegistry())
	store.Subscribe(collector.StoreChanged)

	bridge := a.newBridge(collector)
	defer bridge.Close()

	orch := playground.NewOrchestrator(store, bridge,
		playground.WithDebounce(a.cfg.Compile.Debounce),
		playground.WithEntryDocument(a.cfg.Project.Entry),
		playground.WithResolverOptions(a.resolverOptions()...),
		playground.WithObserver(collector),
		playground.WithSnapshotProcessor(a.logSnapshot),
		playground.WithLogger(a.logger),
	)
	srv := server.New(orch,
		server.WithMetrics(collector),
		server.WithAllowedOrigins(a.cfg.Server.AllowedOrigins),
		server.WithLogger(a.logger),
	)
	defer srv.Close()

	var watcher *workspace.Watcher
	if a.cfg.Project.Dir != "" && a.cfg.Project.Watch {
		watcher, err = workspace.NewWatcher(a.cfg.Project.Dir, store, nil, a.logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Close()

	g.Go(func() error {
		return srv.ListenAndServe(ctx, a.cfg.Addr())
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	a.logger.Info("Playground ready", "url", "http://"+a.cfg.Addr()+"/", "files", len(project))
	return g.Wait()
}

// logSnapshot reports settled pipeline states.
func (a *app) logSnapshot(s playground.Snapshot) {
	switch s.State {
	case playground.StateFailed:
		if s.Err != nil {
			a.logger.Warn("Compile failed", "seq", s.Seq, "error", s.Err)
			return
		}
		for _, d := range s.Diagnostics {
			a.logger.Warn("Diagnostic", "seq", s.Seq, "diagnostic", d.String())
		}
	case playground.StatePreviewing:
		if !s.Pending && s.Document != nil {
			a.logger.Debug("Preview current", "seq", s.Seq, "url", s.Document.EntryURL)
		}
	}
}
