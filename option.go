// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"log/slog"
	"time"
)

// DefaultDebounce is the quiet period after an edit before a compile is issued.
const DefaultDebounce = 300 * time.Millisecond

// SnapshotProcessor is called with every snapshot the orchestrator publishes, before
// subscribers see it. It can enrich logs, push to clients or record history.
type SnapshotProcessor func(s Snapshot)

// Options holds the orchestrator configuration and processor chains.
type Options struct {
	debounce time.Duration // quiet period before a compile is issued
	entry    string        // preferred entry document

	resolverOptions []ResolverOption // passed to NewResolver
	builderOptions  []BuilderOption  // passed to NewPreviewBuilder

	snapshotProcessors []SnapshotProcessor // run on every published snapshot

	observer Observer
	logger   *slog.Logger
}

// OptionFunc configures an Orchestrator using the functional options pattern.
type OptionFunc func(*Options)

// newOptions creates an options struct with default values.
func newOptions() *Options {
	return &Options{
		debounce: DefaultDebounce,
		entry:    DefaultEntry,
		observer: nopObserver{},
		logger:   slog.Default(),
	}
}

// WithDebounce sets the quiet period between the last edit and the compile it triggers.
// Zero compiles on every change.
func WithDebounce(d time.Duration) OptionFunc {
	return func(opts *Options) {
		if d >= 0 {
			opts.debounce = d
		}
	}
}

// WithEntryDocument sets the preferred entry document. When the project has no file of that
// name the first html file is used.
func WithEntryDocument(name string) OptionFunc {
	return func(opts *Options) {
		opts.entry = name
	}
}

// WithResolverOptions appends options for the module resolver, such as the external policy.
func WithResolverOptions(resolverOptions ...ResolverOption) OptionFunc {
	return func(opts *Options) {
		opts.resolverOptions = append(opts.resolverOptions, resolverOptions...)
	}
}

// WithBuilderOptions appends options for the preview document builder.
func WithBuilderOptions(builderOptions ...BuilderOption) OptionFunc {
	return func(opts *Options) {
		opts.builderOptions = append(opts.builderOptions, builderOptions...)
	}
}

// WithPreviewProcessor adds a processor to the entry document chain.
func WithPreviewProcessor(processor DocumentProcessor) OptionFunc {
	return func(opts *Options) {
		opts.builderOptions = append(opts.builderOptions, WithDocumentProcessor(processor))
	}
}

// WithSnapshotProcessor adds a processor to the snapshot chain.
func WithSnapshotProcessor(processor SnapshotProcessor) OptionFunc {
	return func(opts *Options) {
		opts.snapshotProcessors = append(opts.snapshotProcessors, processor)
	}
}

// WithObserver sets the pipeline observer, typically a metrics collector.
func WithObserver(observer Observer) OptionFunc {
	return func(opts *Options) {
		if observer != nil {
			opts.observer = observer
		}
	}
}

// WithLogger sets a custom logger for the orchestrator and the stages it creates.
// Defaults to slog.Default() if not specified.
func WithLogger(logger *slog.Logger) OptionFunc {
	return func(opts *Options) {
		opts.logger = logger
	}
}
