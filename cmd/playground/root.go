// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/buke/playground-go/internal/config"
)

const rootLongDescription = `Playground compiles a project of HTML, CSS, JavaScript and TypeScript
files in memory and serves a sandboxed live preview that updates as files change.

Settings are read from ./playground.yaml (or --config), then PLAYGROUND_* environment
variables, then flags.`

// app carries state shared by the subcommands. cfg and logger are set by the root command's
// pre-run hook.
type app struct {
	v          *viper.Viper
	configFile string

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	cmd := &cobra.Command{
		Use:               "playground",
		Short:             "Live preview server for browser code playgrounds",
		Long:              rootLongDescription,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file (default ./playground.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	a.bind(flags, "log-level", "log.level")
	flags.String("log-format", "text", "log format: text or json")
	a.bind(flags, "log-format", "log.format")
	flags.String("log-file", "", "write logs to this file with rotation instead of stderr")
	a.bind(flags, "log-file", "log.file")
	a.addProjectFlags(flags)

	cmd.AddCommand(newServeCmd(a), newBuildCmd(a), newVersionCmd())
	return cmd
}

// bind wires a flag to a Viper key so config and env values feed it.
func (a *app) bind(flags *pflag.FlagSet, name, key string) {
	flag := flags.Lookup(name)
	if flag == nil {
		cobra.CheckErr(fmt.Errorf("flag for config key %q not found", key))
		return
	}
	cobra.CheckErr(a.v.BindPFlag(key, flag))
}

// addProjectFlags registers the project and compile flags. They are persistent so each Viper
// key is bound to exactly one flag.
func (a *app) addProjectFlags(flags *pflag.FlagSet) {
	flags.String("dir", "", "project directory")
	a.bind(flags, "dir", "project.dir")
	flags.String("file", "", "project config file (YAML or JSON file map)")
	a.bind(flags, "file", "project.file")
	flags.String("entry", "index.html", "entry document")
	a.bind(flags, "entry", "project.entry")
	flags.String("target", "es2020", "ECMAScript target of compiled TypeScript")
	a.bind(flags, "target", "compile.target")
	flags.Bool("sourcemap", false, "append inline source maps to compiled TypeScript")
	a.bind(flags, "sourcemap", "compile.sourcemap")
	flags.String("external", "passthrough", "bare module policy: passthrough, cdn or error")
	a.bind(flags, "external", "compile.external_policy")
	flags.String("cdn", "https://unpkg.com/", "CDN base URL for the cdn policy")
	a.bind(flags, "cdn", "compile.cdn_base_url")
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	if err := config.ReadFile(a.v, a.configFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.closeLog = closeLog
	return nil
}

func (a *app) close() error {
	if a.closeLog == nil {
		return nil
	}
	return a.closeLog()
}

// projectArg lets a positional directory override the configured project source.
func (a *app) projectArg(args []string) {
	if len(args) == 1 {
		a.cfg.Project.Dir = args[0]
		a.cfg.Project.File = ""
	}
}
